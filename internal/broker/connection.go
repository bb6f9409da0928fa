// Package broker owns the RabbitMQ connection and exposes the publish and
// subscribe operations used by the outbox relay and the saga consumer.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultDialAttempts = 10
	defaultDialTimeout  = 5 * time.Second
)

// URL builds an AMQP URL from its parts. An empty vhost means "/".
func URL(host string, port int, user, password, vhost string) string {
	if vhost == "" {
		vhost = "/"
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: user,
		Password: password,
		Vhost:    vhost,
	}
	return uri.String()
}

// Connection is the single AMQP connection of the process. It is created by
// main, handed to the publisher and subscriber, and closed on shutdown.
// A dropped connection is re-dialed once the next time a channel is
// requested; callers that lose the race or hit a failed dial get
// ErrUnavailable and retry later.
type Connection struct {
	url         string
	logger      *zap.Logger
	attempts    uint
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      *amqp.Connection
	closed    bool
	redialing bool
}

type DialOption func(*Connection)

// WithDialAttempts bounds how many times Dial tries to connect.
func WithDialAttempts(n uint) DialOption {
	return func(c *Connection) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// Dial connects to url, retrying with exponential backoff because the
// broker often starts after the service in container setups.
func Dial(ctx context.Context, url string, logger *zap.Logger, opts ...DialOption) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		url:         url,
		logger:      logger.Named("broker"),
		attempts:    defaultDialAttempts,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.logger.Info("connected to RabbitMQ")
	return c, nil
}

func (c *Connection) dial(ctx context.Context) (*amqp.Connection, error) {
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		attempt++
		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("failed to connect to RabbitMQ, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(c.attempts),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

func (c *Connection) dialOnce() (*amqp.Connection, error) {
	return amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.dialTimeout),
	})
}

// Channel opens a new channel. If the connection dropped, the first caller
// makes a single dial attempt; the lock is never held while dialing.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open a channel: %w", ErrUnavailable, err)
	}
	return ch, nil
}

func (c *Connection) current(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.conn != nil && !c.conn.IsClosed():
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	case c.redialing:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnect in progress", ErrUnavailable)
	}
	c.redialing = true
	c.mu.Unlock()

	var conn *amqp.Connection
	err := ctx.Err()
	if err == nil {
		c.logger.Warn("RabbitMQ connection lost, reconnecting")
		conn, err = c.dialOnce()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.redialing = false

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if c.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.logger.Info("reconnected to RabbitMQ")
	return conn, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// Check reports whether the connection is currently open. It never dials.
func (c *Connection) Check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.conn == nil || c.conn.IsClosed():
		return ErrUnavailable
	}
	return nil
}
