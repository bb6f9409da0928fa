package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher delivers one payload to an exchange under a routing key. A nil
// error means the broker accepted the message.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
}

// RabbitMQPublisher publishes on a dedicated confirm-mode channel and waits
// for the broker ack before reporting success.
type RabbitMQPublisher struct {
	conn      *Connection
	exchanges []string
	logger    *zap.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

var _ Publisher = (*RabbitMQPublisher)(nil)

// NewRabbitMQPublisher opens the publishing channel and declares each
// exchange as a durable topic exchange.
func NewRabbitMQPublisher(ctx context.Context, conn *Connection, logger *zap.Logger, exchanges ...string) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RabbitMQPublisher{
		conn:      conn,
		exchanges: exchanges,
		logger:    logger.Named("publisher"),
	}
	if _, err := p.ensureChannel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) ensureChannel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	for _, exchange := range p.exchanges {
		if err := declareTopicExchange(ch, exchange); err != nil {
			ch.Close()
			return nil, err
		}
	}

	p.channel = ch
	return ch, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	ch, err := p.ensureChannel(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			MessageId:    uuid.New().String(),
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: failed to publish message: %w", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirmation: %w", err)
	}
	if !acked {
		return fmt.Errorf("%w: exchange %s, routing key %s", ErrPublishNacked, exchange, routingKey)
	}

	p.logger.Debug("published message",
		zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		return nil
	}
	return p.channel.Close()
}

func declareTopicExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}
