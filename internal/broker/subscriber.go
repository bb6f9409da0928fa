package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultPrefetch = 10

// RabbitMQSubscriber consumes durable queues with manual acknowledgement.
type RabbitMQSubscriber struct {
	conn     *Connection
	logger   *zap.Logger
	prefetch int
}

var _ Subscriber = (*RabbitMQSubscriber)(nil)

func NewRabbitMQSubscriber(conn *Connection, logger *zap.Logger) *RabbitMQSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQSubscriber{
		conn:     conn,
		logger:   logger.Named("subscriber"),
		prefetch: defaultPrefetch,
	}
}

// Subscribe declares queue as durable, binds it, and starts consuming on a
// fresh channel. Messages stay unacknowledged until the caller settles them.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, queue string, bindings []Binding) (Subscription, error) {
	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := s.setup(ch, queue, bindings)
	if err != nil {
		ch.Close()
		return nil, err
	}

	sub := &amqpSubscription{
		channel: ch,
		out:     make(chan Delivery),
		done:    make(chan struct{}),
	}
	go sub.forward(msgs)

	s.logger.Info("subscribed", zap.String("queue", queue), zap.Int("bindings", len(bindings)))
	return sub, nil
}

func (s *RabbitMQSubscriber) setup(ch *amqp.Channel, queue string, bindings []Binding) (<-chan amqp.Delivery, error) {
	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	declared := make(map[string]bool)
	for _, b := range bindings {
		if !declared[b.Exchange] {
			if err := declareTopicExchange(ch, b.Exchange); err != nil {
				return nil, err
			}
			declared[b.Exchange] = true
		}
		if err := ch.QueueBind(queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s to %s/%s: %w", queue, b.Exchange, b.RoutingKey, err)
		}
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}
	return msgs, nil
}

type amqpSubscription struct {
	channel   *amqp.Channel
	out       chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *amqpSubscription) forward(msgs <-chan amqp.Delivery) {
	defer close(s.out)

	for d := range msgs {
		delivery := NewDelivery(d.RoutingKey, d.MessageId, d.Body, d.Redelivered, amqpAcker{d: d})
		select {
		case s.out <- delivery:
		case <-s.done:
			return
		}
	}
}

func (s *amqpSubscription) Deliveries() <-chan Delivery {
	return s.out
}

// Close stops consuming. Unacknowledged messages return to the queue.
func (s *amqpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.channel.IsClosed() {
			err = s.channel.Close()
		}
	})
	return err
}

type amqpAcker struct {
	d amqp.Delivery
}

func (a amqpAcker) Ack() error              { return a.d.Ack(false) }
func (a amqpAcker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
