// Package consumer applies saga outcome events to orders.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/event"
	"order-outbox-service/internal/model"
	"order-outbox-service/internal/usecase"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// QueueOrderEvents is the durable queue holding saga outcomes for this service.
const QueueOrderEvents = "order_events"

// Bindings routes both stock reservation outcomes into QueueOrderEvents.
var Bindings = []broker.Binding{
	{Exchange: event.SagaExchange, RoutingKey: event.RoutingKeyStockReserved},
	{Exchange: event.SagaExchange, RoutingKey: event.RoutingKeyStockReservationFailed},
}

// StatusUpdater is the part of the order service the consumer drives.
type StatusUpdater interface {
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) (usecase.TransitionResult, error)
}

type SagaConsumer struct {
	orders StatusUpdater
	logger *zap.Logger
	tracer trace.Tracer
}

func NewSagaConsumer(orders StatusUpdater, logger *zap.Logger) *SagaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SagaConsumer{
		orders: orders,
		logger: logger.Named("saga"),
		tracer: otel.Tracer("order-outbox-service/consumer"),
	}
}

// HandleMessage applies one saga outcome. Malformed and unrecognized events
// are logged and dropped with a nil error. A non-nil error means the status
// update could not be stored and the message should be delivered again.
func (c *SagaConsumer) HandleMessage(ctx context.Context, messageID string, payload []byte) error {
	ctx, span := c.tracer.Start(ctx, "saga.handle", trace.WithAttributes(
		attribute.String("messaging.message.id", messageID),
	))
	defer span.End()

	evt, err := event.DecodeSagaEvent(payload)
	if err != nil {
		c.logger.Warn("dropping malformed saga event", zap.String("message_id", messageID), zap.Error(err))
		return nil
	}
	span.SetAttributes(attribute.String("saga.event_type", evt.Type()))

	var (
		orderID string
		status  model.OrderStatus
	)
	switch e := evt.(type) {
	case event.StockReserved:
		orderID, status = e.OrderID, model.StatusConfirmed
	case event.StockReservationFailed:
		orderID, status = e.OrderID, model.StatusCancelled
		c.logger.Info("stock reservation failed",
			zap.String("order_id", e.OrderID), zap.String("reason", e.Reason))
	default:
		c.logger.Warn("dropping unrecognized saga event",
			zap.String("message_id", messageID), zap.String("event_type", evt.Type()))
		return nil
	}

	span.SetAttributes(attribute.String("order.id", orderID))
	result, err := c.orders.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to apply %s to order %s: %w", evt.Type(), orderID, err)
	}

	c.logger.Info("saga event applied",
		zap.String("message_id", messageID),
		zap.String("event_type", evt.Type()),
		zap.String("order_id", orderID),
		zap.Stringer("result", result),
	)
	return nil
}

// Run settles each delivery after HandleMessage returns: ack on success,
// nack with requeue on failure. It returns when ctx is cancelled or the
// subscription ends. A message already being handled finishes first.
func (c *SagaConsumer) Run(ctx context.Context, sub broker.Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				return broker.ErrSubscriptionClosed
			}
			c.settle(context.WithoutCancel(ctx), d)
		}
	}
}

func (c *SagaConsumer) settle(ctx context.Context, d broker.Delivery) {
	if err := c.HandleMessage(ctx, d.MessageID, d.Body); err != nil {
		c.logger.Error("saga event not applied, requeueing",
			zap.String("message_id", d.MessageID),
			zap.String("routing_key", d.RoutingKey),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		if nackErr := d.Nack(true); nackErr != nil {
			c.logger.Error("failed to nack message", zap.String("message_id", d.MessageID), zap.Error(nackErr))
		}
		return
	}

	if err := d.Ack(); err != nil {
		c.logger.Error("failed to ack message", zap.String("message_id", d.MessageID), zap.Error(err))
	}
}

// Start subscribes to QueueOrderEvents and runs until ctx is cancelled,
// subscribing again with backoff whenever the subscription drops.
func (c *SagaConsumer) Start(ctx context.Context, subscriber broker.Subscriber) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	c.logger.Info("saga consumer started", zap.String("queue", QueueOrderEvents))
	defer c.logger.Info("saga consumer stopped")

	for {
		sub, err := subscriber.Subscribe(ctx, QueueOrderEvents, Bindings)
		if err == nil {
			b.Reset()
			err = c.Run(ctx, sub)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, broker.ErrClosed) {
			return err
		}

		wait := b.NextBackOff()
		c.logger.Warn("saga subscription lost, resubscribing", zap.Duration("in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
