package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/config"
	"order-outbox-service/internal/event"
	"order-outbox-service/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// replay publishes the same saga outcome for an order several times, to
// check that the order service applies it once and ignores the repeats.
func main() {
	orderID := flag.String("order", "", "order id to send the outcome for")
	outcome := flag.String("outcome", event.TypeStockReserved, "StockReserved or StockReservationFailed")
	times := flag.Int("times", 2, "how many times to publish the event")
	flag.Parse()

	if err := run(*orderID, *outcome, *times); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(orderID, outcome string, times int) error {
	if orderID == "" {
		return errors.New("-order is required")
	}

	var routingKey string
	switch outcome {
	case event.TypeStockReserved:
		routingKey = event.RoutingKeyStockReserved
	case event.TypeStockReservationFailed:
		routingKey = event.RoutingKeyStockReservationFailed
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := broker.Dial(ctx, cfg.RabbitMQ.URL(), logger, broker.WithDialAttempts(3))
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := broker.NewRabbitMQPublisher(ctx, conn, logger, event.SagaExchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// One event id for every attempt: these are redeliveries, not new outcomes.
	payload, err := json.Marshal(map[string]any{
		"eventId":   uuid.New().String(),
		"eventType": outcome,
		"timestamp": time.Now().UTC(),
		"orderId":   orderID,
		"reason":    "replayed",
	})
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= times; attempt++ {
		if err := publisher.Publish(ctx, event.SagaExchange, routingKey, payload); err != nil {
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		logger.Info("published saga event",
			zap.Int("attempt", attempt), zap.String("order_id", orderID), zap.String("event_type", outcome))
	}
	return nil
}
