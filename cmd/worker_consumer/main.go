package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/config"
	"order-outbox-service/internal/consumer"
	"order-outbox-service/internal/db"
	"order-outbox-service/internal/logging"
	"order-outbox-service/internal/store/postgres"
	"order-outbox-service/internal/usecase"

	"go.uber.org/zap"
)

// worker_consumer runs only the saga consumer, for deployments that scale it
// apart from the HTTP server.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker consumer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer pool.Close()

	conn, err := broker.Dial(ctx, cfg.RabbitMQ.URL(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	orders := usecase.NewOrderService(postgres.New(pool), logger)
	saga := consumer.NewSagaConsumer(orders, logger)

	logger.Info("waiting for saga events, press CTRL+C to exit", zap.String("queue", consumer.QueueOrderEvents))
	return saga.Start(ctx, broker.NewRabbitMQSubscriber(conn, logger))
}
