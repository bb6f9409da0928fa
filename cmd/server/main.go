package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/config"
	"order-outbox-service/internal/consumer"
	"order-outbox-service/internal/db"
	"order-outbox-service/internal/event"
	"order-outbox-service/internal/httpapi"
	"order-outbox-service/internal/logging"
	"order-outbox-service/internal/store/postgres"
	"order-outbox-service/internal/telemetry"
	"order-outbox-service/internal/usecase"
	"order-outbox-service/internal/worker"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "order service: %v\n", err)
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

	shutdownTracing, err := telemetry.Setup(ctx, "order-service", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to PostgreSQL")

	conn, err := broker.Dial(ctx, cfg.RabbitMQ.URL(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := broker.NewRabbitMQPublisher(ctx, conn, logger, event.SagaExchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	st := postgres.New(pool)
	orders := usecase.NewOrderService(st, logger)
	relay := worker.NewOutboxProcessor(st, publisher, logger,
		worker.WithInterval(cfg.RelayInterval),
		worker.WithPublishTimeout(cfg.PublishTimeout),
	)
	saga := consumer.NewSagaConsumer(orders, logger)

	handler := httpapi.NewHandler(orders, logger, map[string]httpapi.HealthCheck{
		"database": pool.Ping,
		"broker":   conn.Check,
	})
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay.Start(ctx); err != nil {
			logger.Error("outbox relay exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := saga.Start(ctx, broker.NewRabbitMQSubscriber(conn, logger)); err != nil {
			logger.Error("saga consumer exited", zap.Error(err))
		}
	}()

	serveErr := serve(ctx, srv, logger)
	// The relay and consumer share ctx; a failed listener stops them too.
	stop()

	// Relay and consumer finish in-flight work before returning.
	wg.Wait()
	logger.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// serve runs srv until ctx is cancelled or the listener fails, then shuts it
// down gracefully. It returns the listener error, if any.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server shutdown", zap.Error(shutdownErr))
	}
	return err
}
