package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultPublishTimeout = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("outbox processor is already running")

// CycleResult summarizes one relay cycle.
type CycleResult struct {
	Pending   int
	Published int
	Failed    int
	// Skipped counts messages left for the next cycle after the broker
	// became unreachable.
	Skipped int
	Marked  int64
}

// OutboxProcessor drains unprocessed outbox messages to the broker on a
// fixed interval. Delivery is at-least-once: a crash between a publish and
// the mark commit republishes the message on the next cycle.
type OutboxProcessor struct {
	store     store.Store
	publisher broker.Publisher
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	running atomic.Bool
	cycleMu sync.Mutex
}

type Option func(*OutboxProcessor)

func WithInterval(d time.Duration) Option {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPublishTimeout bounds how long one publish, including its broker
// confirm, may take.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *OutboxProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewOutboxProcessor(st store.Store, pub broker.Publisher, logger *zap.Logger, opts ...Option) *OutboxProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &OutboxProcessor{
		store:     st,
		publisher: pub,
		interval:  DefaultInterval,
		timeout:   DefaultPublishTimeout,
		logger:    logger.Named("relay"),
		tracer:    otel.Tracer("order-outbox-service/worker"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs a cycle immediately and then once per interval until ctx is
// cancelled. A cycle that is already under way when ctx is cancelled runs to
// completion, including its commit, before Start returns.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.logger.Info("outbox relay started", zap.Duration("interval", p.interval))
	defer p.logger.Info("outbox relay stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// In-flight work is detached from ctx so shutdown never abandons
		// published-but-unmarked messages.
		_, _ = p.RunOnce(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// RunOnce executes a single relay cycle. Cycles never overlap within one
// processor.
func (p *OutboxProcessor) RunOnce(ctx context.Context) (CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx, span := p.tracer.Start(ctx, "outbox.relay.cycle")
	defer span.End()

	result, err := p.processBatch(ctx)
	span.SetAttributes(
		attribute.Int("outbox.pending", result.Pending),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.skipped", result.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *OutboxProcessor) processBatch(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	msgs, err := p.store.ListPendingOutbox(ctx)
	if err != nil {
		p.logger.Error("failed to fetch pending outbox messages", zap.Error(err))
		return result, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	result.Pending = len(msgs)
	if len(msgs) == 0 {
		return result, nil
	}

	p.logger.Debug("processing outbox batch", zap.Int("pending", len(msgs)))

	marks := make([]store.ProcessedMark, 0, len(msgs))
	for i, msg := range msgs {
		err := p.publish(ctx, msg.Exchange, msg.RoutingKey, msg.EventData)
		if err != nil {
			// Left unprocessed; the next cycle retries it.
			result.Failed++
			p.logger.Warn("failed to publish outbox message",
				zap.String("outbox_id", msg.ID),
				zap.String("event_type", msg.EventType),
				zap.String("routing_key", msg.RoutingKey),
				zap.Error(err),
			)
			if brokerDown(err) {
				result.Skipped = len(msgs) - i - 1
				p.logger.Warn("broker unreachable, deferring rest of outbox batch",
					zap.Int("skipped", result.Skipped))
				break
			}
			continue
		}

		result.Published++
		marks = append(marks, store.ProcessedMark{ID: msg.ID, ProcessedAt: p.now()})
	}

	if len(marks) == 0 {
		return result, nil
	}

	err = p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		marked, err := tx.MarkOutboxProcessed(ctx, marks)
		result.Marked = marked
		return err
	})
	if err != nil {
		result.Marked = 0
		p.logger.Error("failed to mark outbox messages processed, they will be published again",
			zap.Int("published", len(marks)), zap.Error(err))
		return result, fmt.Errorf("failed to mark outbox messages processed: %w", err)
	}

	p.logger.Info("outbox batch relayed",
		zap.Int("published", result.Published),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("marked", result.Marked),
	)
	return result, nil
}

func (p *OutboxProcessor) publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.publisher.Publish(ctx, exchange, routingKey, payload)
}

// brokerDown reports errors after which further publishes in the same cycle
// would fail the same way.
func brokerDown(err error) bool {
	return errors.Is(err, broker.ErrClosed) ||
		errors.Is(err, broker.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
