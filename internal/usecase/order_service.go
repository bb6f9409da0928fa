package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-outbox-service/internal/event"
	"order-outbox-service/internal/model"
	"order-outbox-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ItemInput is one requested order line.
type ItemInput struct {
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

// TransitionResult describes what UpdateOrderStatus did.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	// TransitionOrderMissing means the order does not exist; nothing changed.
	TransitionOrderMissing
	// TransitionAlreadyApplied means the order already had the requested status.
	TransitionAlreadyApplied
	// TransitionRejected means the order is in a terminal state that the
	// requested status would leave.
	TransitionRejected
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionOrderMissing:
		return "order_missing"
	case TransitionAlreadyApplied:
		return "already_applied"
	case TransitionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type OrderService struct {
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*OrderService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewOrderService(st store.Store, logger *zap.Logger, opts ...Option) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &OrderService{
		store:  st,
		logger: logger.Named("orders"),
		tracer: otel.Tracer("order-outbox-service/usecase"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder writes the order, its items and its OrderCreated outbox message
// in one transaction. Either all of them persist or none does.
func (s *OrderService) CreateOrder(ctx context.Context, customerID string, inputs []ItemInput) (*model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.create")
	defer span.End()

	if err := validateCreate(customerID, inputs); err != nil {
		return nil, err
	}

	now := s.now()
	order := &model.Order{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Status:     model.StatusCreated,
		CreatedAt:  now,
	}
	for _, in := range inputs {
		order.Items = append(order.Items, model.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			Price:     in.Price,
		})
	}
	order.TotalAmount = model.TotalOf(order.Items)
	span.SetAttributes(attribute.String("order.id", order.ID))

	msg, err := event.NewOrderCreated(order, now).OutboxMessage(now)
	if err != nil {
		return nil, s.persistenceFailure(span, err)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertOutboxMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Error("failed to create order", zap.String("customer_id", customerID), zap.Error(err))
		return nil, s.persistenceFailure(span, err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("outbox_id", msg.ID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
	)
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context) ([]*model.Order, error) {
	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return orders, nil
}

// UpdateOrderStatus moves an order to status. Only Created may move, to
// Confirmed or Cancelled. A missing order, a repeated status and an attempt
// to leave a terminal state are all reported through the result with a nil
// error, so redelivered or stale saga outcomes never fail or regress an order.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) (TransitionResult, error) {
	ctx, span := s.tracer.Start(ctx, "orders.update_status", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.status", status.String()),
	))
	defer span.End()

	if !status.IsValid() {
		return TransitionRejected, fmt.Errorf("%w: status %q", ErrInvalidOrder, status)
	}

	var (
		result TransitionResult
		from   model.OrderStatus
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			result = TransitionOrderMissing
			return nil
		}
		if err != nil {
			return err
		}

		from = order.Status
		switch {
		case from == status:
			result = TransitionAlreadyApplied
			return nil
		case !from.CanTransitionTo(status):
			result = TransitionRejected
			return nil
		}

		result = TransitionApplied
		return tx.UpdateOrderStatus(ctx, id, status, s.now())
	})
	if err != nil {
		s.logger.Error("failed to update order status",
			zap.String("order_id", id), zap.Stringer("status", status), zap.Error(err))
		return result, s.persistenceFailure(span, err)
	}

	span.SetAttributes(attribute.String("order.transition", result.String()))
	fields := []zap.Field{
		zap.String("order_id", id),
		zap.Stringer("from", from),
		zap.Stringer("to", status),
		zap.Stringer("result", result),
	}
	switch result {
	case TransitionApplied:
		s.logger.Info("order status updated", fields...)
	case TransitionRejected:
		s.logger.Warn("order status transition rejected", fields...)
	default:
		s.logger.Debug("order status unchanged", fields...)
	}
	return result, nil
}

func (s *OrderService) persistenceFailure(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func validateCreate(customerID string, items []ItemInput) error {
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d: product id is required", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidOrder, i)
		}
		if !item.Price.IsPositive() {
			return fmt.Errorf("%w: item %d: price must be positive", ErrInvalidOrder, i)
		}
		if !model.ValidPrice(item.Price) {
			return fmt.Errorf("%w: item %d: price must have at most %d decimal places", ErrInvalidOrder, i, model.PriceScale)
		}
	}
	return nil
}
