// Package store defines the persistence contracts shared by the command
// service, the outbox relay and the saga consumer.
package store

import (
	"context"
	"errors"
	"time"

	"order-outbox-service/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable home of orders and outbox messages.
type Store interface {
	// WithinTx runs fn inside one read-committed transaction. The
	// transaction commits when fn returns nil and rolls back on any error
	// or panic.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// ListOrders returns every order with its items, newest first.
	ListOrders(ctx context.Context) ([]*model.Order, error)
	// ListPendingOutbox returns unprocessed messages, oldest first.
	ListPendingOutbox(ctx context.Context) ([]*model.OutboxMessage, error)
}

// Tx is the set of writes allowed inside a transactional scope.
type Tx interface {
	InsertOrder(ctx context.Context, order *model.Order) error
	InsertOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error
	// GetOrderForUpdate locks the order row until the transaction ends.
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, updatedAt time.Time) error
	// MarkOutboxProcessed flags each message as processed at its mark time
	// and returns how many rows changed. Rows already processed are left
	// untouched, so repeating a mark is never an error.
	MarkOutboxProcessed(ctx context.Context, marks []ProcessedMark) (int64, error)
}

// ProcessedMark records that one outbox message was published at ProcessedAt.
type ProcessedMark struct {
	ID          string
	ProcessedAt time.Time
}
