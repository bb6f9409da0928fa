// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-outbox-service/internal/model"
	"order-outbox-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback is a no-op once the transaction is committed.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *Store) ListOrders(ctx context.Context) ([]*model.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, customer_id, total_amount, status, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, 0, len(orders))
	byID := make(map[string]*model.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}

	return orders, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context) ([]*model.OutboxMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_type, event_data, exchange, routing_key, is_processed, created_at, processed_at
		FROM outbox_messages
		WHERE is_processed = FALSE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.OutboxMessage, error) {
		var m model.OutboxMessage
		err := row.Scan(&m.ID, &m.EventType, &m.EventData, &m.Exchange, &m.RoutingKey,
			&m.IsProcessed, &m.CreatedAt, &m.ProcessedAt)
		return &m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}
	return msgs, nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) InsertOrder(ctx context.Context, order *model.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, order.ID, order.CustomerID, order.TotalAmount, string(order.Status), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(`
			INSERT INTO order_items (id, order_id, position, product_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, order.ID, i, item.ProductID, item.Quantity, item.Price)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order items: %w", err)
	}
	return nil
}

func (t *txStore) InsertOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_messages (id, event_type, event_data, exchange, routing_key, is_processed, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.EventType, msg.EventData, msg.Exchange, msg.RoutingKey, msg.IsProcessed, msg.CreatedAt, msg.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

func (t *txStore) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *txStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txStore) MarkOutboxProcessed(ctx context.Context, marks []store.ProcessedMark) (int64, error) {
	if len(marks) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(marks))
	times := make([]time.Time, 0, len(marks))
	for _, m := range marks {
		ids = append(ids, m.ID)
		times = append(times, m.ProcessedAt)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE outbox_messages AS o
		SET is_processed = TRUE, processed_at = m.processed_at
		FROM unnest($1::text[], $2::timestamptz[]) AS m(id, processed_at)
		WHERE o.id = m.id AND o.is_processed = FALSE
	`, ids, times)
	if err != nil {
		return 0, fmt.Errorf("failed to mark outbox messages processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	query := `
		SELECT id, customer_id, total_amount, status, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	order, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	items, err := loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func scanOrder(row pgx.CollectableRow) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	o.Status = parsed
	return &o, nil
}

func loadItems(ctx context.Context, q querier, orderIDs []string) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order items: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OrderItem, error) {
		var item model.OrderItem
		err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Price)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan order items: %w", err)
	}
	return items, nil
}
