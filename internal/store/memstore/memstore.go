// Package memstore is an in-memory store.Store used by tests and local
// tooling. Writes made inside WithinTx are staged and become visible only
// when the scope commits, so fault injection can prove atomicity.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"order-outbox-service/internal/model"
	"order-outbox-service/internal/store"
)

// Operation names accepted by FailOn.
const (
	OpBegin               = "begin"
	OpCommit              = "commit"
	OpInsertOrder         = "insert_order"
	OpInsertOutboxMessage = "insert_outbox_message"
	OpGetOrderForUpdate   = "get_order_for_update"
	OpUpdateOrderStatus   = "update_order_status"
	OpMarkOutboxProcessed = "mark_outbox_processed"
	OpGetOrder            = "get_order"
	OpListOrders          = "list_orders"
	OpListPendingOutbox   = "list_pending_outbox"
)

type Store struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	orders map[string]*model.Order
	outbox map[string]*model.OutboxMessage
	faults map[string]error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders: make(map[string]*model.Order),
		outbox: make(map[string]*model.OutboxMessage),
		faults: make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears the fault.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults[op]
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := s.fault(OpBegin); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Scopes run one at a time, standing in for row locks.
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txStore{
		parent: s,
		orders: make(map[string]*model.Order),
		outbox: make(map[string]*model.OutboxMessage),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := s.fault(OpCommit); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, m := range tx.outbox {
		s.outbox[id] = m
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if err := s.fault(OpGetOrder); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) ListOrders(_ context.Context) ([]*model.Order, error) {
	if err := s.fault(OpListOrders); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]*model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, cloneOrder(o))
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *Store) ListPendingOutbox(_ context.Context) ([]*model.OutboxMessage, error) {
	if err := s.fault(OpListPendingOutbox); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*model.OutboxMessage
	for _, m := range s.outbox {
		if !m.IsProcessed {
			pending = append(pending, cloneMessage(m))
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// OutboxMessages returns a snapshot of every outbox row, oldest first.
func (s *Store) OutboxMessages() []*model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]*model.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		msgs = append(msgs, cloneMessage(m))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

// txStore stages writes; reads inside the scope see staged rows first.
type txStore struct {
	parent *Store
	orders map[string]*model.Order
	outbox map[string]*model.OutboxMessage
}

func (t *txStore) InsertOrder(_ context.Context, order *model.Order) error {
	if err := t.parent.fault(OpInsertOrder); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	t.parent.mu.Lock()
	_, exists := t.parent.orders[order.ID]
	t.parent.mu.Unlock()
	if _, staged := t.orders[order.ID]; exists || staged {
		return fmt.Errorf("failed to insert order: duplicate id %q", order.ID)
	}

	t.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *txStore) InsertOutboxMessage(_ context.Context, msg *model.OutboxMessage) error {
	if err := t.parent.fault(OpInsertOutboxMessage); err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}

	t.parent.mu.Lock()
	_, exists := t.parent.outbox[msg.ID]
	t.parent.mu.Unlock()
	if _, staged := t.outbox[msg.ID]; exists || staged {
		return fmt.Errorf("failed to insert outbox message: duplicate id %q", msg.ID)
	}

	t.outbox[msg.ID] = cloneMessage(msg)
	return nil
}

func (t *txStore) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	if err := t.parent.fault(OpGetOrderForUpdate); err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}

	o, err := t.order(id)
	if err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

func (t *txStore) UpdateOrderStatus(_ context.Context, id string, status model.OrderStatus, updatedAt time.Time) error {
	if err := t.parent.fault(OpUpdateOrderStatus); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	o, err := t.order(id)
	if err != nil {
		return err
	}

	updated := cloneOrder(o)
	updated.Status = status
	at := updatedAt
	updated.UpdatedAt = &at
	t.orders[id] = updated
	return nil
}

func (t *txStore) MarkOutboxProcessed(_ context.Context, marks []store.ProcessedMark) (int64, error) {
	if err := t.parent.fault(OpMarkOutboxProcessed); err != nil {
		return 0, fmt.Errorf("failed to mark outbox messages processed: %w", err)
	}

	var marked int64
	for _, mark := range marks {
		m, ok := t.outbox[mark.ID]
		if !ok {
			t.parent.mu.Lock()
			m, ok = t.parent.outbox[mark.ID]
			t.parent.mu.Unlock()
		}
		if !ok || m.IsProcessed {
			continue
		}

		updated := cloneMessage(m)
		updated.IsProcessed = true
		processedAt := mark.ProcessedAt
		updated.ProcessedAt = &processedAt
		t.outbox[mark.ID] = updated
		marked++
	}
	return marked, nil
}

func (t *txStore) order(id string) (*model.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}

	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()

	o, ok := t.parent.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	if o.UpdatedAt != nil {
		at := *o.UpdatedAt
		c.UpdatedAt = &at
	}
	return &c
}

func cloneMessage(m *model.OutboxMessage) *model.OutboxMessage {
	c := *m
	c.EventData = slices.Clone(m.EventData)
	if m.ProcessedAt != nil {
		at := *m.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}
