package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-outbox-service/internal/broker"
	"order-outbox-service/internal/model"
	"order-outbox-service/internal/store/memstore"
	"order-outbox-service/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newOrder(t *testing.T) (*usecase.OrderService, *memstore.Store, *model.Order) {
	t.Helper()

	st := memstore.New()
	svc := usecase.NewOrderService(st, nil)
	order, err := svc.CreateOrder(context.Background(), "cust-1", []usecase.ItemInput{
		{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("10.00")},
		{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("5.00")},
	})
	require.NoError(t, err)
	return svc, st, order
}

func statusOf(t *testing.T, svc *usecase.OrderService, id string) model.OrderStatus {
	t.Helper()
	order, err := svc.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order.Status
}

func TestHandleMessageMapsOutcomes(t *testing.T) {
	tests := map[string]struct {
		eventType string
		want      model.OrderStatus
	}{
		"stock reserved":           {eventType: "StockReserved", want: model.StatusConfirmed},
		"stock reservation failed": {eventType: "StockReservationFailed", want: model.StatusCancelled},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			svc, _, order := newOrder(t)
			c := NewSagaConsumer(svc, nil)

			payload := []byte(`{"eventType":"` + tt.eventType + `","orderId":"` + order.ID + `"}`)
			require.NoError(t, c.HandleMessage(context.Background(), "m-1", payload))
			assert.Equal(t, tt.want, statusOf(t, svc, order.ID))
		})
	}
}

func TestHandleMessageAcceptsTimestampFormats(t *testing.T) {
	timestamps := map[string]string{
		"unix seconds": `1700000000`,
		"no zone":      `"2024-01-01T10:00:00.1234567"`,
		"rfc3339":      `"2024-01-01T10:00:00Z"`,
	}

	for name, ts := range timestamps {
		t.Run(name, func(t *testing.T) {
			svc, _, order := newOrder(t)
			core, logs := observer.New(zapcore.WarnLevel)
			c := NewSagaConsumer(svc, zap.New(core))

			payload := []byte(`{"eventType":"StockReserved","orderId":"` + order.ID + `","timestamp":` + ts + `}`)
			require.NoError(t, c.HandleMessage(context.Background(), "m-1", payload))
			assert.Equal(t, model.StatusConfirmed, statusOf(t, svc, order.ID))
			assert.Zero(t, logs.Len())
		})
	}
}

func TestHandleMessageDuplicateStockReserved(t *testing.T) {
	svc, _, order := newOrder(t)
	c := NewSagaConsumer(svc, nil)
	payload := []byte(`{"eventType":"StockReserved","orderId":"` + order.ID + `"}`)

	require.NoError(t, c.HandleMessage(context.Background(), "m-1", payload))
	first, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)

	require.NoError(t, c.HandleMessage(context.Background(), "m-1", payload))
	second, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusConfirmed, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestHandleMessageKeepsTerminalState(t *testing.T) {
	svc, _, order := newOrder(t)
	c := NewSagaConsumer(svc, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleMessage(ctx, "m-1", []byte(`{"eventType":"StockReserved","orderId":"`+order.ID+`"}`)))
	require.NoError(t, c.HandleMessage(ctx, "m-2", []byte(`{"eventType":"StockReservationFailed","orderId":"`+order.ID+`","reason":"late"}`)))

	assert.Equal(t, model.StatusConfirmed, statusOf(t, svc, order.ID))
}

func TestHandleMessageDropsUnusableEvents(t *testing.T) {
	tests := map[string]func(orderID string) string{
		"unknown event type": func(id string) string { return fmt.Sprintf(`{"eventType":"PaymentCaptured","orderId":%q}`, id) },
		"not json":           func(string) string { return `not json` },
		"missing event type": func(id string) string { return fmt.Sprintf(`{"orderId":%q}`, id) },
		"missing order id":   func(string) string { return `{"eventType":"StockReserved"}` },
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			svc, _, order := newOrder(t)
			core, logs := observer.New(zapcore.WarnLevel)
			c := NewSagaConsumer(svc, zap.New(core))

			require.NoError(t, c.HandleMessage(context.Background(), "m-1", []byte(payload(order.ID))))

			assert.Equal(t, model.StatusCreated, statusOf(t, svc, order.ID))
			assert.Equal(t, 1, logs.FilterMessageSnippet("dropping").Len())
		})
	}
}

func TestHandleMessageUnknownOrderIsAcked(t *testing.T) {
	svc, _, _ := newOrder(t)
	c := NewSagaConsumer(svc, nil)

	err := c.HandleMessage(context.Background(), "m-1", []byte(`{"eventType":"StockReserved","orderId":"nope"}`))
	require.NoError(t, err)
}

func TestHandleMessageStorageFailure(t *testing.T) {
	svc, st, order := newOrder(t)
	c := NewSagaConsumer(svc, nil)
	st.FailOn(memstore.OpUpdateOrderStatus, errors.New("db unavailable"))

	err := c.HandleMessage(context.Background(), "m-1", []byte(`{"eventType":"StockReserved","orderId":"`+order.ID+`"}`))
	require.ErrorIs(t, err, usecase.ErrPersistence)
	assert.Equal(t, model.StatusCreated, statusOf(t, svc, order.ID))
}

// flakyUpdater fails the first failures calls, then delegates.
type flakyUpdater struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     StatusUpdater
}

func (f *flakyUpdater) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) (usecase.TransitionResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return usecase.TransitionApplied, usecase.ErrPersistence
	}
	return f.next.UpdateOrderStatus(ctx, id, status)
}

func (f *flakyUpdater) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunRequeuesFailedUpdates(t *testing.T) {
	svc, _, order := newOrder(t)
	bus := broker.NewInMemoryBus(nil)
	updater := &flakyUpdater{failures: 2, next: svc}
	c := NewSagaConsumer(updater, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, QueueOrderEvents, Bindings)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sub) }()

	require.NoError(t, bus.Publish(ctx, "saga.events", "stock.reserved",
		[]byte(`{"eventType":"StockReserved","orderId":"`+order.ID+`"}`)))

	require.Eventually(t, func() bool {
		return statusOf(t, svc, order.ID) == model.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, updater.callCount())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRunIgnoresOtherRoutingKeys(t *testing.T) {
	svc, _, order := newOrder(t)
	bus := broker.NewInMemoryBus(nil)
	updater := &flakyUpdater{next: svc}
	c := NewSagaConsumer(updater, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, QueueOrderEvents, Bindings)
	require.NoError(t, err)
	go func() { _ = c.Run(ctx, sub) }()

	require.NoError(t, bus.Publish(ctx, "saga.events", "order.created",
		[]byte(`{"eventType":"StockReserved","orderId":"`+order.ID+`"}`)))
	require.NoError(t, bus.Publish(ctx, "saga.events", "stock.reservation.failed",
		[]byte(`{"eventType":"StockReservationFailed","orderId":"`+order.ID+`"}`)))

	require.Eventually(t, func() bool {
		return statusOf(t, svc, order.ID) == model.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, updater.callCount())
}

// dropOnceSubscriber hands out a subscription that ends immediately the
// first time, then a live bus subscription.
type dropOnceSubscriber struct {
	bus   *broker.InMemoryBus
	mu    sync.Mutex
	calls int
}

type endedSubscription struct{ ch chan broker.Delivery }

func (s endedSubscription) Deliveries() <-chan broker.Delivery { return s.ch }
func (s endedSubscription) Close() error                       { return nil }

func (d *dropOnceSubscriber) Subscribe(ctx context.Context, queue string, bindings []broker.Binding) (broker.Subscription, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()

	if first {
		ch := make(chan broker.Delivery)
		close(ch)
		return endedSubscription{ch: ch}, nil
	}
	return d.bus.Subscribe(ctx, queue, bindings)
}

func TestStartResubscribes(t *testing.T) {
	svc, _, order := newOrder(t)
	bus := broker.NewInMemoryBus(nil)
	subscriber := &dropOnceSubscriber{bus: bus}
	c := NewSagaConsumer(svc, nil)

	ctx, cancel := context.WithCancel(context.Background())

	// Declare the queue so the publish below is retained until consumed.
	declared, err := bus.Subscribe(ctx, QueueOrderEvents, Bindings)
	require.NoError(t, err)
	require.NoError(t, declared.Close())

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, subscriber) }()

	require.NoError(t, bus.Publish(ctx, "saga.events", "stock.reserved",
		[]byte(`{"eventType":"StockReserved","orderId":"`+order.ID+`"}`)))

	require.Eventually(t, func() bool {
		return statusOf(t, svc, order.ID) == model.StatusConfirmed
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
