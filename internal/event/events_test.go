package event

import (
	"encoding/json"
	"testing"
	"time"

	"order-outbox-service/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderCreatedPayload(t *testing.T) {
	order := &model.Order{
		ID:         "order-1",
		CustomerID: "cust-1",
		Items: []model.OrderItem{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("10")},
			{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("5")},
		},
		TotalAmount: decimal.RequireFromString("25"),
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msg, err := NewOrderCreated(order, at).OutboxMessage(at)
	require.NoError(t, err)

	assert.Equal(t, TypeOrderCreated, msg.EventType)
	assert.Equal(t, SagaExchange, msg.Exchange)
	assert.Equal(t, RoutingKeyOrderCreated, msg.RoutingKey)
	assert.False(t, msg.IsProcessed)
	assert.Nil(t, msg.ProcessedAt)
	assert.NotEmpty(t, msg.ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.EventData, &decoded))
	assert.Equal(t, "OrderCreated", decoded["eventType"])
	assert.Equal(t, "order-1", decoded["orderId"])
	assert.Equal(t, "cust-1", decoded["customerId"])
	assert.InDelta(t, 25.0, decoded["totalAmount"], 0.0001)
	assert.NotEmpty(t, decoded["eventId"])
	assert.Equal(t, "2026-01-02T03:04:05Z", decoded["timestamp"])
	require.Len(t, decoded["items"], 2)

	first := decoded["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "p1", first["productId"])
	assert.InDelta(t, 2.0, first["quantity"], 0)
	assert.InDelta(t, 10.0, first["price"], 0.0001)
}

func TestDecodeSagaEvent(t *testing.T) {
	t.Run("stock reserved", func(t *testing.T) {
		evt, err := DecodeSagaEvent([]byte(`{"eventType":"StockReserved","orderId":"o-1","items":[{"productId":"p1","quantity":2}]}`))
		require.NoError(t, err)

		reserved, ok := evt.(StockReserved)
		require.True(t, ok)
		assert.Equal(t, "o-1", reserved.OrderID)
		assert.Equal(t, TypeStockReserved, reserved.Type())
		require.Len(t, reserved.Items, 1)
	})

	t.Run("stock reservation failed", func(t *testing.T) {
		evt, err := DecodeSagaEvent([]byte(`{"eventType":"StockReservationFailed","orderId":"o-2","reason":"out of stock"}`))
		require.NoError(t, err)

		failed, ok := evt.(StockReservationFailed)
		require.True(t, ok)
		assert.Equal(t, "o-2", failed.OrderID)
		assert.Equal(t, "out of stock", failed.Reason)
	})

	t.Run("unrecognized type", func(t *testing.T) {
		body := []byte(`{"eventType":"PaymentProcessed","orderId":"o-3"}`)
		evt, err := DecodeSagaEvent(body)
		require.NoError(t, err)

		unknown, ok := evt.(Unrecognized)
		require.True(t, ok)
		assert.Equal(t, "PaymentProcessed", unknown.Type())
		assert.Equal(t, body, unknown.Raw)
	})

	malformed := map[string]string{
		"not json":           `{"eventType":`,
		"missing event type": `{"orderId":"o-4"}`,
		"missing order id":   `{"eventType":"StockReserved"}`,
		"wrong id type":      `{"eventType":"StockReserved","orderId":42}`,
	}
	for name, body := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSagaEvent([]byte(body))
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestDecodeSagaEventToleratesOptionalFields(t *testing.T) {
	unix := time.Unix(1700000000, 0).UTC()
	naive := time.Date(2024, 1, 1, 10, 0, 0, 123456700, time.UTC)

	cases := map[string]struct {
		body string
		want time.Time
	}{
		"unix seconds":       {`{"eventType":"StockReserved","orderId":"o-1","timestamp":1700000000}`, unix},
		"no zone":            {`{"eventType":"StockReserved","orderId":"o-1","timestamp":"2024-01-01T10:00:00.1234567"}`, naive},
		"rfc3339":            {`{"eventType":"StockReserved","orderId":"o-1","timestamp":"2024-01-01T11:00:00.1234567+01:00"}`, naive},
		"unparseable string": {`{"eventType":"StockReserved","orderId":"o-1","timestamp":"yesterday"}`, time.Time{}},
		"object timestamp":   {`{"eventType":"StockReserved","orderId":"o-1","timestamp":{"s":1}}`, time.Time{}},
		"items not a list":   {`{"eventType":"StockReserved","orderId":"o-1","items":"p1"}`, time.Time{}},
		"numeric event id":   {`{"eventType":"StockReserved","orderId":"o-1","eventId":7}`, time.Time{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			evt, err := DecodeSagaEvent([]byte(tc.body))
			require.NoError(t, err)

			reserved, ok := evt.(StockReserved)
			require.True(t, ok)
			assert.Equal(t, "o-1", reserved.OrderID)
			assert.True(t, tc.want.Equal(reserved.Timestamp), "got %s", reserved.Timestamp)
		})
	}

	t.Run("reason not a string", func(t *testing.T) {
		evt, err := DecodeSagaEvent([]byte(`{"eventType":"StockReservationFailed","orderId":"o-2","reason":{"code":3},"timestamp":1700000000}`))
		require.NoError(t, err)

		failed, ok := evt.(StockReservationFailed)
		require.True(t, ok)
		assert.Equal(t, "o-2", failed.OrderID)
		assert.Empty(t, failed.Reason)
		assert.True(t, unix.Equal(failed.Timestamp))
	})
}
