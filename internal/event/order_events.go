// Package event holds the wire formats exchanged with the saga participants.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"order-outbox-service/internal/model"

	"github.com/google/uuid"
)

const (
	// SagaExchange is the topic exchange shared by every saga participant.
	SagaExchange = "saga.events"

	TypeOrderCreated           = "OrderCreated"
	TypeStockReserved          = "StockReserved"
	TypeStockReservationFailed = "StockReservationFailed"

	RoutingKeyOrderCreated           = "order.created"
	RoutingKeyStockReserved          = "stock.reserved"
	RoutingKeyStockReservationFailed = "stock.reservation.failed"
)

type OrderCreated struct {
	EventID     string      `json:"eventId"`
	EventType   string      `json:"eventType"`
	Timestamp   time.Time   `json:"timestamp"`
	OrderID     string      `json:"orderId"`
	CustomerID  string      `json:"customerId"`
	TotalAmount json.Number `json:"totalAmount"`
	Items       []OrderLine `json:"items"`
}

type OrderLine struct {
	ProductID string      `json:"productId"`
	Quantity  int         `json:"quantity"`
	Price     json.Number `json:"price"`
}

// NewOrderCreated builds the creation event for order. Amounts are rendered
// as fixed two-decimal JSON numbers so no float rounding enters the payload.
func NewOrderCreated(order *model.Order, at time.Time) OrderCreated {
	lines := make([]OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, OrderLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     json.Number(item.Price.StringFixed(2)),
		})
	}

	return OrderCreated{
		EventID:     uuid.New().String(),
		EventType:   TypeOrderCreated,
		Timestamp:   at.UTC(),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		TotalAmount: json.Number(order.TotalAmount.StringFixed(2)),
		Items:       lines,
	}
}

// OutboxMessage wraps e into a pending outbox row addressed to the saga exchange.
func (e OrderCreated) OutboxMessage(at time.Time) (*model.OutboxMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType, err)
	}

	return &model.OutboxMessage{
		ID:         uuid.New().String(),
		EventType:  e.EventType,
		EventData:  data,
		Exchange:   SagaExchange,
		RoutingKey: RoutingKeyOrderCreated,
		CreatedAt:  at,
	}, nil
}
