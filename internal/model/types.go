package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customerId"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
}

// OrderItem belongs to exactly one Order and is never modified after creation.
type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Subtotal returns price × quantity for the line.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PriceScale is the number of decimal places stored for prices and totals.
const PriceScale = 2

// ValidPrice reports whether d is positive and representable in whole cents.
func ValidPrice(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(PriceScale))
}

// TotalOf sums the subtotals of items.
func TotalOf(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// OutboxMessage is one pending obligation to deliver an event to the broker.
// Only IsProcessed and ProcessedAt ever change after insert.
type OutboxMessage struct {
	ID          string     `json:"id"`
	EventType   string     `json:"eventType"`
	EventData   []byte     `json:"eventData"`
	Exchange    string     `json:"exchange"`
	RoutingKey  string     `json:"routingKey"`
	IsProcessed bool       `json:"isProcessed"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}
