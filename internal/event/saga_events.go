package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is returned when a payload cannot be decoded into any saga event.
var ErrMalformedEvent = errors.New("malformed saga event")

// SagaEvent is an outcome reported by the inventory saga participant.
// The set of implementations is closed: StockReserved, StockReservationFailed
// and Unrecognized.
type SagaEvent interface {
	Type() string
	sagaEvent()
}

type StockReserved struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	Timestamp time.Time   `json:"timestamp"`
	OrderID   string      `json:"orderId"`
	Items     []StockItem `json:"items,omitempty"`
}

type StockItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type StockReservationFailed struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason,omitempty"`
}

// Unrecognized carries a well-formed envelope whose eventType is not handled here.
type Unrecognized struct {
	EventType string
	Raw       []byte
}

func (StockReserved) Type() string          { return TypeStockReserved }
func (StockReservationFailed) Type() string { return TypeStockReservationFailed }
func (u Unrecognized) Type() string         { return u.EventType }

func (StockReserved) sagaEvent()          {}
func (StockReservationFailed) sagaEvent() {}
func (Unrecognized) sagaEvent()           {}

type envelope struct {
	EventType string `json:"eventType"`
	OrderID   string `json:"orderId"`
}

// optionalFields holds the fields a saga event may carry besides its
// envelope. Each one is decoded on its own so a bad value never hides a
// valid outcome.
type optionalFields struct {
	EventID   json.RawMessage `json:"eventId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Items     json.RawMessage `json:"items"`
	Reason    json.RawMessage `json:"reason"`
}

// DecodeSagaEvent decodes body by its eventType discriminator. Only eventType
// and, for known types, orderId are required; optional fields that cannot be
// read are left at their zero value.
func DecodeSagaEvent(body []byte) (SagaEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch env.EventType {
	case TypeStockReserved, TypeStockReservationFailed:
	case "":
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	default:
		return Unrecognized{EventType: env.EventType, Raw: body}, nil
	}

	if strings.TrimSpace(env.OrderID) == "" {
		return nil, fmt.Errorf("%w: %s without orderId", ErrMalformedEvent, env.EventType)
	}

	// body is a valid JSON object at this point, so this cannot fail.
	var opt optionalFields
	_ = json.Unmarshal(body, &opt)

	var eventID string
	_ = json.Unmarshal(opt.EventID, &eventID)
	timestamp := parseTimestamp(opt.Timestamp)

	if env.EventType == TypeStockReserved {
		var items []StockItem
		if json.Unmarshal(opt.Items, &items) != nil {
			items = nil
		}
		return StockReserved{
			EventID:   eventID,
			EventType: env.EventType,
			Timestamp: timestamp,
			OrderID:   env.OrderID,
			Items:     items,
		}, nil
	}

	var reason string
	_ = json.Unmarshal(opt.Reason, &reason)
	return StockReservationFailed{
		EventID:   eventID,
		EventType: env.EventType,
		Timestamp: timestamp,
		OrderID:   env.OrderID,
		Reason:    reason,
	}, nil
}

// Timestamp layouts seen from saga participants, zoned first. Layouts
// without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339, zone-less ISO 8601 and unix seconds. It
// returns the zero time for anything else.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var seconds json.Number
	if err := json.Unmarshal(raw, &seconds); err == nil {
		if f, err := seconds.Float64(); err == nil {
			sec := int64(f)
			return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
