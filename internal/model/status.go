package model

import "fmt"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusCreated   OrderStatus = "Created"
	StatusConfirmed OrderStatus = "Confirmed"
	StatusCancelled OrderStatus = "Cancelled"
)

// ParseOrderStatus validates and converts a raw status string.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid order status %q", raw)
	}
	return status, nil
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusCreated, StatusConfirmed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Only Created may move, and only to Confirmed or Cancelled.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s != StatusCreated {
		return false
	}
	return next == StatusConfirmed || next == StatusCancelled
}

func (s OrderStatus) String() string {
	return string(s)
}
