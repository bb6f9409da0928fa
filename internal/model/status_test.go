package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{StatusCreated, StatusConfirmed, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusCreated, false},
		{StatusConfirmed, StatusCancelled, false},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCancelled, StatusCreated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, StatusCreated.IsTerminal())
	assert.True(t, StatusConfirmed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("Confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	_, err = ParseOrderStatus("Shipped")
	require.Error(t, err)
}

func TestTotalOf(t *testing.T) {
	items := []OrderItem{
		{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("10.00")},
		{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("5.00")},
	}

	assert.True(t, TotalOf(items).Equal(decimal.RequireFromString("25.00")))
	assert.True(t, TotalOf(nil).IsZero())
}

func TestValidPrice(t *testing.T) {
	valid := []string{"0.01", "10", "10.50", "10.000"}
	for _, s := range valid {
		assert.True(t, ValidPrice(decimal.RequireFromString(s)), s)
	}

	invalid := []string{"0", "-1.00", "0.004", "0.005", "10.001"}
	for _, s := range invalid {
		assert.False(t, ValidPrice(decimal.RequireFromString(s)), s)
	}
}
