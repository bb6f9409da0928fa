//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupConnection(t *testing.T) *Connection {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ container")
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := Dial(ctx, url, nil, WithDialAttempts(5))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIntegrationPublishSubscribe(t *testing.T) {
	conn := setupConnection(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, conn.Check(ctx))

	pub, err := NewRabbitMQPublisher(ctx, conn, nil, "saga.events")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewRabbitMQSubscriber(conn, nil).Subscribe(ctx, "order_events", []Binding{
		{Exchange: "saga.events", RoutingKey: "stock.reserved"},
		{Exchange: "saga.events", RoutingKey: "stock.reservation.failed"},
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Publish(ctx, "saga.events", "order.created", []byte(`{"eventType":"OrderCreated"}`)))
	require.NoError(t, pub.Publish(ctx, "saga.events", "stock.reserved", []byte(`{"eventType":"StockReserved","orderId":"o-1"}`)))

	first := receive(t, sub)
	assert.Equal(t, "stock.reserved", first.RoutingKey)
	assert.JSONEq(t, `{"eventType":"StockReserved","orderId":"o-1"}`, string(first.Body))
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(true))

	second := receive(t, sub)
	assert.True(t, second.Redelivered)
	require.NoError(t, second.Ack())

	select {
	case d := <-sub.Deliveries():
		t.Fatalf("unexpected delivery on %s", d.RoutingKey)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestIntegrationClosedConnection(t *testing.T) {
	conn := setupConnection(t)
	require.NoError(t, conn.Close())

	_, err := conn.Channel(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, conn.Check(context.Background()), ErrClosed)
}
