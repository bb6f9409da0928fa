package broker

import "context"

// Binding routes messages published to Exchange under RoutingKey (a topic
// pattern) into a queue.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// Acknowledger settles one delivery with the broker.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

type Delivery struct {
	RoutingKey  string
	MessageID   string
	Body        []byte
	Redelivered bool

	acker Acknowledger
}

func NewDelivery(routingKey, messageID string, body []byte, redelivered bool, acker Acknowledger) Delivery {
	return Delivery{
		RoutingKey:  routingKey,
		MessageID:   messageID,
		Body:        body,
		Redelivered: redelivered,
		acker:       acker,
	}
}

func (d Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

// Nack rejects the delivery; with requeue the broker delivers it again.
func (d Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nack(requeue)
}

// Subscription is a live stream of deliveries from one queue.
type Subscription interface {
	// Deliveries is closed when the subscription ends.
	Deliveries() <-chan Delivery
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, queue string, bindings []Binding) (Subscription, error)
}
