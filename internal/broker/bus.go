package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PublishedMessage is a message accepted by the InMemoryBus.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
}

// InMemoryBus stands in for RabbitMQ inside one process: published messages
// are routed through topic bindings to subscribed queues. Nacked deliveries
// with requeue go back to their queue.
type InMemoryBus struct {
	logger *zap.Logger

	mu         sync.Mutex
	queues     map[string]*memQueue
	published  []PublishedMessage
	publishErr map[string]error
}

var (
	_ Publisher  = (*InMemoryBus)(nil)
	_ Subscriber = (*InMemoryBus)(nil)
)

func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryBus{
		logger:     logger.Named("bus"),
		queues:     make(map[string]*memQueue),
		publishErr: make(map[string]error),
	}
}

// FailRoutingKey makes publishes under routingKey fail with err. A nil err
// clears the failure.
func (b *InMemoryBus) FailRoutingKey(routingKey string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.publishErr, routingKey)
		return
	}
	b.publishErr[routingKey] = err
}

func (b *InMemoryBus) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if err := b.publishErr[routingKey]; err != nil {
		b.mu.Unlock()
		return err
	}

	body := append([]byte(nil), payload...)
	b.published = append(b.published, PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Payload: body})

	var targets []*memQueue
	for _, q := range b.queues {
		if q.matches(exchange, routingKey) {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		q.push(NewDelivery(routingKey, uuid.New().String(), body, false, nil))
	}

	b.logger.Debug("relayed message",
		zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Int("queues", len(targets)))
	return nil
}

// Published returns every accepted message in publish order.
func (b *InMemoryBus) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedMessage(nil), b.published...)
}

func (b *InMemoryBus) Subscribe(_ context.Context, queue string, bindings []Binding) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{name: queue}
		b.queues[queue] = q
	}
	q.bind(bindings)

	sub := &memSubscription{queue: q, out: make(chan Delivery), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

type memQueue struct {
	name string

	mu       sync.Mutex
	bindings []Binding
	messages []Delivery
	notify   chan struct{}
}

func (q *memQueue) bind(bindings []Binding) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bindings = append(q.bindings, bindings...)
}

func (q *memQueue) matches(exchange, routingKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.bindings {
		if b.Exchange == exchange && MatchTopic(b.RoutingKey, routingKey) {
			return true
		}
	}
	return false
}

func (q *memQueue) push(d Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d.acker = &memAcker{queue: q, delivery: d}
	q.messages = append(q.messages, d)
	if q.notify != nil {
		close(q.notify)
		q.notify = nil
	}
}

// next returns the head message, or a channel closed when one arrives.
func (q *memQueue) next() (Delivery, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) > 0 {
		d := q.messages[0]
		q.messages = q.messages[1:]
		return d, true, nil
	}
	if q.notify == nil {
		q.notify = make(chan struct{})
	}
	return Delivery{}, false, q.notify
}

type memAcker struct {
	queue    *memQueue
	delivery Delivery
	once     sync.Once
}

func (a *memAcker) Ack() error {
	a.once.Do(func() {})
	return nil
}

func (a *memAcker) Nack(requeue bool) error {
	a.once.Do(func() {
		if requeue {
			d := a.delivery
			d.Redelivered = true
			a.queue.push(d)
		}
	})
	return nil
}

type memSubscription struct {
	queue     *memQueue
	out       chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memSubscription) forward() {
	defer close(s.out)

	for {
		d, ok, wait := s.queue.next()
		if !ok {
			select {
			case <-wait:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- d:
		case <-s.done:
			// Undelivered messages stay queued, as with a broker.
			s.queue.push(d)
			return
		}
	}
}

func (s *memSubscription) Deliveries() <-chan Delivery {
	return s.out
}

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// MatchTopic reports whether routingKey matches an AMQP topic pattern, where
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
