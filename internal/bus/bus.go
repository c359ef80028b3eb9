package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Envelope is the unit that flows through the bus: a topic plus a complete,
// self-contained entity payload. Receivers never need to re-fetch to apply it.
type Envelope struct {
	Topic  string
	Entity any
}

// Bus is an in-process broadcast publish/subscribe mechanism keyed by topic
// string. Every subscriber of a topic receives an independent copy of every
// envelope published to that topic while subscribed. Publishing never blocks:
// a subscriber whose buffer is full misses the envelope instead of stalling
// the publisher or its peers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Envelope
	done   chan struct{}
	once   sync.Once
}

// New constructs a Bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer constructs a Bus with the given per-subscriber buffer size.
func NewWithBuffer(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers interest in a topic and returns the stream of envelopes
// published to it from this point on, along with a cancel function. The stream
// is closed once the subscription ends, either through the cancel function or
// through context cancellation. Cancelling twice is safe.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func()) {
	if topic == "" {
		closed := make(chan Envelope)
		close(closed)
		return closed, func() {}
	}

	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Envelope, b.bufferSize),
		done:   make(chan struct{}),
	}
	b.register(topic, sub)

	cancel := func() {
		b.unregister(topic, sub)
	}
	if ctx != nil {
		// The watcher also exits when the subscription ends through the
		// cancel func, so it never outlives the subscription.
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return sub.stream, cancel
}

// Publish delivers the entity to every current subscriber of the topic.
// Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(topic string, entity any) {
	if topic == "" {
		return
	}

	// Sends are non-blocking, so holding the read lock for the fan-out is
	// cheap and guarantees no stream is closed mid-publish.
	b.mu.RLock()
	defer b.mu.RUnlock()

	envelope := Envelope{Topic: topic, Entity: entity}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.stream <- envelope:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber)
	}
	b.subscribers[topic][sub.id] = sub
}

func (b *Bus) unregister(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
		close(sub.done)
	})
}
