// Package events fans live events out to all registered listeners.
// Delivery is at-most-once: a listener that cannot keep up has events
// dropped rather than blocking the publisher.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/models"
)

// DefaultBuffer is the per-subscription channel depth.
const DefaultBuffer = 256

// Subscription is one listener's view of the event stream.
type Subscription struct {
	C  <-chan models.Event
	ch chan models.Event
	id uint64
}

// Broadcaster distributes events to all current subscribers in emission
// order. Publish is serialized internally, so the order observed on every
// subscription channel matches the order of Publish calls.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *zap.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new listener with the default buffer.
func (b *Broadcaster) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultBuffer)
}

// SubscribeBuffer registers a new listener with an explicit buffer depth.
func (b *Broadcaster) SubscribeBuffer(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every subscriber. Stamps the timestamp if
// the caller left it zero.
func (b *Broadcaster) Publish(ev models.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("event listener full, dropping event",
				zap.String("type", ev.Type))
		}
	}
}

// ListenerCount returns the number of active subscriptions.
func (b *Broadcaster) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscriptions and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Now returns the current wall-clock time as Unix seconds, the timestamp
// unit used throughout events and recordings.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
