package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"can-bus-tester/internal/models"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.ListenerCount())

	for i := 0; i < 5; i++ {
		b.Publish(models.Event{Type: models.EventTX, ID: uint32(i)})
	}

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 5; i++ {
			ev := <-sub.C
			assert.Equal(t, uint32(i), ev.ID)
		}
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	sub := b.Subscribe()
	before := Now()
	b.Publish(models.Event{Type: models.EventRX})

	ev := <-sub.C
	assert.GreaterOrEqual(t, ev.Timestamp, before)

	b.Publish(models.Event{Type: models.EventRX, Timestamp: 42})
	ev = <-sub.C
	assert.Equal(t, 42.0, ev.Timestamp)
}

func TestSlowListenerDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	slow := b.SubscribeBuffer(1)
	for i := 0; i < 10; i++ {
		b.Publish(models.Event{Type: models.EventTX, ID: uint32(i)})
	}

	// Only the first event fit; the rest were dropped, never queued.
	ev := <-slow.C
	assert.Equal(t, uint32(0), ev.ID)
	assert.Empty(t, slow.C)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	s := b.Subscribe()
	b.Unsubscribe(s)
	assert.Equal(t, 0, b.ListenerCount())

	_, open := <-s.C
	assert.False(t, open)

	// Double unsubscribe is a no-op.
	b.Unsubscribe(s)
	b.Unsubscribe(nil)
}

func TestCloseDropsAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)
	first := b.Subscribe()
	second := b.Subscribe()

	b.Close()
	assert.Equal(t, 0, b.ListenerCount())

	_, open := <-first.C
	assert.False(t, open)
	_, open = <-second.C
	assert.False(t, open)
}
