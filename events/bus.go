package events

import (
	"sync"
	"sync/atomic"

	"github.com/transferwatch/indexer-go/internal/metrics"
)

// SubscriptionID identifies a bus subscription
type SubscriptionID uint64

// Subscription is one subscriber's handle on the bus
type Subscription struct {
	// ID is the unique identifier for this subscription
	ID SubscriptionID

	// Channel is where transfers are delivered to the subscriber
	Channel chan Transfer
}

// Bus is the in-process publish point between the ingestion coordinator and
// the fan-out layer. Publishing never blocks: a subscriber whose channel is
// full simply misses the event, so a slow websocket client can never slow
// down ingestion.
type Bus struct {
	subscribers map[SubscriptionID]*Subscription
	mu          sync.RWMutex

	nextID atomic.Uint64
	closed bool

	stats struct {
		published  atomic.Uint64
		deliveries atomic.Uint64
		dropped    atomic.Uint64
	}
}

// NewBus creates an empty bus. Construct one per process (or per test) and
// pass it explicitly; there is no package-level singleton.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[SubscriptionID]*Subscription),
	}
}

// Subscribe registers a new subscriber with the given channel buffer size
func (b *Bus) Subscribe(buffer int) *Subscription {
	sub := &Subscription{
		ID:      SubscriptionID(b.nextID.Add(1)),
		Channel: make(chan Transfer, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.Channel)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once for the same ID.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Channel)
		delete(b.subscribers, id)
	}
}

// Publish delivers a transfer to every subscriber without blocking. Returns
// false once the bus has been closed.
func (b *Bus) Publish(t Transfer) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}

	b.stats.published.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.Channel <- t:
			b.stats.deliveries.Add(1)
		default:
			// Subscriber buffer full, drop the event
			b.stats.dropped.Add(1)
			metrics.BusDroppedEvents.Inc()
		}
	}

	return true
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns the publish, delivery and drop counters
func (b *Bus) Stats() (published, deliveries, dropped uint64) {
	return b.stats.published.Load(),
		b.stats.deliveries.Load(),
		b.stats.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close returns false; Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.Channel)
		delete(b.subscribers, id)
	}
}
