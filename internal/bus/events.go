// Package bus is the in-process event bus. Components announce state changes
// (settings toggled, credentials refreshed) without knowing who reacts.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// Well-known topics.
const (
	TopicSettingsChanged    = "settings.changed"
	TopicCredentialsUpdated = "credentials.updated"
)

// Event represents a notification broadcast to subscribers
type Event struct {
	Topic     string    // Event topic: "settings.changed", "credentials.updated"
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "command", "transport", "schedule", etc.
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus delivers events to topic subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	inflight sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event topic.
// Returns a SubscriptionID that can be used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			L_debug("bus: event unsubscribed", "topic", topic, "subscriptionID", id)
			return true
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
// Handlers run asynchronously; Publish never blocks on them.
func (b *Bus) Publish(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		L_debug("bus: event published (no subscribers)", "topic", topic)
		return
	}

	L_debug("bus: event published", "topic", topic, "subscribers", len(subs), "source", source)

	for _, sub := range subs {
		b.inflight.Add(1)
		go func(s subscription) {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// CountSubscribers returns the number of subscribers for a topic
func (b *Bus) CountSubscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
