package device

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventAboutToConnect fires when a connect attempt starts.
	EventAboutToConnect EventType = "about_to_connect"

	// EventConnected fires once the SFTP sub-session is open and the home
	// directory has been read.
	EventConnected EventType = "connected"

	// EventDisconnected fires once per connect attempt when the session
	// returns to idle, whatever the cause.
	EventDisconnected EventType = "disconnected"
)

// Event is a lifecycle notification.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time
}

// Subscriber handles events. Subscribers run synchronously on the goroutine
// that caused the transition, in subscription order, and must not block.
type Subscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// FilterByType delivers only the given event types.
func FilterByType(types ...EventType) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type == t {
				return true
			}
		}
		return false
	}
}

type subscriberEntry struct {
	id         uint64
	subscriber Subscriber
	filter     EventFilter
}

// eventBus fans events out to subscribers.
type eventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscriberEntry
}

func (b *eventBus) subscribe(subscriber Subscriber, filter EventFilter) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *eventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subscribers {
		if entry.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.RLock()
	entries := make([]subscriberEntry, len(b.subscribers))
	copy(entries, b.subscribers)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}
