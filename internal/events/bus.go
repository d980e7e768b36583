package events

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Event is a single run-state transition pushed to observers.
type Event struct {
	Tag        string    // state tag: idle, searching, clicking, waiting, error, completed
	ClickCount int       // counter value at the time of the transition
	Message    string    // error message, set only for error events
	Timestamp  time.Time // when the transition occurred
}

// Handler processes one event. Handlers run on the publisher's goroutine;
// a slow handler delays subsequent transitions, so keep them short.
type Handler func(Event)

// SubscriptionID uniquely identifies a subscription within one bus.
type SubscriptionID int64

// subscription pairs a handler with its ID
type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus fans out state transitions to registered observers. Dispatch is
// synchronous so observers see transitions in exactly the order they
// occurred; delivery is best-effort and a panicking handler never
// propagates back into the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
	nextID      SubscriptionID
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{nextID: 1}
}

// Subscribe registers a handler and returns its subscription ID.
func (b *Bus) Subscribe(handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers = append(b.subscribers, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription by ID. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every current subscriber, in subscription
// order, before returning.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Copy handlers so a handler can unsubscribe without deadlocking.
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers))
	for i, sub := range b.subscribers {
		handlers[i] = sub.handler
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		safeCall(handler, event)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// safeCall invokes a handler with panic recovery
func safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "[events] handler panic for %s event: %v\n", event.Tag, r)
		}
	}()
	handler(event)
}
