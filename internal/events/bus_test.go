package events

import (
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var seen []string
	bus.Subscribe(func(e Event) {
		seen = append(seen, e.Tag)
	})

	bus.Publish(Event{Tag: "searching"})
	bus.Publish(Event{Tag: "clicking"})
	bus.Publish(Event{Tag: "waiting", ClickCount: 1})

	want := []string{"searching", "clicking", "waiting"}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(seen))
	}
	for i, tag := range want {
		if seen[i] != tag {
			t.Errorf("Event %d: expected %q, got %q", i, tag, seen[i])
		}
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Tag: "idle"})
	if got.Timestamp.IsZero() {
		t.Error("Publish should set a timestamp when none was provided")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Tag: "searching"})
	bus.Unsubscribe(id)
	bus.Publish(Event{Tag: "clicking"})

	if count != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", count)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	// Unknown IDs are a no-op
	bus.Unsubscribe(id)
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(Event) { panic("observer bug") })

	delivered := false
	bus.Subscribe(func(Event) { delivered = true })

	bus.Publish(Event{Tag: "error", Message: "boom"})

	if !delivered {
		t.Error("Second subscriber should still receive the event")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus()

	counts := make([]int, 3)
	for i := range counts {
		i := i
		bus.Subscribe(func(Event) { counts[i]++ })
	}

	bus.Publish(Event{Tag: "completed", ClickCount: 3})

	for i, c := range counts {
		if c != 1 {
			t.Errorf("Subscriber %d: expected 1 event, got %d", i, c)
		}
	}
}
