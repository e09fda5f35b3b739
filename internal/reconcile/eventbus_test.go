package reconcile

import (
	"sync"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	var received Event
	eb.Subscribe(EventCommitted, func(e Event) {
		received = e
	})
	eb.Subscribe(EventConflict, func(e Event) {
		t.Error("conflict handler should not have been called")
	})

	before := time.Now()
	eb.Publish(Event{Type: EventCommitted, UserID: "u1", Data: map[string]any{"action": "MERGE"}})

	if received.UserID != "u1" || received.Data["action"] != "MERGE" {
		t.Errorf("unexpected event %+v", received)
	}
	if received.Timestamp.Before(before) {
		t.Error("timestamp not set")
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	eb := NewEventBus()
	var count int
	var mu sync.Mutex

	eb.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Publish(Event{Type: EventDecided})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100 events, got %d", count)
	}
}

func TestEventBus_Nil(t *testing.T) {
	var eb *EventBus
	eb.Publish(Event{Type: EventRetracted})
}
