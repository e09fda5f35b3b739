package reconcile

import (
	"sync"
	"time"
)

// EventType represents the type of reconciliation event.
type EventType string

const (
	EventDecided          EventType = "decided"
	EventCommitted        EventType = "committed"
	EventDeduplicated     EventType = "deduplicated"
	EventConflict         EventType = "conflict"
	EventRetriesExhausted EventType = "retries_exhausted"
	EventAmbiguous        EventType = "ambiguous"
	EventRetracted        EventType = "retracted"
)

// Event represents a reconciliation event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	UserID    string
	Key       string
	Data      map[string]any
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus fans events out to subscribers, for example an audit sink or a
// review queue for ambiguous decisions.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers. Handlers run
// synchronously on the publishing goroutine.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}
