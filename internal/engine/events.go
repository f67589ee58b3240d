package engine

import (
	"log"
	"sync"
	"time"
)

// Event describes one record mutation after it has been committed.
type Event struct {
	Type      string         `json:"type"` // record.created, record.updated, record.deleted, check.completed
	Table     string         `json:"table"`
	RecordID  string         `json:"record_id,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
	Principal string         `json:"principal,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

// Bus is an in-process pub/sub fanout. Handlers run on their own
// goroutines; a slow or panicking handler never affects the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for an event type. "*" receives all.
func (b *Bus) Subscribe(eventType string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish fans the event out asynchronously.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := append([]EventHandler{}, b.handlers[evt.Type]...)
	targets = append(targets, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range targets {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("event handler panic on %s: %v", evt.Type, r)
				}
			}()
			h(evt)
		}(h)
	}
}
