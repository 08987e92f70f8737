// Package events provides the in-process broadcast channel for monitoring
// events. The websocket stream and notification sinks subscribe to it.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a broadcast event.
type EventType string

const (
	NewAlert          EventType = "new-alert"
	HealthUpdate      EventType = "health-update"
	AlertAcknowledged EventType = "alert-acknowledged"
	AlertResolved     EventType = "alert-resolved"
	InstanceStatus    EventType = "instance-status"
	MonitoringStarted EventType = "monitoring-started"
	MonitoringStopped EventType = "monitoring-stopped"
)

// Event is one broadcast message.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	InstanceID string      `json:"instance_id,omitempty"`
	Summary    string      `json:"summary"`
	Detail     interface{} `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
