// Package events fans device and session changes out to subscribers: the
// websocket stream, the MQTT bridge and CLI watch mode.
package events

import (
	"sync"
	"time"

	"github.com/snapsend/snapsend/internal/registry"
)

// Type identifies the kind of event.
type Type string

const (
	TypeDeviceDiscovered Type = "device.discovered"
	TypeDeviceUpdated    Type = "device.updated"
	TypeDeviceLost       Type = "device.lost"
	TypeSessionState     Type = "session.state"
	TypeSessionProgress  Type = "session.progress"
)

// SessionSnapshot is the session payload carried by session events. It is a
// plain copy so subscribers never share state with a running session.
type SessionSnapshot struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Filename   string    `json:"filename"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Progress   float64   `json:"progress"`
	SizeBytes  int64     `json:"size_bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Event is the envelope published on the bus.
type Event struct {
	Type    Type             `json:"type"`
	Time    time.Time        `json:"time"`
	Device  *registry.Record `json:"device,omitempty"`
	Session *SessionSnapshot `json:"session,omitempty"`
}

// SubscriberID identifies a bus subscriber.
type SubscriberID uint64

type subscriber struct {
	id SubscriberID
	ch chan Event
}

// Bus is a non-blocking fan-out. Publish never waits: a subscriber whose
// buffer is full loses that event rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	nextID      SubscriberID
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber with the given buffer size and returns its
// id and receive channel.
func (b *Bus) Subscribe(buffer int) (SubscriberID, <-chan Event) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, ch: ch})
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish dispatches an event to all subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			// Slow subscriber, drop.
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
