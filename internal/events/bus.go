// Package events provides an in-process pub/sub bus for validation
// lifecycle events. Observers (the demo harness, tests) subscribe without
// coupling to the coordinator internals.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind labels a validation lifecycle event.
type Kind string

const (
	KindRegistered Kind = "participant.registered"
	KindMatch      Kind = "syncpoint.match"
	KindMismatch   Kind = "syncpoint.mismatch"
	KindShutdown   Kind = "participant.shutdown"
)

// Event describes one validation lifecycle occurrence.
type Event struct {
	ID         string
	Kind       Kind
	InstanceID int32
	SyncPoint  uint32
	Details    string
	Time       time.Time
}

// Bus is an in-process pub/sub event bus. Publishing never blocks; slow
// subscribers drop events.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan Event
	closed     bool
	bufferSize int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{bufferSize: 64}
}

// Subscribe returns a channel receiving all subsequent events. The channel
// is closed when the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber. Events to subscribers with
// full buffers are dropped.
func (b *Bus) Publish(kind Kind, instanceID int32, syncPoint uint32, details string) {
	ev := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		InstanceID: instanceID,
		SyncPoint:  syncPoint,
		Details:    details,
		Time:       time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
