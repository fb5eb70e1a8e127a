// Package events carries typed notifications between the detector, mount
// manager, sync engine and the orchestrator. The excluded notification and
// logging layers subscribe here; nothing in this package does I/O.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	DeviceDetected Type = "device_detected"
	DeviceRemoved  Type = "device_removed"
	MountFailed    Type = "mount_failed"
	CardInserted   Type = "card_inserted"
	CardRemoved    Type = "card_removed"
	SyncStarted    Type = "sync_started"
	SyncCompleted  Type = "sync_completed"
	SyncFailed     Type = "sync_failed"
	SyncCancelled  Type = "sync_cancelled"
)

// Event is a single notification. DevicePath and OperationID are set when
// the event concerns a specific device or sync operation.
type Event struct {
	Type        Type
	Time        time.Time
	DevicePath  string
	OperationID string
	Message     string
}

// Handler receives published events. Handlers run synchronously in the
// publisher's goroutine; long work belongs in the handler's own goroutine.
type Handler func(Event)

// Bus is a minimal in-process publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers in registration order.
// A zero Time is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	typed := b.handlers[e.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}
