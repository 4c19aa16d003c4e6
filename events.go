package offsync

import (
	"sync"
	"time"
)

// Event names published on an Emitter.
const (
	EventConnectivityChanged = "connectivity.changed"
	EventSyncStatus          = "sync.status"
	EventSyncSummary         = "sync.summary"
	EventSyncRefresh         = "sync.refresh"
	EventSyncExhausted       = "sync.exhausted"
	EventRealtimeStatus      = "realtime.status"
	EventRealtimeMessage     = "realtime.message"

	// EventAll subscribes a handler to every event.
	EventAll = "*"
)

// ConnectivityChange is the payload of EventConnectivityChanged.
type ConnectivityChange struct {
	Online bool      `json:"online"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// QueueStatus is the payload of EventSyncStatus.
type QueueStatus struct {
	Queue   string            `json:"queue"`
	Summary SyncStatusSummary `json:"summary"`
}

// QueueExhausted is the payload of EventSyncExhausted.
type QueueExhausted struct {
	Queue    string `json:"queue"`
	Attempts int    `json:"attempts"`
	Failed   int    `json:"failed,omitempty"`
}

// TopicStatus is the payload of EventRealtimeStatus.
type TopicStatus struct {
	Topic string     `json:"topic"`
	State TopicState `json:"state"`
	Error string     `json:"error,omitempty"`
}

// ============================================================================
// Emitter
// ============================================================================

// EventHandler handles an emitted event.
type EventHandler func(event string, payload any)

// Emitter fans events out to host-side listeners. Panicking handlers are
// isolated from each other and from the emitting component.
type Emitter struct {
	mu        sync.RWMutex
	next      int
	listeners map[string][]emitterEntry
}

type emitterEntry struct {
	id int
	fn EventHandler
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]emitterEntry)}
}

// On registers handler for event (or EventAll) and returns a func that removes it.
func (e *Emitter) On(event string, handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.listeners[event] = append(e.listeners[event], emitterEntry{id: id, fn: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[event]
		for i, l := range entries {
			if l.id == id {
				e.listeners[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (e *Emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append(append([]emitterEntry{}, e.listeners[event]...), e.listeners[EventAll]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h.fn(event, payload)
		}()
	}
}

// RemoveAll drops every registered handler.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]emitterEntry)
}

// ── typed observer list ──────────────────────────────────

type listeners[T any] struct {
	mu      sync.Mutex
	next    int
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	entries := append([]listenerEntry[T]{}, l.entries...)
	l.mu.Unlock()
	for _, e := range entries {
		func() {
			defer func() { recover() }()
			e.fn(v)
		}()
	}
}
