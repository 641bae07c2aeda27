// Package eventbus implements the best-effort typed fan-out of events
// (C8, spec.md §4.6). Grounded on the teacher's discovery/catalog
// refresh-and-notify style (callbacks invoked synchronously, isolated with
// a recover boundary), generalized into a small pub/sub keyed by a closed
// set of event names (DESIGN NOTES: "forbid unknown event names at
// compile time where the target language supports it").
package eventbus

import (
	"sync"
)

// Name is an event name. The typed constants below are the only names the
// lifecycle core itself emits; Bus still accepts any Name value so a host
// can layer its own events on the same bus.
type Name string

// The closed set of events spec.md §6 names as normative.
const (
	EventRetry            Name = "autonomy:retry"
	EventErrorClassified  Name = "autonomy:error_classified"
	EventCompaction       Name = "autonomy:compaction"
	EventToolDisabled     Name = "autonomy:tool_disabled"
	EventToolReenabled    Name = "autonomy:tool_reenabled"
	EventHealthWarning    Name = "autonomy:health_warning"
	EventContextRecovered Name = "autonomy:context_recovered"
	EventDegraded         Name = "autonomy:degraded"
	EventStatusChange     Name = "kaala:status_change"
)

// Handler receives event data. Data's concrete type depends on the event
// name; see the doc comment on each Name constant's emitter for its shape.
type Handler func(data interface{})

// Bus is a synchronous, best-effort publish/subscribe bus. Emission is
// synchronous; handler panics are recovered and ignored so one bad
// listener cannot abort the sweeper or the turn loop.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]*subscription
	seq      uint64
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Name][]*subscription)}
}

// On registers handler for event, invoked in registration order on every
// Emit until removed with Off or RemoveAll.
func (b *Bus) On(event Name, handler Handler) (unsubscribe func()) {
	return b.subscribe(event, handler, false)
}

// Once registers handler to fire at most once.
func (b *Bus) Once(event Name, handler Handler) (unsubscribe func()) {
	return b.subscribe(event, handler, true)
}

func (b *Bus) subscribe(event Name, handler Handler, once bool) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	sub := &subscription{id: id, handler: handler, once: once}
	b.handlers[event] = append(b.handlers[event], sub)
	b.mu.Unlock()

	return func() { b.off(event, id) }
}

func (b *Bus) off(event Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[event]
	for i, s := range subs {
		if s.id == id {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Off removes all registrations for event when handler is nil. Go funcs
// aren't comparable, so Off cannot find a specific handler: with a
// non-nil handler it does nothing. The unsubscribe closure On/Once return
// is the way to remove a single registration.
func (b *Bus) Off(event Name, handler Handler) {
	if handler != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, event)
}

// RemoveAll clears every subscription for event, or every subscription on
// the bus if event is empty.
func (b *Bus) RemoveAll(event Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		b.handlers = make(map[Name][]*subscription)
		return
	}
	delete(b.handlers, event)
}

// Emit invokes every handler registered for event, in registration order,
// each isolated behind a recover boundary. Once-subscriptions are removed
// after firing.
func (b *Bus) Emit(event Name, data interface{}) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[event]...)
	b.mu.RUnlock()

	var onceIDs []uint64
	for _, s := range subs {
		func() {
			defer func() { _ = recover() }()
			s.handler(data)
		}()
		if s.once {
			onceIDs = append(onceIDs, s.id)
		}
	}
	for _, id := range onceIDs {
		b.off(event, id)
	}
}
