// Package events implements the per-entity event streams. Every entity owns two
// emitters: the direct stream for the application that created it and the
// observer stream for tree-wide monitoring.
package events

import (
	"fmt"
	"sync"

	"github.com/drblury/mediaflow/internal/runtime/logging"
)

// Handler receives the payload of one event. The payload type depends on the
// event, for example an IceState for "icestatechange" or nil for "close".
type Handler func(payload any)

// AnyHandler receives every event emitted on an emitter.
type AnyHandler func(event string, payload any)

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

type anySubscription struct {
	id      uint64
	handler AnyHandler
}

// EventEmitter fans events out to handlers synchronously, in registration
// order. A panicking handler is logged and does not stop delivery to the
// remaining handlers.
type EventEmitter struct {
	logger logging.ServiceLogger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	catchAll []anySubscription
}

// New returns an emitter that logs handler panics to logger. A nil logger
// discards them.
func New(logger logging.ServiceLogger) *EventEmitter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &EventEmitter{
		logger:   logger,
		handlers: make(map[string][]subscription),
	}
}

// On registers h for event and returns a function that removes it.
func (e *EventEmitter) On(event string, h Handler) func() {
	return e.add(event, h, false)
}

// Once registers h for the next emission of event only.
func (e *EventEmitter) Once(event string, h Handler) func() {
	return e.add(event, h, true)
}

// OnAny registers h for every event and returns a function that removes it.
// Catch-all handlers run after the handlers registered for the event.
func (e *EventEmitter) OnAny(h AnyHandler) func() {
	if h == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.catchAll = append(e.catchAll, anySubscription{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.catchAll {
			if s.id == id {
				e.catchAll = append(e.catchAll[:i:i], e.catchAll[i+1:]...)
				return
			}
		}
	}
}

func (e *EventEmitter) add(event string, h Handler, once bool) func() {
	if h == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], subscription{id: id, handler: h, once: once})
	e.mu.Unlock()

	return func() { e.remove(event, id) }
}

func (e *EventEmitter) remove(event string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.handlers[event]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		if len(subs) == 1 {
			delete(e.handlers, event)
		} else {
			e.handlers[event] = append(subs[:i:i], subs[i+1:]...)
		}
		return true
	}
	return false
}

// Emit calls every handler for event with payload and reports whether any
// handler was registered. Handlers may register or remove handlers while
// being called; the change applies to the next emission.
func (e *EventEmitter) Emit(event string, payload any) bool {
	e.mu.RLock()
	subs := append([]subscription(nil), e.handlers[event]...)
	anys := append([]anySubscription(nil), e.catchAll...)
	e.mu.RUnlock()

	delivered := false
	for _, s := range subs {
		if s.once && !e.remove(event, s.id) {
			// Another emission already consumed it.
			continue
		}
		e.safeCall(event, func() { s.handler(payload) })
		delivered = true
	}
	for _, s := range anys {
		e.safeCall(event, func() { s.handler(event, payload) })
		delivered = true
	}
	return delivered
}

// ListenerCount returns the number of handlers registered for event, not
// counting catch-all handlers.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// RemoveAll drops every handler, catch-all handlers included.
func (e *EventEmitter) RemoveAll() {
	e.mu.Lock()
	e.handlers = make(map[string][]subscription)
	e.catchAll = nil
	e.mu.Unlock()
}

func (e *EventEmitter) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event handler panicked", fmt.Errorf("%v", r), logging.LogFields{"event": event})
		}
	}()
	fn()
}
