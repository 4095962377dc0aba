package events

import (
	"sync"

	"github.com/go-logr/logr"
)

// DefaultMaxListeners is the number of handlers per event above which an
// Emitter warns about a possible leak.
const DefaultMaxListeners = 10

// Emitter dispatches named events to handlers. The zero value is ready to use
// and safe for concurrent use. Handlers run synchronously in Emit, outside the
// emitter's lock, in registration order.
type Emitter struct {
	mu           sync.Mutex
	handlers     map[string][]*handler
	maxListeners int
	log          logr.Logger
	warned       map[string]bool
}

type handler struct {
	fn      func(arg any)
	once    bool
	removed bool
}

// SetLogger sets the logger used for leak warnings.
func (e *Emitter) SetLogger(log logr.Logger) {
	e.mu.Lock()
	e.log = log
	e.mu.Unlock()
}

// SetMaxListeners changes the leak warning threshold. Zero restores the
// default, a negative value disables the warning.
func (e *Emitter) SetMaxListeners(n int) {
	e.mu.Lock()
	e.maxListeners = n
	e.mu.Unlock()
}

// On registers fn for event and returns a function removing it again.
func (e *Emitter) On(event string, fn func(arg any)) (off func()) {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only.
func (e *Emitter) Once(event string, fn func(arg any)) (off func()) {
	return e.add(event, fn, true)
}

func (e *Emitter) add(event string, fn func(arg any), once bool) func() {
	h := &handler{fn: fn, once: once}

	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[string][]*handler)
	}
	e.handlers[event] = append(e.handlers[event], h)
	e.checkLeak(event)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.remove(event, h)
	}
}

// Must be called with the lock held.
func (e *Emitter) remove(event string, h *handler) {
	if h.removed {
		return
	}
	h.removed = true
	list := e.handlers[event]
	for i, other := range list {
		if other == h {
			// copy so that snapshots taken by a running Emit stay intact
			next := make([]*handler, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			e.handlers[event] = next
			break
		}
	}
	if len(e.handlers[event]) == 0 {
		delete(e.handlers, event)
	}
}

// Must be called with the lock held.
func (e *Emitter) checkLeak(event string) {
	limit := e.maxListeners
	if limit == 0 {
		limit = DefaultMaxListeners
	}
	if limit < 0 || len(e.handlers[event]) <= limit || e.warned[event] {
		return
	}
	if e.warned == nil {
		e.warned = make(map[string]bool)
	}
	e.warned[event] = true
	e.log.Info("possible event listener leak detected", "event", event, "listeners", len(e.handlers[event]), "max", limit)
}

// Emit calls the handlers registered for event with arg and reports whether
// there were any. Handlers removed by an earlier handler of the same emission
// are skipped.
func (e *Emitter) Emit(event string, arg any) bool {
	e.mu.Lock()
	list := e.handlers[event]
	for _, h := range list {
		if h.once {
			e.remove(event, h)
		}
	}
	e.mu.Unlock()

	for _, h := range list {
		if !h.once && e.isRemoved(h) {
			continue
		}
		h.fn(arg)
	}
	return len(list) > 0
}

func (e *Emitter) isRemoved(h *handler) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return h.removed
}

// ListenerCount returns the number of handlers registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

// Warned reports whether a leak warning was raised for event.
func (e *Emitter) Warned(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warned[event]
}
