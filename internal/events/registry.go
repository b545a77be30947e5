package events

import (
	"log/slog"
	"sync"
)

// Listener receives events synchronously at emission time. Listeners must not
// block; anything slow belongs behind a Dispatcher.
type Listener func(Event)

// Handle identifies a registration for Off.
type Handle struct {
	id   uint64
	kind Kind
}

type registration struct {
	id   uint64
	kind Kind
	fn   Listener
}

// Registry fans events out to listeners in registration order.
type Registry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []registration
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// On registers fn for kind. KindAll subscribes to every kind.
func (r *Registry) On(kind Kind, fn Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	reg := registration{id: r.nextID, kind: kind, fn: fn}
	r.listeners = append(r.listeners, reg)
	return Handle{id: reg.id, kind: kind}
}

// Off removes the registration. It reports whether anything was removed.
func (r *Registry) Off(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.listeners {
		if reg.id == h.id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Emit invokes every matching listener in registration order. A panicking
// listener is logged and skipped.
func (r *Registry) Emit(ev Event) {
	r.mu.RLock()
	snapshot := r.listeners
	r.mu.RUnlock()
	for _, reg := range snapshot {
		if reg.kind != KindAll && reg.kind != ev.Kind {
			continue
		}
		r.invoke(reg, ev)
	}
}

func (r *Registry) invoke(reg registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event listener panicked", "kind", ev.Kind, "channel_id", ev.ChannelID, "panic", rec)
		}
	}()
	reg.fn(ev)
}

// Len reports the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
