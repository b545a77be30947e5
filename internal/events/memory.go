package events

import (
	"context"
	"sync"
)

// MemorySink keeps delivered events in memory. Redeliveries with the same
// dedupe key are collapsed, which mirrors what an external consumer does.
type MemorySink struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []Event
	limit  int
}

// NewMemorySink retains at most limit events (unbounded when limit <= 0).
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{seen: make(map[string]struct{}), limit: limit}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.DedupeKey()
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, ev)
	if s.limit > 0 && len(s.events) > s.limit {
		drop := s.events[0]
		delete(s.seen, drop.DedupeKey())
		s.events = append(s.events[:0:0], s.events[1:]...)
	}
	return nil
}

// Events returns a copy of the retained events in delivery order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfKind filters retained events by kind.
func (s *MemorySink) OfKind(kind Kind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
