package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *evt)
	return nil
}

func (s *MemoryStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByBranch(ctx context.Context, branch string, limit int) ([]Event, error) {
	return s.newest(limit, func(e Event) bool { return e.Branch == branch }), nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	return s.newest(limit, func(Event) bool { return true }), nil
}

func (s *MemoryStore) newest(limit int, match func(Event) bool) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = pageSize(limit)
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if match(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}
