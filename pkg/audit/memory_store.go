package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent events in memory
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*Event
	capacity int
}

// NewMemoryStore creates a store holding at most capacity events
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity}
}

// Log records an event, evicting the oldest when full
func (s *MemoryStore) Log(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.capacity {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	stored := *event
	s.events = append(s.events, &stored)
	return nil
}

// Search returns matching events, newest first
func (s *MemoryStore) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Event, 0)
	skipped := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		event := s.events[i]
		if !filter.Matches(event) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		copied := *event
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Get returns one event, or nil when it does not exist
func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, event := range s.events {
		if event.ID == id {
			copied := *event
			return &copied, nil
		}
	}
	return nil, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
