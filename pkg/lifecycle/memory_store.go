package lifecycle

import (
	"context"
	"sync"
)

// MemoryStore keeps transition journals in process memory. It backs tests
// and the zero-config development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.AssetID] = append(s.events[ev.AssetID], &cp)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, assetID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[assetID]
	out := make([]*Event, 0, len(stored))
	for _, ev := range stored {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}
