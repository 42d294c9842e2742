package anomaly

import (
	"context"
	"sync"
)

// MemoryStore keeps flagged signals in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string][]*Signal
}

// NewMemoryStore creates an in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signals: make(map[string][]*Signal)}
}

func (s *MemoryStore) Record(ctx context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sig
	cp.Reasons = append([]string(nil), sig.Reasons...)
	s.signals[sig.ActorID] = append(s.signals[sig.ActorID], &cp)
	return nil
}

// ListByActor returns the most recent signals first.
func (s *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.signals[actorID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Signal, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
