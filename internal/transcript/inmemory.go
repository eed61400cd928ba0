package transcript

import (
	"context"
	"sync"
)

const defaultMemoryLimit = 1000

// MemoryStore keeps recent turns in memory. It is the default when no
// database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	turns []TurnRecord
	limit int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limit: defaultMemoryLimit}
}

func (s *MemoryStore) SaveTurn(_ context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, rec)
	if len(s.turns) > s.limit {
		trim := len(s.turns) - s.limit
		s.turns = append([]TurnRecord(nil), s.turns[trim:]...)
	}
	return nil
}

func (s *MemoryStore) RecentTurns(_ context.Context, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.turns) {
		limit = len(s.turns)
	}
	out := make([]TurnRecord, 0, limit)
	// Newest first.
	for i := len(s.turns) - 1; i >= len(s.turns)-limit; i-- {
		out = append(out, s.turns[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
