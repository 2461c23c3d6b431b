package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/contextmesh/core"
)

// InMemoryStore is a naive process-local CandidateStore.
//
// Concurrency: protected by RWMutex.
// Search: linear scan returning every candidate outside the excluded session
// in insertion order; semantic filtering is left to the ranker. Suitable for
// tests and demos; use store/sqlite for persistence.
type InMemoryStore struct {
	mu         sync.RWMutex
	candidates []core.Candidate
	nextID     int
}

var _ core.CandidateStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Store appends a candidate, assigning an incremental id when none is set,
// and returns the id.
func (s *InMemoryStore) Store(c core.Candidate) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = fmt.Sprintf("mem_%d", s.nextID)
	}
	s.nextID++
	c.Tags = slices.Clone(c.Tags)
	c.Embedding = slices.Clone(c.Embedding)
	s.candidates = append(s.candidates, c)
	return c.ID
}

// SearchCandidates implements core.CandidateStore.
func (s *InMemoryStore) SearchCandidates(ctx context.Context, _ string, excludeSessionID string) ([]core.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if excludeSessionID != "" && c.SessionID == excludeSessionID {
			continue
		}
		c.Tags = slices.Clone(c.Tags)
		c.Embedding = slices.Clone(c.Embedding)
		out = append(out, c)
	}
	return out, nil
}

// Delete removes a candidate by id.
func (s *InMemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.candidates, func(c core.Candidate) bool { return c.ID == id })
	if i < 0 {
		return fmt.Errorf("memory not found")
	}
	s.candidates = slices.Delete(s.candidates, i, i+1)
	return nil
}
