package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps history in process memory. It is used when no database
// is configured and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	snippets []Snippet
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

func (m *MemoryStore) Append(_ context.Context, code, output string) (*Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := output
	s := Snippet{
		ID:        m.nextID,
		Code:      code,
		Output:    &out,
		CreatedAt: m.now(),
	}
	m.nextID++
	m.snippets = append(m.snippets, s)

	cp := s
	return &cp, nil
}

// ListRecent returns a snapshot; later appends do not change it.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit)
	if limit > len(m.snippets) {
		limit = len(m.snippets)
	}

	// Insertion order is creation order, so walk backwards.
	out := make([]Snippet, 0, limit)
	for i := len(m.snippets) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.snippets[i]
		if s.Output != nil {
			o := *s.Output
			s.Output = &o
		}
		out = append(out, s)
	}
	return out, nil
}

// Len returns the total number of stored snippets.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snippets)
}
