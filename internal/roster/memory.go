package roster

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for single-node development and tests.
// It enforces the same pair uniqueness and version checks as PostgresStore.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Relationship
	byPair map[[2]string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Relationship),
		byPair: make(map[[2]string]string),
	}
}

func pairKey(a, b string) [2]string {
	lo, hi := orderPair(a, b)
	return [2]string{lo, hi}
}

func (m *MemoryStore) Find(_ context.Context, a, b string) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[pairKey(a, b)]
	if !ok {
		return nil, nil
	}
	rel := m.byID[id]
	return &rel, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &rel, nil
}

func (m *MemoryStore) Insert(_ context.Context, rel *Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{rel.UserLo, rel.UserHi}
	if _, ok := m.byPair[key]; ok {
		return ErrDuplicate
	}
	m.byPair[key] = rel.ID
	m.byID[rel.ID] = *rel
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rel *Relationship, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[rel.ID]
	if !ok || cur.Version != expectVersion {
		return ErrStale
	}
	m.byID[rel.ID] = *rel
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok || cur.Version != expectVersion {
		return ErrStale
	}
	delete(m.byID, id)
	delete(m.byPair, [2]string{cur.UserLo, cur.UserHi})
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Relationship
	for _, rel := range m.byID {
		if rel.Involves(userID) {
			out = append(out, rel)
		}
	}
	return out, nil
}
