package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps definitions in process memory. It is the default
// backend for single-node deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Definition
	names map[string]string // name -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Definition),
		names: make(map[string]string),
	}
}

// Create inserts a new definition.
func (s *MemoryStore) Create(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[def.Name]; exists {
		return ErrDuplicateName
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	s.byID[def.ID] = *def
	s.names[def.Name] = def.ID
	return nil
}

// Update replaces an existing definition's mutable fields.
func (s *MemoryStore) Update(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[def.ID]
	if !ok {
		return ErrNotFound
	}
	if owner, exists := s.names[def.Name]; exists && owner != def.ID {
		return ErrDuplicateName
	}

	def.CreatedAt = current.CreatedAt
	def.UpdatedAt = time.Now()

	delete(s.names, current.Name)
	s.byID[def.ID] = *def
	s.names[def.Name] = def.ID
	return nil
}

// Get returns the definition with the given id, or (nil, nil).
func (s *MemoryStore) Get(_ context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

// GetByName returns the definition with the given name, or (nil, nil).
func (s *MemoryStore) GetByName(_ context.Context, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[name]
	if !ok {
		return nil, nil
	}
	def := s.byID[id]
	return &def, nil
}

// List returns definitions sorted by creation time, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Definition, 0, len(s.byID))
	for _, def := range s.byID {
		if filter.Name != "" && def.Name != filter.Name {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset >= len(out) {
		return []Definition{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a definition.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.names, def.Name)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error { return nil }
