package vector

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// Store owns the raw vectors of one kind.
//
// Put inserts or overwrites, Remove marks an id absent. A Store performs no
// similarity computation and never tells an index about changes; callers drive
// both sides explicitly.
type Store interface {
	// Space returns the kind and dimension accepted by this store.
	Space() Space
	// Put inserts or overwrites the vector stored under id.
	Put(ctx context.Context, id string, v []float32) error
	// Get returns a copy of the vector stored under id or ErrNotFound.
	Get(ctx context.Context, id string) ([]float32, error)
	// Remove deletes id; removing an absent id returns ErrNotFound.
	Remove(ctx context.Context, id string) error
	// IDs yields the live ids in ascending order. Every call starts a fresh pass.
	IDs(ctx context.Context) iter.Seq2[string, error]
	// Len returns the number of live ids.
	Len(ctx context.Context) (int, error)
}

// MemoryStore is a Store kept entirely in process memory.
type MemoryStore struct {
	space   Space
	vectors map[string][]float32
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store for the given space.
func NewMemoryStore(space Space) *MemoryStore {
	return &MemoryStore{
		space:   space,
		vectors: make(map[string][]float32),
	}
}

// Space returns the kind and dimension of the store.
func (s *MemoryStore) Space() Space { return s.space }

// Put inserts or overwrites a vector.
func (s *MemoryStore) Put(_ context.Context, id string, v []float32) error {
	if err := s.space.Check(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = slices.Clone(v)
	return nil
}

// Get returns a copy of the vector stored under id.
func (s *MemoryStore) Get(_ context.Context, id string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[id]
	if !ok {
		return nil, NotFoundError(s.space.Kind, id)
	}
	return slices.Clone(v), nil
}

// Remove deletes the vector stored under id.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[id]; !ok {
		return NotFoundError(s.space.Kind, id)
	}
	delete(s.vectors, id)
	return nil
}

// IDs yields the ids that are live when iteration starts, in ascending order.
func (s *MemoryStore) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.RLock()
		ids := make([]string, 0, len(s.vectors))
		for id := range s.vectors {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored vectors.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors), nil
}

// CollectIDs drains Store.IDs into a slice.
func CollectIDs(ctx context.Context, s Store) ([]string, error) {
	var ids []string
	for id, err := range s.IDs(ctx) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
