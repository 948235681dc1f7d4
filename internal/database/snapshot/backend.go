// Package snapshot provides the in-memory storage backend, checkpointed to
// zstd compressed gob files.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/fsutil"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// Extension is appended to every checkpoint file name.
const Extension = ".gob.zst"

func init() {
	database.RegisterBackend(config.BackendMemory, func(_ context.Context, cfg *config.Config, spaces []vector.Space) (database.Backend, error) {
		return Open(cfg.Store.SnapshotDir, spaces)
	})
}

type vectorFile struct {
	Kind    vector.Kind
	Dim     int
	IDs     []string
	Vectors [][]float32
}

// Backend keeps vectors in memory and persists them, together with the
// cluster membership, as checkpoint files in a directory. Without a
// directory nothing survives the process.
type Backend struct {
	dir    string
	stores map[vector.Kind]*vector.MemoryStore

	mu         sync.Mutex // serialises checkpoints
	membership *cluster.Membership
}

// Open creates the backend and loads any checkpoint found in dir.
func Open(dir string, spaces []vector.Space) (*Backend, error) {
	b := &Backend{
		dir:    dir,
		stores: make(map[vector.Kind]*vector.MemoryStore, len(spaces)),
	}
	for _, s := range spaces {
		b.stores[s.Kind] = vector.NewMemoryStore(s)
	}
	if dir == "" {
		return b, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	for _, s := range spaces {
		if err := b.loadVectors(s); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) vectorPath(kind vector.Kind) string {
	return filepath.Join(b.dir, "vectors-"+string(kind)+Extension)
}

func (b *Backend) membershipPath() string {
	return filepath.Join(b.dir, "membership"+Extension)
}

func (b *Backend) loadVectors(space vector.Space) error {
	var f vectorFile
	ok, err := fsutil.ReadGob(b.vectorPath(space.Kind), &f)
	if err != nil || !ok {
		return err
	}
	if f.Dim != space.Dim {
		return fmt.Errorf("%s checkpoint: %w", space.Kind,
			&vector.DimensionError{Kind: space.Kind, Expected: space.Dim, Actual: f.Dim})
	}
	store := b.stores[space.Kind]
	for i, id := range f.IDs {
		if err := store.Put(context.Background(), id, f.Vectors[i]); err != nil {
			return fmt.Errorf("%s checkpoint entry %q: %w", space.Kind, id, err)
		}
	}
	return nil
}

// Name implements database.Backend.
func (b *Backend) Name() string { return config.BackendMemory }

// Store implements database.Backend.
func (b *Backend) Store(kind vector.Kind) (vector.Store, error) {
	s, ok := b.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no store for kind %q", vector.ErrInvalidOperation, kind)
	}
	return s, nil
}

// CheckpointVectors writes every vector store to its checkpoint file.
func (b *Backend) CheckpointVectors(ctx context.Context) error {
	if b.dir == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, store := range b.stores {
		f := vectorFile{Kind: kind, Dim: store.Space().Dim}
		for id, err := range store.IDs(ctx) {
			if err != nil {
				return err
			}
			v, err := store.Get(ctx, id)
			if err != nil {
				// Removed after the id list was taken.
				continue
			}
			f.IDs = append(f.IDs, id)
			f.Vectors = append(f.Vectors, v)
		}
		if err := fsutil.WriteGob(b.vectorPath(kind), &f); err != nil {
			return fmt.Errorf("%w: %s vectors: %w", vector.ErrStorageFailure, kind, err)
		}
	}
	return nil
}

// SaveMembership implements database.MembershipStore.
func (b *Backend) SaveMembership(_ context.Context, m cluster.Membership) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dir != "" {
		if err := fsutil.WriteGob(b.membershipPath(), &m); err != nil {
			return fmt.Errorf("%w: membership: %w", vector.ErrStorageFailure, err)
		}
	}
	b.membership = &m
	return nil
}

// LoadMembership implements database.MembershipStore.
func (b *Backend) LoadMembership(_ context.Context) (cluster.Membership, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.membership != nil {
		return *b.membership, true, nil
	}
	if b.dir == "" {
		return cluster.Membership{}, false, nil
	}
	var m cluster.Membership
	ok, err := fsutil.ReadGob(b.membershipPath(), &m)
	if err != nil {
		return cluster.Membership{}, false, fmt.Errorf("%w: membership: %w", vector.ErrStorageFailure, err)
	}
	return m, ok, nil
}

// Close implements database.Backend.
func (b *Backend) Close() error { return nil }
