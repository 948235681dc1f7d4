package database

import (
	"context"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// MembershipStore persists the face to cluster membership map.
type MembershipStore interface {
	// SaveMembership replaces the persisted membership.
	SaveMembership(ctx context.Context, m cluster.Membership) error
	// LoadMembership returns the persisted membership; ok is false when none
	// has been saved yet.
	LoadMembership(ctx context.Context) (m cluster.Membership, ok bool, err error)
}

// Backend is a durable home for the vectors of every kind and the cluster
// membership.
type Backend interface {
	MembershipStore

	// Name returns the backend name (memory, bolt, postgres).
	Name() string
	// Store returns the vector store of one kind.
	Store(kind vector.Kind) (vector.Store, error)
	// Close releases the backend resources.
	Close() error
}

// Checkpointer is implemented by backends that keep vectors in process
// memory and need an explicit flush to survive a restart.
type Checkpointer interface {
	CheckpointVectors(ctx context.Context) error
}
