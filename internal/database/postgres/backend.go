package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

func init() {
	database.RegisterBackend(config.BackendPostgres, func(ctx context.Context, cfg *config.Config, spaces []vector.Space) (database.Backend, error) {
		return Open(ctx, &cfg.Database, spaces, zap.L())
	})
}

// Backend is the PostgreSQL database.Backend.
type Backend struct {
	*MembershipRepository

	pool   *Pool
	stores map[vector.Kind]*VectorRepository
}

// Open connects, applies pending migrations and prepares one repository per kind.
func Open(ctx context.Context, cfg *config.DatabaseConfig, spaces []vector.Space, log *zap.Logger) (*Backend, error) {
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	b, err := newBackend(ctx, pool, spaces, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(ctx context.Context, pool *Pool, spaces []vector.Space, log *zap.Logger) (*Backend, error) {
	if _, err := pool.Migrate(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	b := &Backend{
		MembershipRepository: NewMembershipRepository(pool),
		pool:                 pool,
		stores:               make(map[vector.Kind]*VectorRepository, len(spaces)),
	}
	for _, s := range spaces {
		repo := NewVectorRepository(pool, s)
		if err := repo.registerKind(ctx); err != nil {
			return nil, err
		}
		b.stores[s.Kind] = repo
	}
	return b, nil
}

// Name implements database.Backend.
func (b *Backend) Name() string { return config.BackendPostgres }

// Store implements database.Backend.
func (b *Backend) Store(kind vector.Kind) (vector.Store, error) {
	s, ok := b.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no store for kind %q", vector.ErrInvalidOperation, kind)
	}
	return s, nil
}

// Close implements database.Backend.
func (b *Backend) Close() error {
	return b.pool.Close()
}
