package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/vector"
	"github.com/pgvector/pgvector-go"
)

// VectorRepository is the vector.Store of one kind, backed by the vectors table.
type VectorRepository struct {
	pool  *Pool
	space vector.Space
}

// NewVectorRepository creates a repository for one vector space.
func NewVectorRepository(pool *Pool, space vector.Space) *VectorRepository {
	return &VectorRepository{pool: pool, space: space}
}

// registerKind records the dimension of a kind, failing if a different
// dimension was recorded before.
func (r *VectorRepository) registerKind(ctx context.Context) error {
	var dim int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO vector_kinds (kind, dim) VALUES ($1, $2)
		ON CONFLICT (kind) DO UPDATE SET kind = EXCLUDED.kind
		RETURNING dim
	`, string(r.space.Kind), r.space.Dim).Scan(&dim)
	if err != nil {
		return fmt.Errorf("register %s kind: %w", r.space.Kind, err)
	}
	if dim != r.space.Dim {
		return &vector.DimensionError{Kind: r.space.Kind, Expected: r.space.Dim, Actual: dim}
	}
	return nil
}

// Space implements vector.Store.
func (r *VectorRepository) Space() vector.Space { return r.space }

// Put implements vector.Store.
func (r *VectorRepository) Put(ctx context.Context, id string, v []float32) error {
	if err := r.space.Check(v); err != nil {
		return err
	}
	query := `
		INSERT INTO vectors (kind, id, embedding, dim, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (kind, id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dim = EXCLUDED.dim,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, string(r.space.Kind), id, pgvector.NewVector(v), len(v)); err != nil {
		return fmt.Errorf("%w: upsert %s %q: %w", vector.ErrStorageFailure, r.space.Kind, id, err)
	}
	return nil
}

// Get implements vector.Store.
func (r *VectorRepository) Get(ctx context.Context, id string) ([]float32, error) {
	var vec pgvector.Vector
	err := r.pool.QueryRow(ctx, "SELECT embedding FROM vectors WHERE kind = $1 AND id = $2",
		string(r.space.Kind), id).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vector.NotFoundError(r.space.Kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query %s %q: %w", vector.ErrStorageFailure, r.space.Kind, id, err)
	}
	v := vec.Slice()
	if len(v) != r.space.Dim {
		return nil, &vector.DimensionError{Kind: r.space.Kind, Expected: r.space.Dim, Actual: len(v)}
	}
	return v, nil
}

// Remove implements vector.Store.
func (r *VectorRepository) Remove(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM vectors WHERE kind = $1 AND id = $2", string(r.space.Kind), id)
	if err != nil {
		return fmt.Errorf("%w: delete %s %q: %w", vector.ErrStorageFailure, r.space.Kind, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete %s %q: %w", vector.ErrStorageFailure, r.space.Kind, id, err)
	}
	if n == 0 {
		return vector.NotFoundError(r.space.Kind, id)
	}
	return nil
}

// IDs implements vector.Store with keyset pagination, so every page is a
// short query and concurrent writes are never blocked.
func (r *VectorRepository) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := r.page(ctx, after, database.IDPageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < database.IDPageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (r *VectorRepository) page(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM vectors
		WHERE kind = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, string(r.space.Kind), after, limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: list %s ids: %w", vector.ErrStorageFailure, r.space.Kind, err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// Len implements vector.Store.
func (r *VectorRepository) Len(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM vectors WHERE kind = $1", string(r.space.Kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", vector.ErrStorageFailure, r.space.Kind, err)
	}
	return count, nil
}
