package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/vector"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const nextClusterKey = "next_cluster_id"

// MembershipRepository persists the cluster membership map.
type MembershipRepository struct {
	pool *Pool
}

// NewMembershipRepository creates a new membership repository.
func NewMembershipRepository(pool *Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool}
}

// SaveMembership replaces the stored membership in a single transaction.
// Members are bulk loaded with COPY.
func (r *MembershipRepository) SaveMembership(ctx context.Context, m cluster.Membership) error {
	if err := r.save(ctx, m); err != nil {
		return fmt.Errorf("%w: save membership: %w", vector.ErrStorageFailure, err)
	}
	return nil
}

func (r *MembershipRepository) save(ctx context.Context, m cluster.Membership) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM cluster_members"); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM clusters"); err != nil {
		return fmt.Errorf("clear clusters: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("clusters", "id", "label", "centroid"))
	if err != nil {
		return fmt.Errorf("prepare cluster copy: %w", err)
	}
	for _, c := range m.Clusters {
		if len(c.Centroid) == 0 {
			stmt.Close()
			return fmt.Errorf("cluster %d has no centroid", c.ID)
		}
		if _, err := stmt.ExecContext(ctx, int64(c.ID), c.Label, pgvector.NewVector(c.Centroid)); err != nil {
			stmt.Close()
			return fmt.Errorf("copy cluster %d: %w", c.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush cluster copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close cluster copy: %w", err)
	}

	stmt, err = tx.PrepareContext(ctx, pq.CopyIn("cluster_members", "face_id", "cluster_id", "checksum"))
	if err != nil {
		return fmt.Errorf("prepare member copy: %w", err)
	}
	for _, c := range m.Clusters {
		withSums := len(c.Checksums) == len(c.Members)
		for i, face := range c.Members {
			var sum sql.NullInt64
			if withSums {
				sum = sql.NullInt64{Int64: int64(c.Checksums[i]), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, face, int64(c.ID), sum); err != nil {
				stmt.Close()
				return fmt.Errorf("copy member %q: %w", face, err)
			}
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush member copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close member copy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, nextClusterKey, int64(m.NextID)); err != nil {
		return fmt.Errorf("store next cluster id: %w", err)
	}

	return tx.Commit()
}

// LoadMembership returns the stored membership; ok is false when nothing has
// been saved yet.
func (r *MembershipRepository) LoadMembership(ctx context.Context) (cluster.Membership, bool, error) {
	m, ok, err := r.load(ctx)
	if err != nil {
		return cluster.Membership{}, false, fmt.Errorf("%w: load membership: %w", vector.ErrStorageFailure, err)
	}
	return m, ok, nil
}

func (r *MembershipRepository) load(ctx context.Context) (cluster.Membership, bool, error) {
	var m cluster.Membership
	var next int64
	err := r.pool.QueryRow(ctx, "SELECT COALESCE(MAX(value), 0) FROM cluster_state WHERE key = $1", nextClusterKey).Scan(&next)
	if err != nil {
		return m, false, fmt.Errorf("query next cluster id: %w", err)
	}
	if next == 0 {
		return m, false, nil
	}
	m.NextID = cluster.ID(next)

	rows, err := r.pool.Query(ctx, "SELECT id, label, centroid FROM clusters ORDER BY id")
	if err != nil {
		return m, false, err
	}
	byID := make(map[cluster.ID]int)
	for rows.Next() {
		var id int64
		var label string
		var centroid pgvector.Vector
		if err := rows.Scan(&id, &label, &centroid); err != nil {
			rows.Close()
			return m, false, fmt.Errorf("scan cluster: %w", err)
		}
		byID[cluster.ID(id)] = len(m.Clusters)
		m.Clusters = append(m.Clusters, cluster.Record{ID: cluster.ID(id), Label: label, Centroid: centroid.Slice()})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return m, false, fmt.Errorf("iterate clusters: %w", err)
	}
	rows.Close()

	rows, err = r.pool.Query(ctx, "SELECT face_id, cluster_id, checksum FROM cluster_members ORDER BY cluster_id, face_id")
	if err != nil {
		return m, false, err
	}
	defer rows.Close()
	// Checksums are kept only for clusters where every member has one.
	partial := make(map[int]bool)
	for rows.Next() {
		var face string
		var id int64
		var sum sql.NullInt64
		if err := rows.Scan(&face, &id, &sum); err != nil {
			return m, false, fmt.Errorf("scan member: %w", err)
		}
		i, ok := byID[cluster.ID(id)]
		if !ok {
			continue
		}
		c := &m.Clusters[i]
		c.Members = append(c.Members, face)
		if !sum.Valid {
			partial[i] = true
			continue
		}
		c.Checksums = append(c.Checksums, uint32(sum.Int64)) //nolint:gosec // stored from a uint32
	}
	if err := rows.Err(); err != nil {
		return m, false, fmt.Errorf("iterate members: %w", err)
	}
	for i := range partial {
		m.Clusters[i].Checksums = nil
	}
	return m, true, nil
}
