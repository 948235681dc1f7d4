// Package bolt provides a single node storage backend on top of BoltDB.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.etcd.io/bbolt"
)

func init() {
	database.RegisterBackend(config.BackendBolt, func(_ context.Context, cfg *config.Config, spaces []vector.Space) (database.Backend, error) {
		return Open(cfg.Store.BoltPath, spaces)
	})
}

var (
	metaBucket       = []byte("meta")
	membershipBucket = []byte("membership")
	membershipKey    = []byte("current")
)

func vectorBucket(kind vector.Kind) []byte {
	return []byte("vectors." + string(kind))
}

func dimKey(kind vector.Kind) []byte {
	return []byte("dim." + string(kind))
}

// Backend stores every kind in its own bucket of one BoltDB file.
type Backend struct {
	db     *bbolt.DB
	stores map[vector.Kind]*Store
}

// Open opens (or creates) the database at path. The dimension of every kind
// is recorded on first use; reopening with a different dimension fails.
func Open(path string, spaces []vector.Space) (*Backend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(membershipBucket); err != nil {
			return err
		}
		for _, s := range spaces {
			if _, err := tx.CreateBucketIfNotExists(vectorBucket(s.Kind)); err != nil {
				return err
			}
			if stored := meta.Get(dimKey(s.Kind)); stored != nil {
				if dim := int(binary.LittleEndian.Uint32(stored)); dim != s.Dim {
					return &vector.DimensionError{Kind: s.Kind, Expected: s.Dim, Actual: dim}
				}
				continue
			}
			buf := binary.LittleEndian.AppendUint32(nil, uint32(s.Dim))
			if err := meta.Put(dimKey(s.Kind), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare bolt buckets: %w", err)
	}

	b := &Backend{db: db, stores: make(map[vector.Kind]*Store, len(spaces))}
	for _, s := range spaces {
		b.stores[s.Kind] = &Store{db: db, space: s, bucket: vectorBucket(s.Kind)}
	}
	return b, nil
}

// Name implements database.Backend.
func (b *Backend) Name() string { return config.BackendBolt }

// Store implements database.Backend.
func (b *Backend) Store(kind vector.Kind) (vector.Store, error) {
	s, ok := b.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no store for kind %q", vector.ErrInvalidOperation, kind)
	}
	return s, nil
}

// SaveMembership implements database.MembershipStore.
func (b *Backend) SaveMembership(_ context.Context, m cluster.Membership) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal membership: %w", err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(membershipBucket).Put(membershipKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: saving membership: %w", vector.ErrStorageFailure, err)
	}
	return nil
}

// LoadMembership implements database.MembershipStore.
func (b *Backend) LoadMembership(_ context.Context) (cluster.Membership, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(membershipBucket).Get(membershipKey); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return cluster.Membership{}, false, fmt.Errorf("%w: loading membership: %w", vector.ErrStorageFailure, err)
	}
	if data == nil {
		return cluster.Membership{}, false, nil
	}
	var m cluster.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		return cluster.Membership{}, false, fmt.Errorf("failed to unmarshal membership: %w", err)
	}
	return m, true, nil
}

// Close implements database.Backend.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing bolt database: %w", err)
	}
	return nil
}

// Store is the vector.Store of one kind.
type Store struct {
	db     *bbolt.DB
	space  vector.Space
	bucket []byte
}

// Space implements vector.Store.
func (s *Store) Space() vector.Space { return s.space }

// Put implements vector.Store.
func (s *Store) Put(_ context.Context, id string, v []float32) error {
	if err := s.space.Check(v); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(id), database.EncodeVector(v))
	})
	if err != nil {
		return fmt.Errorf("%w: put %s %q: %w", vector.ErrStorageFailure, s.space.Kind, id, err)
	}
	return nil
}

// Get implements vector.Store.
func (s *Store) Get(_ context.Context, id string) ([]float32, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(id)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s %q: %w", vector.ErrStorageFailure, s.space.Kind, id, err)
	}
	if data == nil {
		return nil, vector.NotFoundError(s.space.Kind, id)
	}
	return database.DecodeVector(s.space, data)
}

// Remove implements vector.Store.
func (s *Store) Remove(_ context.Context, id string) error {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		found = true
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: remove %s %q: %w", vector.ErrStorageFailure, s.space.Kind, id, err)
	}
	if !found {
		return vector.NotFoundError(s.space.Kind, id)
	}
	return nil
}

// IDs implements vector.Store. Keys are read in pages, each in its own read
// transaction, so a long iteration never pins an old database snapshot.
func (s *Store) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			page, err := s.page(after, database.IDPageSize)
			if err != nil {
				yield("", fmt.Errorf("%w: listing %s ids: %w", vector.ErrStorageFailure, s.space.Kind, err))
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
			after = []byte(page[len(page)-1])
		}
	}
}

// page returns up to limit keys strictly greater than after.
func (s *Store) page(after []byte, limit int) ([]string, error) {
	ids := make([]string, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		var k []byte
		if after == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, _ = c.Next()
			}
		}
		for ; k != nil && len(ids) < limit; k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

// Len implements vector.Store.
func (s *Store) Len(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %w", vector.ErrStorageFailure, s.space.Kind, err)
	}
	return n, nil
}
