package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

var errSnapshotStale = errors.New("index snapshot does not match the store")

// Options configures an Engine.
type Options struct {
	Cluster       cluster.Config
	Index         index.Options
	RetryAttempts int
	RetryInterval time.Duration
	SnapshotDir   string   // where index snapshots are kept; empty disables them
	ObjectClasses []string // names of the object vector components
}

// OptionsFromConfig derives engine options from the process configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mode, err := index.ParseMode(cfg.Index.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Cluster: cluster.Config{
			Threshold:  cfg.Clustering.Threshold,
			CandidateK: cfg.Clustering.Candidates,
		},
		Index: index.Options{
			Mode:         mode,
			CompactRatio: cfg.Index.CompactRatio,
		},
		RetryAttempts: cfg.Engine.StorageRetryAttempts,
		SnapshotDir:   cfg.Store.SnapshotDir,
		ObjectClasses: cfg.ObjectClasses,
	}, nil
}

// domain is the mutual exclusion scope of one vector kind. Writers hold mu
// across the store write, the index update and, for faces, the cluster
// assignment; readers share it.
type domain struct {
	mu    sync.RWMutex
	space vector.Space
	store vector.Store
	index *index.Index[string]
}

// Engine ties the vector stores, similarity indexes, face cluster graph and
// object class index together.
type Engine struct {
	log     *zap.Logger
	backend database.Backend
	opts    Options

	domains map[vector.Kind]*domain
	graph   *cluster.Graph
	classes *ClassIndex

	checkpointMu sync.Mutex
}

// PutResult describes the effect of a Put.
type PutResult struct {
	Kind      vector.Kind `json:"kind"`
	ID        string      `json:"id"`
	Cluster   cluster.ID  `json:"cluster_id,omitempty"`
	Replaced  bool        `json:"replaced"`
	Unchanged bool        `json:"unchanged"`
}

// Open loads the indexes and cluster membership from the backend. Index
// snapshots are used when they match the stored vectors, otherwise the index
// is rebuilt from the store.
func Open(ctx context.Context, backend database.Backend, opts Options, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Index.CompactRatio <= 0 {
		opts.Index.CompactRatio = index.DefaultCompactRatio
	}
	if opts.Index.Mode == "" {
		opts.Index.Mode = index.ModeExact
	}

	e := &Engine{
		log:     log,
		backend: backend,
		opts:    opts,
		domains: make(map[vector.Kind]*domain, len(vector.Kinds)),
	}

	for _, kind := range vector.Kinds {
		store, err := backend.Store(kind)
		if err != nil {
			return nil, err
		}
		d := &domain{
			space: store.Space(),
			store: store,
			index: index.New[string](store.Space(), opts.Index),
		}
		if err := e.loadIndex(ctx, d); err != nil {
			return nil, err
		}
		e.domains[kind] = d
	}

	faces := e.domains[vector.KindFace]
	graph, err := cluster.New(opts.Cluster, faces.space, faces.index, log.Named("cluster"))
	if err != nil {
		return nil, err
	}
	e.graph = graph

	var m cluster.Membership
	err = e.retry(ctx, "load membership", func() error {
		var lerr error
		m, _, lerr = backend.LoadMembership(ctx)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	if _, err := graph.Restore(ctx, m); err != nil {
		return nil, fmt.Errorf("restoring cluster membership: %w", err)
	}

	objects := e.domains[vector.KindObject]
	e.classes = NewClassIndex(objects.space.Dim, opts.ObjectClasses)
	if err := e.loadClasses(ctx, objects); err != nil {
		return nil, err
	}

	log.Info("engine opened",
		zap.String("backend", backend.Name()),
		zap.String("index_mode", string(opts.Index.Mode)),
		zap.Float64("threshold", opts.Cluster.Threshold),
		zap.Int("faces", faces.index.Len()),
		zap.Int("clusters", graph.Len()))
	return e, nil
}

func (e *Engine) snapshotPath(kind vector.Kind) string {
	return filepath.Join(e.opts.SnapshotDir, "index-"+string(kind)+".gob.zst")
}

// loadIndex fills the index of d from its snapshot when the snapshot holds
// exactly the stored vectors, or by a rebuild from the store.
func (e *Engine) loadIndex(ctx context.Context, d *domain) error {
	log := e.log.With(zap.String("kind", string(d.space.Kind)))

	if e.opts.SnapshotDir != "" {
		path := e.snapshotPath(d.space.Kind)
		if meta, err := index.LoadMetadata(path); err == nil && meta.Mode == d.index.Mode() {
			if ok, err := e.trySnapshot(ctx, d, path, meta); err != nil {
				return err
			} else if ok {
				log.Info("index loaded from snapshot", zap.Int("count", meta.Count), zap.Time("built", meta.BuildTime))
				return nil
			}
			log.Info("index snapshot is stale, rebuilding")
		}
	}

	start := time.Now()
	var n int
	err := e.retry(ctx, "rebuild "+string(d.space.Kind)+" index", func() error {
		var rerr error
		n, rerr = d.index.Rebuild(ctx, index.FromStore(ctx, d.store))
		return rerr
	})
	if err != nil {
		return fmt.Errorf("rebuilding %s index: %w", d.space.Kind, err)
	}
	log.Info("index rebuilt from store", zap.Int("count", n), zap.Duration("took", time.Since(start)))
	return nil
}

// trySnapshot loads the snapshot at path and keeps it only when every stored
// vector is indexed unchanged. Durable backends apply writes immediately while
// snapshots are only written at checkpoints, so ids alone do not prove a
// snapshot current.
func (e *Engine) trySnapshot(ctx context.Context, d *domain, path string, meta index.Metadata) (bool, error) {
	var stored int
	err := e.retry(ctx, "count "+string(d.space.Kind)+" vectors", func() error {
		var lerr error
		stored, lerr = d.store.Len(ctx)
		return lerr
	})
	if err != nil {
		return false, err
	}
	if stored != meta.Count {
		return false, nil
	}
	if err := d.index.Load(path); err != nil {
		e.log.Warn("failed to load index snapshot", zap.String("path", path), zap.Error(err))
		return false, nil
	}

	matched := 0
	err = e.retry(ctx, "verify "+string(d.space.Kind)+" snapshot", func() error {
		matched = 0
		for entry, err := range index.FromStore(ctx, d.store) {
			if err != nil {
				return err
			}
			if !d.index.Matches(entry.ID, entry.Vector) {
				return errSnapshotStale
			}
			matched++
		}
		return nil
	})
	if errors.Is(err, errSnapshotStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return matched == d.index.Len(), nil
}

func (e *Engine) loadClasses(ctx context.Context, d *domain) error {
	for _, id := range d.index.IDs() {
		v, err := e.get(ctx, d, id)
		if errors.Is(err, vector.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		e.classes.Set(id, v)
	}
	return nil
}

func (e *Engine) domain(kind vector.Kind) (*domain, error) {
	d, ok := e.domains[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vector kind %q", vector.ErrInvalidOperation, kind)
	}
	return d, nil
}

// Space returns the vector space of kind.
func (e *Engine) Space(kind vector.Kind) (vector.Space, error) {
	d, err := e.domain(kind)
	if err != nil {
		return vector.Space{}, err
	}
	return d.space, nil
}

// Graph returns the face cluster graph for read access.
func (e *Engine) Graph() *cluster.Graph { return e.graph }

// Classes returns the object class index.
func (e *Engine) Classes() *ClassIndex { return e.classes }

// Backend returns the storage backend name.
func (e *Engine) Backend() string { return e.backend.Name() }

// Put stores v under id, updates the index of its kind and, for faces,
// assigns the face to a cluster. Without overwrite an existing id fails with
// ErrAlreadyExists. Re-putting an identical vector changes nothing.
func (e *Engine) Put(ctx context.Context, kind vector.Kind, id string, v []float32, overwrite bool) (PutResult, error) {
	d, err := e.domain(kind)
	if err != nil {
		return PutResult{}, err
	}
	if id == "" {
		return PutResult{}, fmt.Errorf("%w: empty entity id", vector.ErrInvalidOperation)
	}
	if err := d.space.Check(v); err != nil {
		return PutResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res := PutResult{Kind: kind, ID: id}
	exists := d.index.Has(id)
	if exists {
		if !overwrite {
			return res, fmt.Errorf("%s %q: %w", kind, id, vector.ErrAlreadyExists)
		}
		old, err := e.get(ctx, d, id)
		if err != nil && !errors.Is(err, vector.ErrNotFound) {
			return res, err
		}
		if slices.Equal(old, v) {
			res.Unchanged = true
			if kind == vector.KindFace {
				res.Cluster, _ = e.graph.ClusterOf(id)
			}
			return res, nil
		}
		res.Replaced = true
	}

	if err := e.retry(ctx, "put "+string(kind)+" vector", func() error {
		return d.store.Put(ctx, id, v)
	}); err != nil {
		return res, err
	}

	if kind == vector.KindFace && exists {
		if _, _, err := e.graph.Remove(id); err != nil && !errors.Is(err, vector.ErrNotFound) {
			return res, err
		}
	}
	if err := d.index.Add(id, v); err != nil {
		return res, err
	}

	switch kind {
	case vector.KindFace:
		res.Cluster, err = e.graph.Assign(id, v)
		if err != nil {
			return res, err
		}
	case vector.KindObject:
		e.classes.Set(id, v)
	}
	return res, nil
}

// Vector returns the stored vector of id as it was put.
func (e *Engine) Vector(ctx context.Context, kind vector.Kind, id string) ([]float32, error) {
	d, err := e.domain(kind)
	if err != nil {
		return nil, err
	}
	return e.get(ctx, d, id)
}

func (e *Engine) get(ctx context.Context, d *domain, id string) ([]float32, error) {
	var v []float32
	err := e.retry(ctx, "get "+string(d.space.Kind)+" vector", func() error {
		var gerr error
		v, gerr = d.store.Get(ctx, id)
		return gerr
	})
	return v, err
}

// Delete removes the vector of one kind, dropping it from the index and,
// for faces, from its cluster.
func (e *Engine) Delete(ctx context.Context, kind vector.Kind, id string) error {
	d, err := e.domain(kind)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return e.deleteLocked(ctx, d, id)
}

func (e *Engine) deleteLocked(ctx context.Context, d *domain, id string) error {
	kind := d.space.Kind
	if !d.index.Has(id) {
		return vector.NotFoundError(kind, id)
	}

	err := e.retry(ctx, "remove "+string(kind)+" vector", func() error {
		return d.store.Remove(ctx, id)
	})
	if err != nil && !errors.Is(err, vector.ErrNotFound) {
		return err
	}

	if err := d.index.Remove(id); err != nil {
		return err
	}
	switch kind {
	case vector.KindFace:
		if _, _, err := e.graph.Remove(id); err != nil && !errors.Is(err, vector.ErrNotFound) {
			return err
		}
	case vector.KindObject:
		e.classes.Remove(id)
	}
	return nil
}

// DeleteEntity removes id from every kind it has a vector in and returns the
// kinds it was removed from.
func (e *Engine) DeleteEntity(ctx context.Context, id string) ([]vector.Kind, error) {
	var removed []vector.Kind
	for _, kind := range vector.Kinds {
		err := e.Delete(ctx, kind, id)
		if errors.Is(err, vector.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, kind)
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("entity %q: %w", id, vector.ErrNotFound)
	}
	return removed, nil
}

// DeletePhoto removes the semantic and object vectors of a photo together
// with all of its faces and returns the number of vectors removed.
func (e *Engine) DeletePhoto(ctx context.Context, photo string) (int, error) {
	removed := 0
	for _, kind := range []vector.Kind{vector.KindSemantic, vector.KindObject} {
		err := e.Delete(ctx, kind, photo)
		if errors.Is(err, vector.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}

	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	for _, id := range faces.index.IDs() {
		if id == photo || vector.PhotoOf(id) != photo {
			continue
		}
		if err := e.deleteLocked(ctx, faces, id); err != nil {
			return removed, err
		}
		removed++
	}

	if removed == 0 {
		return 0, fmt.Errorf("photo %q: %w", photo, vector.ErrNotFound)
	}
	return removed, nil
}

// Search returns the k stored vectors of kind most similar to query.
func (e *Engine) Search(kind vector.Kind, query []float32, k int) ([]index.Result[string], error) {
	d, err := e.domain(kind)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index.SearchKNN(query, k)
}

// SearchThreshold returns every stored vector of kind whose similarity to
// query reaches minSimilarity.
func (e *Engine) SearchThreshold(kind vector.Kind, query []float32, minSimilarity float64) ([]index.Result[string], error) {
	d, err := e.domain(kind)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index.SearchThreshold(query, minSimilarity)
}

// SimilarTo uses the stored vector of id as the query and returns the k most
// similar other entities of the same kind.
func (e *Engine) SimilarTo(kind vector.Kind, id string, k int) ([]index.Result[string], error) {
	d, err := e.domain(kind)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", vector.ErrInvalidOperation, k)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	q, ok := d.index.Vector(id)
	if !ok {
		return nil, vector.NotFoundError(kind, id)
	}
	results, err := d.index.SearchKNN(q, k+1)
	if err != nil {
		return nil, err
	}
	results = slices.DeleteFunc(results, func(r index.Result[string]) bool { return r.ID == id })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Close writes a final checkpoint and closes the backend.
func (e *Engine) Close(ctx context.Context) error {
	cerr := e.Checkpoint(ctx)
	if err := e.backend.Close(); err != nil {
		return errors.Join(cerr, err)
	}
	return cerr
}
