package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// User driven cluster mutations run inside the face domain so they never
// interleave with a face being stored and assigned.

// Merge moves every face of b into a and destroys b.
func (e *Engine) Merge(a, b cluster.ID) error {
	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	return e.graph.Merge(a, b)
}

// Rename sets the display label of a cluster; an empty label clears it.
func (e *Engine) Rename(id cluster.ID, label string) error {
	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	return e.graph.Rename(id, label)
}

// Detach moves a face into a new cluster of its own.
func (e *Engine) Detach(face string) (cluster.ID, error) {
	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	return e.graph.Detach(face)
}

// Move reassigns a face to an existing cluster.
func (e *Engine) Move(face string, to cluster.ID) error {
	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	return e.graph.Move(face, to)
}

// Recluster rebuilds the partition of all faces with a new threshold. Face
// writes wait until it finishes.
func (e *Engine) Recluster(ctx context.Context, threshold float64, progress cluster.Progress) (cluster.Stats, error) {
	faces := e.domains[vector.KindFace]
	faces.mu.Lock()
	defer faces.mu.Unlock()
	return e.graph.Recluster(ctx, threshold, progress)
}

// RebuildIndex rebuilds the similarity index of kind from its store. Writes
// keep flowing during the rebuild and are replayed onto the new index.
func (e *Engine) RebuildIndex(ctx context.Context, kind vector.Kind, progress cluster.Progress) (int, error) {
	d, err := e.domain(kind)
	if err != nil {
		return 0, err
	}

	total, err := d.store.Len(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := d.index.Rebuild(ctx, counted(index.FromStore(ctx, d.store), total, progress))
	if err != nil {
		return 0, fmt.Errorf("rebuilding %s index: %w", kind, err)
	}
	e.log.Info("index rebuilt",
		zap.String("kind", string(kind)),
		zap.Int("count", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

// counted reports progress for every entry passing through seq.
func counted[T any](seq iter.Seq2[T, error], total int, progress cluster.Progress) iter.Seq2[T, error] {
	if progress == nil {
		return seq
	}
	return func(yield func(T, error) bool) {
		done := 0
		for v, err := range seq {
			if err == nil {
				done++
				progress(done, max(total, done))
			}
			if !yield(v, err) {
				return
			}
		}
	}
}
