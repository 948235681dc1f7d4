package engine

import (
	"context"
	"os"
	"time"

	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// Checkpoint persists the cluster membership, flushes in-memory vector
// stores and, when a snapshot directory is configured, saves every index.
// The membership and each index are copied under their locks and written
// after the locks have been released.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	start := time.Now()
	m := e.graph.Snapshot()
	if err := e.retry(ctx, "save membership", func() error {
		return e.backend.SaveMembership(ctx, m)
	}); err != nil {
		return err
	}

	if cp, ok := e.backend.(database.Checkpointer); ok {
		if err := e.retry(ctx, "checkpoint vectors", func() error {
			return cp.CheckpointVectors(ctx)
		}); err != nil {
			return err
		}
	}

	if e.opts.SnapshotDir != "" {
		if err := os.MkdirAll(e.opts.SnapshotDir, 0o750); err != nil {
			return err
		}
		for _, kind := range vector.Kinds {
			d := e.domains[kind]
			d.mu.RLock()
			snap, err := d.index.Snapshot()
			d.mu.RUnlock()
			if err != nil {
				return err
			}
			meta, err := snap.Write(e.snapshotPath(kind))
			if err != nil {
				return err
			}
			e.log.Debug("index snapshot saved", zap.String("kind", string(kind)), zap.Int("count", meta.Count))
		}
	}

	e.log.Info("checkpoint written",
		zap.Int("clusters", len(m.Clusters)),
		zap.Int("faces", m.Faces()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// RunCheckpoints writes a checkpoint every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (e *Engine) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Checkpoint(ctx); err != nil {
				e.log.Error("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}
