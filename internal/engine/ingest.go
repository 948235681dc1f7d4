package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Record is one vector delivered by the inference step.
type Record struct {
	Kind      vector.Kind `json:"kind"`
	ID        string      `json:"id"`
	Vector    []float32   `json:"vector"`
	Overwrite bool        `json:"overwrite,omitempty"`
}

// RecordError is the failure of one record of a batch.
type RecordError struct {
	Line  int    `json:"line"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// IngestReport summarises a batch.
type IngestReport struct {
	Stored    int           `json:"stored"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors,omitempty"`
}

// Ingest stores a batch of records. Face records are stored one by one in
// input order so the resulting clusters are reproducible; the other kinds
// are stored by up to workers goroutines. A failing record is reported and
// does not stop the batch; only cancellation does.
func (e *Engine) Ingest(ctx context.Context, records []Record, workers int, progress func(done, total int)) (IngestReport, error) {
	if workers < 1 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		report IngestReport
		done   atomic.Int64
	)
	store := func(line int, r Record) {
		res, err := e.Put(ctx, r.Kind, r.ID, r.Vector, r.Overwrite)
		mu.Lock()
		switch {
		case err != nil:
			report.Failed++
			report.Errors = append(report.Errors, RecordError{Line: line, ID: r.ID, Error: err.Error()})
		case res.Unchanged:
			report.Unchanged++
		default:
			report.Stored++
		}
		mu.Unlock()
		if progress != nil {
			progress(int(done.Add(1)), len(records))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers + 1)

	g.Go(func() error {
		for i, r := range records {
			if err := gctx.Err(); err != nil {
				return err
			}
			if r.Kind == vector.KindFace {
				store(i+1, r)
			}
		}
		return nil
	})
	for i, r := range records {
		if r.Kind == vector.KindFace {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			store(i+1, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	slices.SortFunc(report.Errors, func(a, b RecordError) int { return a.Line - b.Line })
	e.log.Info("batch ingested",
		zap.Int("records", len(records)),
		zap.Int("stored", report.Stored),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", report.Failed))
	return report, nil
}
