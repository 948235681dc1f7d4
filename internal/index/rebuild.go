package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/kozaktomas/photo-index/internal/vector"
)

// Entry is an id/vector pair consumed by Rebuild.
type Entry[K cmp.Ordered] struct {
	ID     K
	Vector []float32
}

// FromStore walks every vector of store in ascending id order. Ids removed
// while the walk is running are skipped.
func FromStore(ctx context.Context, store vector.Store) iter.Seq2[Entry[string], error] {
	return func(yield func(Entry[string], error) bool) {
		for id, err := range store.IDs(ctx) {
			if err != nil {
				yield(Entry[string]{}, err)
				return
			}
			v, err := store.Get(ctx, id)
			if errors.Is(err, vector.ErrNotFound) {
				continue
			}
			if !yield(Entry[string]{ID: id, Vector: v}, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Rebuild replaces the index contents with entries. The new state is built
// in a shadow structure and swapped in atomically; searches keep using the old
// state until then. Mutations applied while the rebuild runs are replayed onto
// the shadow before the swap. On error or cancellation the index is left as
// it was. Returns the number of live ids after the swap.
func (x *Index[K]) Rebuild(ctx context.Context, entries iter.Seq2[Entry[K], error]) (int, error) {
	x.mu.Lock()
	if x.rebuilding {
		x.mu.Unlock()
		return 0, fmt.Errorf("%w: %s index rebuild already running", vector.ErrInvalidOperation, x.space.Kind)
	}
	x.rebuilding = true
	x.journal = nil
	x.mu.Unlock()

	shadow, err := x.buildShadow(ctx, entries)

	x.mu.Lock()
	defer x.mu.Unlock()
	journal := x.journal
	x.rebuilding = false
	x.journal = nil
	if err != nil {
		return 0, err
	}

	for _, e := range journal {
		if e.removed {
			shadow.remove(e.id)
			continue
		}
		shadow.put(e.id, e.unit)
	}
	x.state = shadow
	x.maybeCompact()
	return x.state.live(), nil
}

func (x *Index[K]) buildShadow(ctx context.Context, entries iter.Seq2[Entry[K], error]) (*state[K], error) {
	shadow := newState[K](x.opts.Mode, 0)
	for e, err := range entries {
		if err != nil {
			return nil, fmt.Errorf("reading %s vectors: %w", x.space.Kind, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := x.space.Check(e.Vector); err != nil {
			return nil, fmt.Errorf("%s %v: %w", x.space.Kind, e.ID, err)
		}
		shadow.put(e.ID, vector.Normalize(e.Vector))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return shadow, nil
}
