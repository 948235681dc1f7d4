// Package index provides the per-kind similarity index: an exact cosine index with
// tombstone filtering, an optional HNSW candidate graph, shadow rebuilds from a
// vector.Store and compressed snapshots.
package index

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// Mode selects how k-nearest-neighbour candidates are generated.
type Mode string

// Supported index modes.
const (
	// ModeExact scans every live vector.
	ModeExact Mode = "exact"
	// ModeHNSW asks an HNSW graph for candidates and re-scores them exactly.
	ModeHNSW Mode = "hnsw"
)

// ParseMode converts a configuration string into a Mode. Empty means exact.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeExact:
		return ModeExact, nil
	case ModeHNSW:
		return ModeHNSW, nil
	default:
		return "", fmt.Errorf("%w: unknown index mode %q (supported: exact, hnsw)", vector.ErrInvalidOperation, s)
	}
}

// Options tune an Index.
type Options struct {
	Mode Mode
	// CompactRatio is the share of tombstoned slots that triggers compaction.
	CompactRatio float64
}

// DefaultOptions returns exact mode with compaction at 25% tombstones.
func DefaultOptions() Options {
	return Options{Mode: ModeExact, CompactRatio: DefaultCompactRatio}
}

// Result is a single search hit.
type Result[K cmp.Ordered] struct {
	ID         K       `json:"id"`
	Similarity float64 `json:"similarity"`
}

// compareResults orders by descending similarity, then ascending id.
func compareResults[K cmp.Ordered](a, b Result[K]) int {
	if a.Similarity != b.Similarity {
		if a.Similarity > b.Similarity {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.ID, b.ID)
}

// Stats describes the physical state of an index.
type Stats struct {
	Kind       vector.Kind `json:"kind"`
	Dim        int         `json:"dim"`
	Mode       Mode        `json:"mode"`
	Live       int         `json:"live"`
	Tombstones int         `json:"tombstones"`
	Rebuilding bool        `json:"rebuilding"`
}

// state is the searchable structure. Slots are append-only; removal and
// overwrite tombstone the old slot.
type state[K cmp.Ordered] struct {
	ids        []K
	vectors    [][]float32 // unit length; nil for tombstoned slots
	slots      map[K]uint32
	tombstones *roaring.Bitmap
	graph      *candidateGraph
}

func newState[K cmp.Ordered](mode Mode, capacity int) *state[K] {
	s := &state[K]{
		ids:        make([]K, 0, capacity),
		vectors:    make([][]float32, 0, capacity),
		slots:      make(map[K]uint32, capacity),
		tombstones: roaring.New(),
	}
	if mode == ModeHNSW {
		s.graph = newCandidateGraph()
	}
	return s
}

// put stores an already normalised vector, tombstoning any previous slot of id.
func (s *state[K]) put(id K, unit []float32) {
	if old, ok := s.slots[id]; ok {
		s.tombstone(old)
	}
	slot := uint32(len(s.ids))
	s.ids = append(s.ids, id)
	s.vectors = append(s.vectors, unit)
	s.slots[id] = slot
	if s.graph != nil {
		s.graph.add(slot, unit)
	}
}

func (s *state[K]) remove(id K) bool {
	slot, ok := s.slots[id]
	if !ok {
		return false
	}
	delete(s.slots, id)
	s.tombstone(slot)
	return true
}

func (s *state[K]) tombstone(slot uint32) {
	s.tombstones.Add(slot)
	s.vectors[slot] = nil
}

func (s *state[K]) live() int { return len(s.slots) }

// compacted returns a copy holding only live slots, in ascending slot order.
func (s *state[K]) compacted(mode Mode) *state[K] {
	next := newState[K](mode, s.live())
	for slot, id := range s.ids {
		if s.tombstones.Contains(uint32(slot)) {
			continue
		}
		next.put(id, s.vectors[slot])
	}
	return next
}

// Index is a similarity index over the vectors of one kind, keyed by K.
//
// All mutations take the write lock; searches take the read lock, so readers
// observe either the state before or after a mutation.
type Index[K cmp.Ordered] struct {
	space vector.Space
	opts  Options

	mu    sync.RWMutex
	state *state[K]

	// journal records mutations applied while a shadow rebuild is running.
	journal    []journalEntry[K]
	rebuilding bool
}

type journalEntry[K cmp.Ordered] struct {
	id      K
	unit    []float32
	removed bool
}

// New creates an empty index for the given space.
func New[K cmp.Ordered](space vector.Space, opts Options) *Index[K] {
	if opts.Mode == "" {
		opts.Mode = ModeExact
	}
	if opts.CompactRatio <= 0 {
		opts.CompactRatio = DefaultCompactRatio
	}
	return &Index[K]{
		space: space,
		opts:  opts,
		state: newState[K](opts.Mode, 0),
	}
}

// Space returns the kind and dimension of the index.
func (x *Index[K]) Space() vector.Space { return x.space }

// Mode returns the candidate generation mode.
func (x *Index[K]) Mode() Mode { return x.opts.Mode }

// Add incorporates v under id, replacing any previous vector for id.
func (x *Index[K]) Add(id K, v []float32) error {
	if err := x.space.Check(v); err != nil {
		return err
	}
	unit := vector.Normalize(v)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.state.put(id, unit)
	if x.rebuilding {
		x.journal = append(x.journal, journalEntry[K]{id: id, unit: unit})
	}
	x.maybeCompact()
	return nil
}

// Remove logically deletes id. Searches never return it afterwards.
func (x *Index[K]) Remove(id K) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.state.remove(id) {
		return fmt.Errorf("%s %v: %w", x.space.Kind, id, vector.ErrNotFound)
	}
	if x.rebuilding {
		x.journal = append(x.journal, journalEntry[K]{id: id, removed: true})
	}
	x.maybeCompact()
	return nil
}

// maybeCompact drops tombstoned slots once they exceed the configured ratio.
// Must be called with the write lock held.
func (x *Index[K]) maybeCompact() {
	dead := int(x.state.tombstones.GetCardinality())
	total := len(x.state.ids)
	if total < MinCompactSlots || float64(dead) <= x.opts.CompactRatio*float64(total) {
		return
	}
	x.state = x.state.compacted(x.opts.Mode)
}

// Has reports whether id is live.
func (x *Index[K]) Has(id K) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.state.slots[id]
	return ok
}

// Vector returns the unit length vector stored for id.
func (x *Index[K]) Vector(id K) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot, ok := x.state.slots[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(x.state.vectors[slot]), true
}

// Matches reports whether id is live and indexed with the direction of v.
func (x *Index[K]) Matches(id K, v []float32) bool {
	unit := vector.Normalize(v)
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot, ok := x.state.slots[id]
	return ok && slices.Equal(x.state.vectors[slot], unit)
}

// Len returns the number of live ids.
func (x *Index[K]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.live()
}

// IDs returns the live ids in ascending order.
func (x *Index[K]) IDs() []K {
	x.mu.RLock()
	ids := make([]K, 0, len(x.state.slots))
	for id := range x.state.slots {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Stats returns the physical state of the index.
func (x *Index[K]) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Kind:       x.space.Kind,
		Dim:        x.space.Dim,
		Mode:       x.opts.Mode,
		Live:       x.state.live(),
		Tombstones: int(x.state.tombstones.GetCardinality()),
		Rebuilding: x.rebuilding,
	}
}

// SearchKNN returns up to k live ids ordered by descending cosine similarity,
// ties broken by ascending id.
func (x *Index[K]) SearchKNN(query []float32, k int) ([]Result[K], error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", vector.ErrInvalidOperation, k)
	}
	if err := x.space.Check(query); err != nil {
		return nil, err
	}
	q := vector.Normalize(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.state.live() == 0 {
		return []Result[K]{}, nil
	}

	var results []Result[K]
	if x.state.graph != nil && x.state.live() > k {
		results = x.searchGraph(q, k)
	} else {
		results = x.scan(q, func(float64) bool { return true })
	}
	slices.SortFunc(results, compareResults[K])
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchThreshold returns every live id whose similarity is at least
// minSimilarity, with the same ordering as SearchKNN.
func (x *Index[K]) SearchThreshold(query []float32, minSimilarity float64) ([]Result[K], error) {
	if err := x.space.Check(query); err != nil {
		return nil, err
	}
	q := vector.Normalize(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	results := x.scan(q, func(s float64) bool { return s >= minSimilarity })
	slices.SortFunc(results, compareResults[K])
	return results, nil
}

// scan scores every live slot. Must be called with the read lock held.
func (x *Index[K]) scan(q []float32, keep func(float64) bool) []Result[K] {
	results := make([]Result[K], 0, x.state.live())
	for slot, v := range x.state.vectors {
		if v == nil {
			continue
		}
		s := vector.Clamp(vector.Dot(q, v))
		if keep(s) {
			results = append(results, Result[K]{ID: x.state.ids[slot], Similarity: s})
		}
	}
	return results
}

// searchGraph asks the HNSW graph for candidates and re-scores them exactly.
// Must be called with the read lock held.
func (x *Index[K]) searchGraph(q []float32, k int) []Result[K] {
	want := max(k*SearchMultiplier, MinGraphCandidates)
	candidates := x.state.graph.search(q, want)

	results := make([]Result[K], 0, len(candidates))
	for _, slot := range candidates {
		if x.state.tombstones.Contains(slot) {
			continue
		}
		v := x.state.vectors[slot]
		results = append(results, Result[K]{ID: x.state.ids[slot], Similarity: vector.Clamp(vector.Dot(q, v))})
	}
	return results
}
