package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/kozaktomas/photo-index/internal/fsutil"
	"github.com/kozaktomas/photo-index/internal/vector"
)

const snapshotVersion = 1

// Metadata is written next to a snapshot for staleness detection.
type Metadata struct {
	Kind       vector.Kind `json:"kind"`
	Dim        int         `json:"dim"`
	Mode       Mode        `json:"mode"`
	Count      int         `json:"count"`
	Tombstones int         `json:"tombstones"`
	BuildTime  time.Time   `json:"build_time"`
	Version    int         `json:"version"`
}

type snapshotFile[K comparable] struct {
	Kind       vector.Kind
	Dim        int
	IDs        []K
	Vectors    [][]float32
	Tombstones []byte
}

// Snapshot is a point in time copy of an index, taken by Index.Snapshot and
// written to disk by Write without holding any index lock.
type Snapshot[K comparable] struct {
	file       snapshotFile[K]
	mode       Mode
	count      int
	tombstones int
	graph      []byte // exported HNSW graph, nil in exact mode
}

// Snapshot copies the index contents. Slot vectors are shared with the index;
// they are never modified in place.
func (x *Index[K]) Snapshot() (*Snapshot[K], error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	tombstones, err := x.state.tombstones.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding tombstones: %w", err)
	}
	snap := &Snapshot[K]{
		file: snapshotFile[K]{
			Kind:       x.space.Kind,
			Dim:        x.space.Dim,
			IDs:        slices.Clone(x.state.ids),
			Vectors:    slices.Clone(x.state.vectors),
			Tombstones: tombstones,
		},
		mode:       x.opts.Mode,
		count:      x.state.live(),
		tombstones: int(x.state.tombstones.GetCardinality()),
	}
	if x.state.graph != nil {
		var buf bytes.Buffer
		if err := x.state.graph.export(&buf); err != nil {
			return nil, err
		}
		snap.graph = buf.Bytes()
	}
	return snap, nil
}

// Save writes the index to path as zstd compressed gob, with a JSON sidecar
// at path+".meta" and, in HNSW mode, the graph at path+".graph".
func (x *Index[K]) Save(path string) (Metadata, error) {
	snap, err := x.Snapshot()
	if err != nil {
		return Metadata{}, err
	}
	return snap.Write(path)
}

// Write persists the snapshot the way Save does.
func (s *Snapshot[K]) Write(path string) (Metadata, error) {
	kind := s.file.Kind
	if err := fsutil.WriteGob(path, &s.file); err != nil {
		return Metadata{}, fmt.Errorf("failed to write %s index snapshot: %w", kind, err)
	}

	if s.graph != nil {
		if err := fsutil.WriteAtomic(path+".graph", func(w io.Writer) error {
			_, err := w.Write(s.graph)
			return err
		}); err != nil {
			return Metadata{}, fmt.Errorf("failed to write %s index graph: %w", kind, err)
		}
	} else {
		_ = os.Remove(path + ".graph")
	}

	meta := Metadata{
		Kind:       kind,
		Dim:        s.file.Dim,
		Mode:       s.mode,
		Count:      s.count,
		Tombstones: s.tombstones,
		BuildTime:  time.Now().UTC(),
		Version:    snapshotVersion,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return Metadata{}, fmt.Errorf("failed to write metadata file: %w", err)
	}
	return meta, nil
}

// LoadMetadata reads the sidecar written by Save.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}

// Load replaces the index contents with the snapshot at path. The snapshot
// must have been written for the same kind and dimension.
func (x *Index[K]) Load(path string) error {
	var snap snapshotFile[K]
	ok, err := fsutil.ReadGob(path, &snap)
	if err != nil {
		return fmt.Errorf("failed to read %s index snapshot: %w", x.space.Kind, err)
	}
	if !ok {
		return fmt.Errorf("%s index snapshot %s: %w", x.space.Kind, path, fs.ErrNotExist)
	}
	if snap.Kind != x.space.Kind || snap.Dim != x.space.Dim {
		return fmt.Errorf("%w: snapshot holds %s/%d, index is %s/%d",
			vector.ErrInvalidOperation, snap.Kind, snap.Dim, x.space.Kind, x.space.Dim)
	}
	if len(snap.IDs) != len(snap.Vectors) {
		return fmt.Errorf("%w: corrupt snapshot, %d ids for %d vectors",
			vector.ErrInvalidOperation, len(snap.IDs), len(snap.Vectors))
	}

	tombstones := roaring.New()
	if err := tombstones.UnmarshalBinary(snap.Tombstones); err != nil {
		return fmt.Errorf("decoding tombstones: %w", err)
	}

	st := &state[K]{
		ids:        snap.IDs,
		vectors:    snap.Vectors,
		slots:      make(map[K]uint32, len(snap.IDs)),
		tombstones: tombstones,
	}
	for slot, id := range snap.IDs {
		if tombstones.Contains(uint32(slot)) {
			st.vectors[slot] = nil
			continue
		}
		if len(st.vectors[slot]) != x.space.Dim {
			return &vector.DimensionError{Kind: x.space.Kind, Expected: x.space.Dim, Actual: len(st.vectors[slot])}
		}
		st.slots[id] = uint32(slot)
	}

	if x.opts.Mode == ModeHNSW {
		st.graph = x.loadGraph(path+".graph", st)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rebuilding {
		return fmt.Errorf("%w: %s index rebuild running", vector.ErrInvalidOperation, x.space.Kind)
	}
	x.state = st
	x.maybeCompact()
	return nil
}

// loadGraph reads the saved graph, or rebuilds it from the slot vectors when
// the file is missing or does not match the slot table.
func (x *Index[K]) loadGraph(path string, st *state[K]) *candidateGraph {
	if g, err := loadCandidateGraph(path); err == nil && g.len() == len(st.ids) {
		return g
	}
	g := newCandidateGraph()
	for slot, v := range st.vectors {
		if v != nil {
			g.add(uint32(slot), v)
		}
	}
	return g
}
