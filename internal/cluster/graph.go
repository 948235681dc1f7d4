package cluster

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// Graph is the face to cluster membership map.
//
// Every mutation holds the write lock for the whole nearest-representative
// lookup, decision and update, so two concurrent assignments of mutually
// similar faces can never both open a new cluster.
type Graph struct {
	space  vector.Space
	source VectorSource
	log    *zap.Logger

	mu sync.RWMutex
	st *state
}

// New creates an empty graph over the faces provided by source.
func New(cfg Config, space vector.Space, source VectorSource, log *zap.Logger) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{
		space:  space,
		source: source,
		log:    log,
		st:     newState(cfg, space, 1),
	}, nil
}

// Config returns the parameters of the current partition.
func (g *Graph) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.cfg
}

// Assign places a face into the cluster whose representative is most similar,
// or into a new cluster when no representative reaches the threshold.
// Assigning an already assigned face returns its current cluster unchanged.
func (g *Graph) Assign(face string, v []float32) (ID, error) {
	if err := g.space.Check(v); err != nil {
		return 0, err
	}
	unit := vector.Normalize(v)

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.assign(face, unit)
}

// Remove takes a face out of its cluster. The cluster is destroyed when it
// empties, otherwise its representative is recomputed from the remaining
// members. Returns the former cluster and whether it was destroyed.
func (g *Graph) Remove(face string) (ID, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, destroyed, err := g.st.remove(face, g.source)
	if err != nil {
		return 0, false, err
	}
	if destroyed {
		g.log.Debug("cluster dissolved", zap.Int64("cluster", int64(id)), zap.String("face", face))
	}
	return id, destroyed, nil
}

// Merge moves all members of b into a and destroys b.
func (g *Graph) Merge(a, b ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.st.merge(a, b, g.source); err != nil {
		return err
	}
	g.log.Info("clusters merged", zap.Int64("into", int64(a)), zap.Int64("from", int64(b)),
		zap.Int("size", len(g.st.clusters[a].members)))
	return nil
}

// Rename sets the display label of a cluster. An empty label clears it.
func (g *Graph) Rename(id ID, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.st.clusters[id]
	if !ok {
		return notFound(id)
	}
	c.label = strings.TrimSpace(label)
	return nil
}

// Detach moves one face into a new singleton cluster.
func (g *Graph) Detach(face string) (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.detach(face, g.source)
}

// Move reassigns one face into an existing cluster.
func (g *Graph) Move(face string, to ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.move(face, to, g.source)
}

// ClusterOf returns the cluster a face belongs to.
func (g *Graph) ClusterOf(face string) (ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.st.faceOf[face]
	return id, ok
}

// Get returns the summary of one cluster.
func (g *Graph) Get(id ID) (Cluster, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.st.clusters[id]
	if !ok {
		return Cluster{}, notFound(id)
	}
	return g.st.summary(c, g.source), nil
}

// List returns every cluster ordered by id.
func (g *Graph) List() []Cluster {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Cluster, 0, len(g.st.clusters))
	for _, id := range slices.Sorted(maps.Keys(g.st.clusters)) {
		out = append(out, g.st.summary(g.st.clusters[id], g.source))
	}
	return out
}

// FindByLabel returns the clusters whose normalized label equals the
// normalized query, ordered by id.
func (g *Graph) FindByLabel(label string) []Cluster {
	want := NormalizeLabel(label)
	if want == "" {
		return nil
	}
	var out []Cluster
	for _, c := range g.List() {
		if c.Label != "" && NormalizeLabel(c.Label) == want {
			out = append(out, c)
		}
	}
	return out
}

// Members returns the face ids of a cluster in ascending order.
func (g *Graph) Members(id ID) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.st.clusters[id]
	if !ok {
		return nil, notFound(id)
	}
	return c.sortedMembers(), nil
}

// Photos returns the distinct photos owning the faces of a cluster.
func (g *Graph) Photos(id ID) ([]string, error) {
	members, err := g.Members(id)
	if err != nil {
		return nil, err
	}
	photos := make([]string, 0, len(members))
	for _, m := range members {
		photos = append(photos, vector.PhotoOf(m))
	}
	slices.Sort(photos)
	return slices.Compact(photos), nil
}

// Centroid returns the representative vector of a cluster.
func (g *Graph) Centroid(id ID) ([]float32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.st.clusters[id]
	if !ok {
		return nil, notFound(id)
	}
	return slices.Clone(c.centroid), nil
}

// Len returns the number of clusters.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.st.clusters)
}

// Faces returns the number of assigned faces.
func (g *Graph) Faces() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.st.faceOf)
}

// Stats summarises the partition.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{
		Clusters:    len(g.st.clusters),
		Faces:       len(g.st.faceOf),
		Threshold:   g.st.cfg.Threshold,
		NextCluster: g.st.nextID,
	}
	for _, c := range g.st.clusters {
		if c.label != "" {
			st.Labelled++
		}
		if len(c.members) == 1 {
			st.Singletons++
		}
		st.Largest = max(st.Largest, len(c.members))
	}
	return st
}

// Progress reports how many of total faces a long running operation handled.
type Progress func(done, total int)

// Recluster rebuilds the whole partition from scratch with the given
// threshold, assigning every live face of the source in ascending id order.
// The new partition is built on the side and swapped in at the end; on
// cancellation the current partition is untouched. Labels are not carried
// over because cluster identities change. Cluster ids continue after the
// highest id handed out so far.
func (g *Graph) Recluster(ctx context.Context, threshold float64, progress Progress) (Stats, error) {
	g.mu.RLock()
	cfg := g.st.cfg
	nextID := g.st.nextID
	g.mu.RUnlock()

	cfg.Threshold = threshold
	if err := cfg.Validate(); err != nil {
		return Stats{}, err
	}

	shadow := newState(cfg, g.space, nextID)
	faces := g.source.IDs()
	for i, face := range faces {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		v, ok := g.source.Vector(face)
		if !ok {
			continue
		}
		if _, err := shadow.assign(face, v); err != nil {
			return Stats{}, fmt.Errorf("assigning face %q: %w", face, err)
		}
		if progress != nil {
			progress(i+1, len(faces))
		}
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	g.mu.Lock()
	g.st = shadow
	g.mu.Unlock()

	stats := g.Stats()
	g.log.Info("recluster finished",
		zap.Float64("threshold", threshold),
		zap.Int("faces", stats.Faces),
		zap.Int("clusters", stats.Clusters))
	return stats, nil
}
