package cluster

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
)

type cluster struct {
	id       ID
	label    string
	members  map[string]struct{}
	centroid []float32
}

func (c *cluster) sortedMembers() []string {
	return slices.Sorted(maps.Keys(c.members))
}

// state is one complete partition. It is not safe for concurrent use; Graph
// guards it and swaps whole states for recluster and restore.
type state struct {
	cfg      Config
	space    vector.Space
	clusters map[ID]*cluster
	faceOf   map[string]ID
	reps     *index.Index[ID]
	nextID   ID
}

func newState(cfg Config, space vector.Space, nextID ID) *state {
	if nextID < 1 {
		nextID = 1
	}
	return &state{
		cfg:      cfg,
		space:    space,
		clusters: make(map[ID]*cluster),
		faceOf:   make(map[string]ID),
		reps:     index.New[ID](space, index.DefaultOptions()),
		nextID:   nextID,
	}
}

// assign places a face whose unit vector is already validated. Assigning a
// face that already has a cluster is a no-op returning that cluster.
func (s *state) assign(face string, unit []float32) (ID, error) {
	if id, ok := s.faceOf[face]; ok {
		return id, nil
	}

	candidates, err := s.reps.SearchKNN(unit, s.cfg.CandidateK)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 || candidates[0].Similarity < s.cfg.Threshold {
		return s.create(unit, "", face)
	}

	// Candidates are ordered by similarity, then by id, so the first one
	// is also the tie-break winner.
	c := s.clusters[candidates[0].ID]
	centroid := vector.StepCentroid(c.centroid, unit, len(c.members)+1)
	if err := s.reps.Add(c.id, centroid); err != nil {
		return 0, err
	}
	c.centroid = centroid
	c.members[face] = struct{}{}
	s.faceOf[face] = c.id
	return c.id, nil
}

// create opens a new cluster holding the given faces.
func (s *state) create(centroid []float32, label string, faces ...string) (ID, error) {
	id := s.nextID
	if err := s.reps.Add(id, centroid); err != nil {
		return 0, err
	}
	s.nextID++

	c := &cluster{
		id:       id,
		label:    label,
		members:  make(map[string]struct{}, len(faces)),
		centroid: centroid,
	}
	for _, f := range faces {
		c.members[f] = struct{}{}
		s.faceOf[f] = id
	}
	s.clusters[id] = c
	return id, nil
}

// destroy drops an empty or merged cluster.
func (s *state) destroy(c *cluster) {
	delete(s.clusters, c.id)
	_ = s.reps.Remove(c.id)
}

// centroidOf fully recomputes the centroid of members in ascending id order.
// Members whose vector is gone are skipped; if none remain fallback is returned.
func centroidOf(source VectorSource, members []string, fallback []float32) ([]float32, []string) {
	vectors := make([][]float32, 0, len(members))
	var missing []string
	for _, m := range members {
		v, ok := source.Vector(m)
		if !ok {
			missing = append(missing, m)
			continue
		}
		vectors = append(vectors, v)
	}
	if len(vectors) == 0 {
		return fallback, missing
	}
	return vector.Centroid(vectors), missing
}

// recompute replaces the centroid of c with a full recompute over its members.
func (s *state) recompute(c *cluster, source VectorSource) ([]string, error) {
	centroid, missing := centroidOf(source, c.sortedMembers(), c.centroid)
	if err := s.reps.Add(c.id, centroid); err != nil {
		return missing, err
	}
	c.centroid = centroid
	return missing, nil
}

// remove takes a face out of its cluster, destroying the cluster if it empties.
func (s *state) remove(face string, source VectorSource) (ID, bool, error) {
	id, ok := s.faceOf[face]
	if !ok {
		return 0, false, faceNotFound(face)
	}
	c := s.clusters[id]
	delete(c.members, face)
	delete(s.faceOf, face)

	if len(c.members) == 0 {
		s.destroy(c)
		return id, true, nil
	}
	_, err := s.recompute(c, source)
	return id, false, err
}

// merge moves every member of b into a and destroys b.
func (s *state) merge(a, b ID, source VectorSource) error {
	if a == b {
		return fmt.Errorf("%w: cannot merge cluster %d with itself", vector.ErrInvalidOperation, a)
	}
	ca, ok := s.clusters[a]
	if !ok {
		return notFound(a)
	}
	cb, ok := s.clusters[b]
	if !ok {
		return notFound(b)
	}

	union := append(ca.sortedMembers(), cb.sortedMembers()...)
	slices.Sort(union)
	centroid, _ := centroidOf(source, union, ca.centroid)
	if err := s.reps.Add(a, centroid); err != nil {
		return err
	}

	for f := range cb.members {
		ca.members[f] = struct{}{}
		s.faceOf[f] = a
	}
	ca.centroid = centroid
	if ca.label == "" {
		ca.label = cb.label
	}
	s.destroy(cb)
	return nil
}

// detach moves a face into a new singleton cluster.
func (s *state) detach(face string, source VectorSource) (ID, error) {
	id, ok := s.faceOf[face]
	if !ok {
		return 0, faceNotFound(face)
	}
	c := s.clusters[id]
	if len(c.members) == 1 {
		return 0, fmt.Errorf("%w: face %q is already alone in cluster %d", vector.ErrInvalidOperation, face, id)
	}
	unit, ok := source.Vector(face)
	if !ok {
		return 0, faceNotFound(face)
	}

	delete(c.members, face)
	if _, err := s.recompute(c, source); err != nil {
		return 0, err
	}
	delete(s.faceOf, face)
	return s.create(unit, "", face)
}

// move reassigns a face into an existing cluster.
func (s *state) move(face string, to ID, source VectorSource) error {
	from, ok := s.faceOf[face]
	if !ok {
		return faceNotFound(face)
	}
	target, ok := s.clusters[to]
	if !ok {
		return notFound(to)
	}
	if from == to {
		return fmt.Errorf("%w: face %q is already in cluster %d", vector.ErrInvalidOperation, face, to)
	}

	old := s.clusters[from]
	delete(old.members, face)
	target.members[face] = struct{}{}
	s.faceOf[face] = to

	if len(old.members) == 0 {
		s.destroy(old)
	} else if _, err := s.recompute(old, source); err != nil {
		return err
	}
	_, err := s.recompute(target, source)
	return err
}

// representative returns the member closest to the centroid, ties by id.
func (s *state) representative(c *cluster, source VectorSource) string {
	best := ""
	bestSim := -2.0
	for _, m := range c.sortedMembers() {
		v, ok := source.Vector(m)
		if !ok {
			continue
		}
		if sim := vector.CosineSimilarity(c.centroid, v); sim > bestSim {
			best, bestSim = m, sim
		}
	}
	if best == "" && len(c.members) > 0 {
		best = c.sortedMembers()[0]
	}
	return best
}

func (s *state) summary(c *cluster, source VectorSource) Cluster {
	return Cluster{
		ID:             c.id,
		Label:          c.label,
		Size:           len(c.members),
		Representative: s.representative(c, source),
	}
}
