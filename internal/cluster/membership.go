package cluster

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// RestoreReport describes what Restore did with a persisted membership.
type RestoreReport struct {
	Clusters int `json:"clusters"`
	Faces    int `json:"faces"`
	// Stale counts persisted members that are no longer live faces.
	Stale int `json:"stale"`
	// Conflicts counts faces listed in more than one persisted cluster.
	Conflicts int `json:"conflicts"`
	// Changed counts persisted members whose vector no longer matches the
	// persisted checksum.
	Changed int `json:"changed"`
	// Assigned counts live faces clustered during the restore: faces missing
	// from the membership and changed ones.
	Assigned int `json:"assigned"`
}

// Snapshot returns the persisted form of the current partition, clusters
// ordered by id and members in ascending order.
func (g *Graph) Snapshot() Membership {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := Membership{
		NextID:   g.st.nextID,
		Clusters: make([]Record, 0, len(g.st.clusters)),
	}
	for _, id := range slices.Sorted(maps.Keys(g.st.clusters)) {
		c := g.st.clusters[id]
		members := c.sortedMembers()
		sums := make([]uint32, len(members))
		for i, f := range members {
			v, _ := g.source.Vector(f)
			sums[i] = vector.Checksum(v)
		}
		m.Clusters = append(m.Clusters, Record{
			ID:        c.id,
			Label:     c.label,
			Members:   members,
			Centroid:  slices.Clone(c.centroid),
			Checksums: sums,
		})
	}
	return m
}

// Restore replaces the partition with a persisted membership reconciled
// against the live faces of the source. Members that are no longer live are
// dropped, clusters left empty are not recreated, and live faces absent from
// the membership are assigned in ascending id order. Members whose vector no
// longer matches the persisted checksum are taken out of their cluster and
// assigned again the same way. A persisted centroid is reused only when every
// member of its cluster is kept, so restoring an unchanged snapshot
// reproduces the exact same representatives.
func (g *Graph) Restore(ctx context.Context, m Membership) (RestoreReport, error) {
	g.mu.RLock()
	cfg := g.st.cfg
	g.mu.RUnlock()

	var report RestoreReport
	shadow := newState(cfg, g.space, m.NextID)

	records := slices.Clone(m.Clusters)
	slices.SortFunc(records, func(a, b Record) int { return cmp.Compare(a.ID, b.ID) })

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return RestoreReport{}, err
		}
		if rec.ID < 1 {
			return RestoreReport{}, fmt.Errorf("invalid cluster id %d in membership", rec.ID)
		}
		if _, dup := shadow.clusters[rec.ID]; dup {
			return RestoreReport{}, fmt.Errorf("duplicate cluster id %d in membership", rec.ID)
		}
		// Ids of clusters that do not come back are still never handed out again.
		shadow.nextID = max(shadow.nextID, rec.ID+1)

		var sums map[string]uint32
		if len(rec.Checksums) == len(rec.Members) {
			sums = make(map[string]uint32, len(rec.Members))
			for i, f := range rec.Members {
				sums[f] = rec.Checksums[i]
			}
		}

		members := slices.Clone(rec.Members)
		slices.Sort(members)
		members = slices.Compact(members)

		kept := make([]string, 0, len(members))
		for _, f := range members {
			if _, taken := shadow.faceOf[f]; taken {
				report.Conflicts++
				continue
			}
			v, ok := g.source.Vector(f)
			if !ok {
				report.Stale++
				continue
			}
			if sum, ok := sums[f]; ok && sum != vector.Checksum(v) {
				report.Changed++
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			continue
		}

		centroid := rec.Centroid
		if len(kept) != len(members) || g.space.Check(centroid) != nil {
			centroid, _ = centroidOf(g.source, kept, nil)
		}
		if err := shadow.insert(rec.ID, rec.Label, slices.Clone(centroid), kept); err != nil {
			return RestoreReport{}, err
		}
	}

	for _, face := range g.source.IDs() {
		if err := ctx.Err(); err != nil {
			return RestoreReport{}, err
		}
		if _, ok := shadow.faceOf[face]; ok {
			continue
		}
		v, ok := g.source.Vector(face)
		if !ok {
			continue
		}
		if _, err := shadow.assign(face, v); err != nil {
			return RestoreReport{}, fmt.Errorf("assigning face %q: %w", face, err)
		}
		report.Assigned++
	}

	g.mu.Lock()
	g.st = shadow
	report.Clusters = len(shadow.clusters)
	report.Faces = len(shadow.faceOf)
	g.mu.Unlock()

	g.log.Info("cluster membership restored",
		zap.Int("clusters", report.Clusters),
		zap.Int("faces", report.Faces),
		zap.Int("changed", report.Changed),
		zap.Int("stale", report.Stale),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("assigned", report.Assigned))
	return report, nil
}

// insert recreates a persisted cluster under its original id.
func (s *state) insert(id ID, label string, centroid []float32, faces []string) error {
	if err := s.reps.Add(id, centroid); err != nil {
		return fmt.Errorf("cluster %d centroid: %w", id, err)
	}
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
	s.nextID = max(s.nextID, id+1)
	return nil
}
