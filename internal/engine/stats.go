package engine

import (
	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// Stats summarises the engine state.
type Stats struct {
	Backend  string         `json:"backend"`
	Indexes  []index.Stats  `json:"indexes"`
	Clusters cluster.Stats  `json:"clusters"`
	Objects  map[string]int `json:"objects"`
}

// Stats returns counts per kind, cluster figures and object class counts.
func (e *Engine) Stats() Stats {
	s := Stats{
		Backend:  e.backend.Name(),
		Indexes:  make([]index.Stats, 0, len(vector.Kinds)),
		Clusters: e.graph.Stats(),
		Objects:  e.classes.Counts(),
	}
	for _, kind := range vector.Kinds {
		s.Indexes = append(s.Indexes, e.domains[kind].index.Stats())
	}
	return s
}

// ClusterOf returns the cluster of a face.
func (e *Engine) ClusterOf(face string) (cluster.ID, bool) {
	return e.graph.ClusterOf(face)
}

// SearchClass returns the entities carrying an object class.
func (e *Engine) SearchClass(class string, minConfidence float32, limit int) ([]ClassHit, error) {
	return e.classes.Search(class, minConfidence, limit)
}
