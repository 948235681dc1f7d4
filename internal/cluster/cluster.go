// Package cluster maintains the online partition of face vectors into
// person clusters.
//
// A face joins the cluster whose representative is most similar to it when
// that similarity reaches the configured threshold, otherwise it starts a new
// cluster. Representatives are unit length centroids kept in a small exact
// index of their own. The graph references faces by id; their vectors are
// read from a VectorSource (the face similarity index).
package cluster

import (
	"fmt"

	"github.com/kozaktomas/photo-index/internal/vector"
)

// ID identifies a cluster. IDs are assigned in increasing order and never reused.
type ID int64

// Config holds the clustering parameters.
type Config struct {
	// Threshold is the minimum cosine similarity between a face and a cluster
	// representative for the face to join that cluster.
	Threshold float64
	// CandidateK is the number of nearest representatives considered.
	CandidateK int
}

// DefaultConfig returns the default clustering parameters.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, CandidateK: DefaultCandidateK}
}

// Clustering defaults.
const (
	DefaultThreshold  = 0.6
	DefaultCandidateK = 5
)

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Threshold < -1 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [-1, 1]", vector.ErrInvalidOperation, c.Threshold)
	}
	if c.CandidateK <= 0 {
		return fmt.Errorf("%w: candidate count must be positive, got %d", vector.ErrInvalidOperation, c.CandidateK)
	}
	return nil
}

// VectorSource provides the face vectors the graph clusters.
type VectorSource interface {
	// Vector returns the unit length vector of a live face.
	Vector(id string) ([]float32, bool)
	// IDs returns every live face id in ascending order.
	IDs() []string
}

// Cluster is the externally visible summary of a cluster.
type Cluster struct {
	ID    ID     `json:"id"`
	Label string `json:"label,omitempty"`
	Size  int    `json:"size"`
	// Representative is the member closest to the centroid.
	Representative string `json:"representative"`
}

// Record is the persisted form of one cluster.
type Record struct {
	ID       ID        `json:"id"`
	Label    string    `json:"label,omitempty"`
	Members  []string  `json:"members"`
	Centroid []float32 `json:"centroid,omitempty"`
	// Checksums holds vector.Checksum of each member's vector, parallel to
	// Members. Restore reassigns members whose vector changed since.
	Checksums []uint32 `json:"checksums,omitempty"`
}

// Membership is the persisted face to cluster map.
type Membership struct {
	NextID   ID       `json:"next_id"`
	Clusters []Record `json:"clusters"`
}

// Faces returns the total number of faces in the membership.
func (m Membership) Faces() int {
	n := 0
	for _, c := range m.Clusters {
		n += len(c.Members)
	}
	return n
}

// Stats summarises the graph.
type Stats struct {
	Clusters    int     `json:"clusters"`
	Faces       int     `json:"faces"`
	Labelled    int     `json:"labelled"`
	Singletons  int     `json:"singletons"`
	Largest     int     `json:"largest"`
	Threshold   float64 `json:"threshold"`
	NextCluster ID      `json:"next_cluster"`
}

func notFound(id ID) error {
	return fmt.Errorf("cluster %d: %w", id, vector.ErrNotFound)
}

func faceNotFound(face string) error {
	return vector.NotFoundError(vector.KindFace, face)
}
