package index

import (
	"fmt"
	"io"

	"github.com/coder/hnsw"
)

// candidateGraph wraps the HNSW graph used for approximate candidate
// generation. Nodes are keyed by slot; tombstoned slots stay in the graph
// until the next compaction and are filtered by the caller.
type candidateGraph struct {
	graph *hnsw.Graph[uint32]
}

func newCandidateGraph() *candidateGraph {
	g := hnsw.NewGraph[uint32]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return &candidateGraph{graph: g}
}

func (c *candidateGraph) add(slot uint32, unit []float32) {
	c.graph.Add(hnsw.MakeNode(slot, unit))
}

// search returns up to k candidate slots, nearest first.
func (c *candidateGraph) search(query []float32, k int) []uint32 {
	n := c.graph.Len()
	if n == 0 {
		return nil
	}
	k = min(k, n)

	neighbors := c.graph.Search(query, k)
	slots := make([]uint32, len(neighbors))
	for i, node := range neighbors {
		slots[i] = node.Key
	}
	return slots
}

func (c *candidateGraph) len() int { return c.graph.Len() }

func (c *candidateGraph) export(w io.Writer) error {
	if err := c.graph.Export(w); err != nil {
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}
	return nil
}

// loadCandidateGraph reads a graph written by export.
func loadCandidateGraph(path string) (*candidateGraph, error) {
	saved, err := hnsw.LoadSavedGraph[uint32](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load HNSW graph: %w", err)
	}
	g := saved.Graph
	g.EfSearch = HNSWEfSearch
	return &candidateGraph{graph: g}, nil
}
