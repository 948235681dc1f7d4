package index

// Index tuning parameters.
const (
	// DefaultCompactRatio is the share of tombstoned slots that triggers compaction.
	DefaultCompactRatio = 0.25

	// MinCompactSlots avoids compacting tiny indexes over and over.
	MinCompactSlots = 64

	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// SearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after tombstone filtering.
	SearchMultiplier = 3

	// MinGraphCandidates is the minimum HNSW search size for better recall.
	MinGraphCandidates = 100
)
