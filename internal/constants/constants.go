// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Search constants
const (
	// DefaultSearchLimit is the number of results returned when a query sets
	// neither k nor a minimum similarity
	DefaultSearchLimit = 20

	// MaxSearchLimit caps k on the HTTP API
	MaxSearchLimit = 1000

	// DefaultSimilarLimit is the default k for "similar to entity" lookups
	DefaultSimilarLimit = 10
)

// Ingest constants
const (
	// IngestBatchSize is the number of JSONL records handed to the engine at once
	IngestBatchSize = 500

	// MaxIngestLineSize is the longest JSONL line accepted by the ingest command (a
	// 768-d vector with full float precision is roughly 10KB)
	MaxIngestLineSize = 1 << 20
)

// Face detection constants
const (
	// MinFaceWidthPx is the narrowest detected face, in pixels, that is stored
	MinFaceWidthPx = 35
)
