// Package constants provides shared constants used across the codebase.
package constants

import "time"

// Handler constants
const (
	// MaxRequestBodySize is the largest JSON body accepted by the API (32MB)
	MaxRequestBodySize = 32 << 20

	// MaxImageUploadSize is the largest example image accepted by image search (20MB)
	MaxImageUploadSize = 20 << 20

	// MaxBatchRecords is the maximum number of records in one batch request
	MaxBatchRecords = 10000

	// RequestTimeout bounds every API request except SSE streams
	RequestTimeout = 60 * time.Second
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for job event channels
	EventChannelBuffer = 100

	// JobRetention is how long finished jobs stay queryable
	JobRetention = time.Hour
)
