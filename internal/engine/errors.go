package engine

import "errors"

// Sentinel errors for query processing. Callers map these to transport
// status codes; anything else is an internal failure.
var (
	// ErrEmptyQuery indicates a blank query after trimming.
	ErrEmptyQuery = errors.New("empty query")

	// ErrGenerationTimeout indicates answer generation exceeded its
	// per-query deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrProcessingFailed indicates retrieval or generation failed for a
	// reason other than a timeout or an unavailable index.
	ErrProcessingFailed = errors.New("query processing failed")
)
