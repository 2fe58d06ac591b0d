package kb

import "errors"

// Sentinel errors classifying every failure surfaced by the knowledge-base
// core. Callers branch with errors.Is; concrete messages wrap these via
// fmt.Errorf("...: %w", kb.ErrX).
var (
	// ErrNotFound indicates an unknown knowledge base or file id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate knowledge-base name or a
	// duplicate file name within a knowledge base at the metadata layer.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates bad config values, a blank query, an
	// unsupported extension, or an oversized/empty file.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates a metadata or blob I/O failure, including the
	// failure of a compensating action.
	ErrStorage = errors.New("storage failure")

	// ErrExternalService indicates the embedding or vector backend is
	// unreachable or misconfigured.
	ErrExternalService = errors.New("external service failure")
)
