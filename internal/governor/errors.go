package governor

import "errors"

// Admission control errors. Both are user-facing and non-fatal: the request
// is refused before any work starts, never dropped silently.
var (
	// ErrRateLimited is returned when the per-user window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCapacity is returned when no global search slot frees up within
	// the acquire timeout.
	ErrCapacity = errors.New("search capacity exhausted")
)
