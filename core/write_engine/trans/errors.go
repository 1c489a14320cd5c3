package trans

import "errors"

// --- Error Definitions ---

var (
	// ErrInvalidCount is returned when a hold is attempted with a
	// budget that is malformed or could never fit in one segment by
	// itself. This is a caller bug, not a transient condition.
	ErrInvalidCount = errors.New("item count is invalid or cannot fit a single segment")

	// ErrShutdown is returned by operations issued after Close.
	ErrShutdown = errors.New("transaction core is shut down")
)
