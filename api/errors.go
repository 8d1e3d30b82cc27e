package api

import "errors"

// Error kinds returned by every public operation. Callers discriminate with
// errors.Is; the concrete error usually wraps one of these with context.
var (
	// ErrBadPath reports a malformed path or a traversal through a
	// location that is not a group.
	ErrBadPath = errors.New("bad path")
	// ErrNotFound reports a missing name or index.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a link name collision within one group.
	ErrAlreadyExists = errors.New("already exists")
	// ErrWrongKind reports a handle or location of the wrong object kind.
	ErrWrongKind = errors.New("wrong object kind")
	// ErrExtentExceeded reports dataset growth past its maximum extent.
	ErrExtentExceeded = errors.New("extent exceeds maximum")
	// ErrStale reports a reader whose epoch fell out of the retention window.
	ErrStale = errors.New("reader epoch is stale")
	// ErrIOFailure reports a storage back-end failure.
	ErrIOFailure = errors.New("storage I/O failure")
	// ErrInconsistent reports a checkpoint or chunk that failed validation.
	ErrInconsistent = errors.New("container is inconsistent")
	// ErrOutOfRange reports an index outside [0, count).
	ErrOutOfRange = errors.New("index out of range")
	// ErrInvalidArgument reports an argument the operation cannot accept.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidHandle reports an unknown or already closed handle ID.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrReadOnly reports a mutation attempted through a reader.
	ErrReadOnly = errors.New("container is open read-only")
)
