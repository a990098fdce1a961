package locker

import "errors"

// Sentinel errors for locker operations.
var (
	// ErrNotFound is returned when no evidence exists at the requested path.
	ErrNotFound = errors.New("locker: evidence not found")

	// ErrHistoricalNotFound is returned when no committed version of the
	// evidence exists at or before the requested date.
	ErrHistoricalNotFound = errors.New("locker: historical evidence not found")

	// ErrStale is returned when evidence exists but its time to live has
	// expired.
	ErrStale = errors.New("locker: evidence is stale")

	// ErrSync is returned when remote synchronization (pull or push) fails
	// after the retry budget is exhausted. It is fatal to the run.
	ErrSync = errors.New("locker: remote synchronization failed")

	// ErrNoRemote is returned when a remote operation is requested on a
	// purely local locker.
	ErrNoRemote = errors.New("locker: no remote configured")
)
