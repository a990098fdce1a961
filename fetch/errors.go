package fetch

import "fmt"

// Error records a fetcher failure. Fetch failures are recoverable: the
// failing path keeps its prior cached version and the run continues.
type Error struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// DependencyError signals that a fetcher needs evidence another fetcher
// has not produced yet. The coordinator queues the fetcher for a rerun
// after the round completes instead of failing the run.
type DependencyError struct {
	// Needs is the evidence path the fetcher is waiting on.
	Needs string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("fetch: evidence dependency %s not yet available", e.Needs)
}
