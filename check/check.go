// Package check runs the check phase: compliance checks execute against
// locker evidence and their results roll up into per-accreditation
// reports.
//
// A check is an identifier plus ordered sub-tests. Sub-tests of one check
// run sequentially; distinct checks run concurrently on a bounded worker
// pool. A panic or returned error inside check logic marks that sub-test
// Errored and never aborts the run. Checks never start before the fetch
// phase has completed.
package check

import (
	"context"
	"fmt"
	"sync"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

// Error records a failure of check logic itself, as opposed to a failed
// assertion about evidence. It is recorded as an Errored sub-test.
type Error struct {
	CheckID string
	TestID  string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("check %s/%s: %v", e.CheckID, e.TestID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Test is one ordered sub-test of a check. The run function reads
// evidence through the supplied context and reports findings with Fail
// and Warn; a returned error marks the sub-test Errored.
type Test struct {
	ID  string
	Run func(ctx context.Context, t *Context) error
}

// Check is a named compliance check: an identifier, a human-readable
// title, and ordered sub-tests.
type Check struct {
	ID    string
	Title string
	Tests []Test
}

// Context is the execution context handed to each sub-test. It reads
// evidence with provenance recording and accumulates findings.
type Context struct {
	locker *locker.Locker

	mu       sync.Mutex
	failures []string
	warnings []string
	evidence []EvidenceRef
}

// Evidence reads an evidence record and records its provenance on the
// sub-test's execution node. Stale evidence is an error: checks only ever
// reason over evidence the fetch phase verified fresh.
func (c *Context) Evidence(path string) (*evidence.Evidence, error) {
	stored := c.locker.StoragePath(path)
	c.mu.Lock()
	c.evidence = append(c.evidence, EvidenceRef{Path: stored, LockerURL: c.locker.URL()})
	c.mu.Unlock()

	if !c.locker.Fresh(stored, 0) {
		return nil, fmt.Errorf("%w: %s", locker.ErrStale, path)
	}
	return c.locker.Get(stored)
}

// Fail records a failed assertion. The sub-test finishes as Failed.
func (c *Context) Fail(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, fmt.Sprintf(format, args...))
}

// Warn records a finding that needs attention without failing the
// sub-test. The sub-test finishes as Warned unless it also failed.
func (c *Context) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Failures returns the recorded failures in order.
func (c *Context) Failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.failures))
	copy(out, c.failures)
	return out
}

// Warnings returns the recorded warnings in order.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// status derives the terminal status of a sub-test that ran to
// completion.
func (c *Context) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case len(c.failures) > 0:
		return Failed
	case len(c.warnings) > 0:
		return Warned
	default:
		return Passed
	}
}

func (c *Context) evidenceRefs() []EvidenceRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EvidenceRef, len(c.evidence))
	copy(out, c.evidence)
	return out
}
