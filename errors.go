package auditree

import (
	"github.com/ComplianceAsCode/auditree-framework/agent"
	"github.com/ComplianceAsCode/auditree-framework/check"
	"github.com/ComplianceAsCode/auditree-framework/fetch"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

// Sentinel errors re-exported from locker.
var (
	// ErrNotFound is returned when no evidence exists at the requested path.
	ErrNotFound = locker.ErrNotFound

	// ErrStaleEvidence is returned when evidence exists but its time to
	// live has expired.
	ErrStaleEvidence = locker.ErrStale

	// ErrLockerSync is returned when remote synchronization fails after
	// the retry budget is exhausted. It is fatal to the run.
	ErrLockerSync = locker.ErrSync
)

// Sentinel errors re-exported from agent.
var (
	// ErrIntegrity is returned when a digest or signature does not match
	// stored evidence content.
	ErrIntegrity = agent.ErrIntegrity

	// ErrUnknownAgent is returned when no public key is registered for the
	// agent named by a signed record.
	ErrUnknownAgent = agent.ErrUnknownAgent
)

// Error types re-exported from the phase packages.
type (
	// FetchError records a fetcher failure. Recorded, non-fatal: the prior
	// cached version stays authoritative.
	FetchError = fetch.Error

	// CheckError records a failure of check logic itself. Recorded as an
	// Errored sub-test, non-fatal.
	CheckError = check.Error
)
