package check

import "time"

// EvidenceRef is one evidence read recorded for provenance.
type EvidenceRef struct {
	Path      string `json:"path"`
	LockerURL string `json:"locker_url"`
}

// ExecutionNode records one sub-test execution: identity, terminal
// status, findings, the evidence read (in declaration order), and
// timestamps. Nodes are immutable once finalized by the runner.
type ExecutionNode struct {
	RunID     string        `json:"run_id"`
	CheckID   string        `json:"check_id"`
	TestID    string        `json:"test_id"`
	Status    Status        `json:"status"`
	Failures  []string      `json:"failures,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Error     string        `json:"error,omitempty"`
	Evidence  []EvidenceRef `json:"evidence,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}
