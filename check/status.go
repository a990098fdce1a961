package check

import (
	"encoding/json"
	"fmt"
)

// Status is the execution state of a check, sub-test, or accreditation.
// The terminal values are ordered by severity, so the rollup of a set of
// statuses is simply their maximum.
type Status int

// Statuses, in severity order.
const (
	NotRun Status = iota
	Running
	Passed
	Warned
	Failed
	Errored
)

var statusNames = map[Status]string{
	NotRun:  "not_run",
	Running: "running",
	Passed:  "passed",
	Warned:  "warned",
	Failed:  "failed",
	Errored: "errored",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status is a final execution state.
func (s Status) Terminal() bool {
	return s >= Passed
}

// MarshalJSON renders the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a status from its string name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("check: unknown status %q", name)
}

// Rollup returns the max-severity status of the set: Errored > Failed >
// Warned > Passed. An empty set is NotRun.
func Rollup(statuses ...Status) Status {
	rolled := NotRun
	for _, s := range statuses {
		if s > rolled {
			rolled = s
		}
	}
	return rolled
}
