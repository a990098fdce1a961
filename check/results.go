package check

import (
	"time"

	"github.com/ComplianceAsCode/auditree-framework/internal/jsonutil"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

// ResultsFile is the locker path the result summary is committed to.
const ResultsFile = "check_results.json"

// CheckResult is the outcome of one check: the rollup status of its
// sub-tests plus the per-sub-test execution nodes.
type CheckResult struct {
	ID     string          `json:"id"`
	Title  string          `json:"title,omitempty"`
	Status Status          `json:"status"`
	Tests  []ExecutionNode `json:"tests"`
}

// AccreditationResult is the outcome of one accreditation: the rollup
// status of the checks mapped to it.
type AccreditationResult struct {
	Status Status                  `json:"status"`
	Checks map[string]*CheckResult `json:"checks"`
}

// Results is the aggregated outcome of one check phase. A check mapped to
// several accreditations ran once; each accreditation holds the same
// result.
type Results struct {
	RunID          string
	StartedAt      time.Time
	EndedAt        time.Time
	Accreditations map[string]*AccreditationResult
}

// Status rolls up the run: the max-severity status across accreditations.
func (r *Results) Status() Status {
	statuses := make([]Status, 0, len(r.Accreditations))
	for _, ar := range r.Accreditations {
		statuses = append(statuses, ar.Status)
	}
	return Rollup(statuses...)
}

// Document renders the summary document committed to the locker: a JSON
// object keyed by accreditation, in canonical form.
func (r *Results) Document() ([]byte, error) {
	return jsonutil.Format(r.Accreditations)
}

// Write commits the summary document to the locker root and returns the
// commit SHA.
func (r *Results) Write(l *locker.Locker) (string, error) {
	doc, err := r.Document()
	if err != nil {
		return "", err
	}
	return l.AddContent("", ResultsFile, doc)
}
