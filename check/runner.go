package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ComplianceAsCode/auditree-framework/controls"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

const defaultWorkers = 4

// Runner executes registered checks against one locker and aggregates the
// results per accreditation.
type Runner struct {
	locker   *locker.Locker
	controls *controls.Descriptor
	checks   []Check
	ids      map[string]bool

	accreditations []string
	workers        int
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers bounds the check worker pool. Sub-tests of one check always
// run sequentially; the bound applies across checks.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithAccreditations restricts the run to checks mapped to any of the
// given accreditations. Defaults to every accreditation in the controls
// mapping.
func WithAccreditations(accreditations ...string) Option {
	return func(r *Runner) {
		r.accreditations = append(r.accreditations, accreditations...)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a check runner over a locker and a controls mapping.
func NewRunner(lk *locker.Locker, d *controls.Descriptor, opts ...Option) *Runner {
	r := &Runner{
		locker:   lk,
		controls: d,
		ids:      make(map[string]bool),
		workers:  defaultWorkers,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r
}

func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Register adds a check to the runner. Check IDs must be unique and each
// check needs at least one sub-test.
func (r *Runner) Register(c Check) error {
	if c.ID == "" {
		return errors.New("check: check has no ID")
	}
	if len(c.Tests) == 0 {
		return fmt.Errorf("check: %s has no tests", c.ID)
	}
	if r.ids[c.ID] {
		return fmt.Errorf("check: %s already registered", c.ID)
	}
	r.ids[c.ID] = true
	r.checks = append(r.checks, c)
	return nil
}

// Run executes every registered check mapped to a selected accreditation
// and returns the aggregated results. Check failures and errors are
// captured in the results; Run itself only fails on cancellation.
func (r *Runner) Run(ctx context.Context) (*Results, error) {
	runID := uuid.NewString()
	startedAt := r.now().UTC()

	accreditations := r.accreditations
	if len(accreditations) == 0 {
		accreditations = r.controls.Accreditations()
	}
	mapped := make(map[string]bool)
	for _, id := range r.controls.Checks(accreditations...) {
		mapped[id] = true
	}
	var selected []Check
	for _, c := range r.checks {
		if mapped[c.ID] {
			selected = append(selected, c)
		}
	}
	r.log().Info("check phase starting", "run_id", runID,
		"accreditations", len(accreditations), "checks", len(selected), "workers", r.workers)

	results := make([]*CheckResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, c := range selected {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runCheck(gctx, runID, c)
			return nil
		})
	}
	err := g.Wait()

	agg := r.aggregate(runID, startedAt, accreditations, results)
	return agg, err
}

// runCheck executes one check's sub-tests in order.
func (r *Runner) runCheck(ctx context.Context, runID string, c Check) *CheckResult {
	res := &CheckResult{ID: c.ID, Title: c.Title}
	statuses := make([]Status, 0, len(c.Tests))
	for _, t := range c.Tests {
		node := ExecutionNode{
			RunID:     runID,
			CheckID:   c.ID,
			TestID:    t.ID,
			Status:    Running,
			StartedAt: r.now().UTC(),
		}
		cc := &Context{locker: r.locker}

		if err := runTest(ctx, t, cc); err != nil {
			cerr := &Error{CheckID: c.ID, TestID: t.ID, Err: err}
			node.Status = Errored
			node.Error = cerr.Error()
			r.log().Error("check errored", "check", c.ID, "test", t.ID, "error", err)
		} else {
			node.Status = cc.status()
		}
		node.Failures = cc.Failures()
		node.Warnings = cc.Warnings()
		node.Evidence = cc.evidenceRefs()
		node.EndedAt = r.now().UTC()

		statuses = append(statuses, node.Status)
		res.Tests = append(res.Tests, node)
	}
	res.Status = Rollup(statuses...)
	r.log().Info("check finished", "check", c.ID, "status", res.Status)
	return res
}

// runTest confines panics in check logic to the sub-test.
func runTest(ctx context.Context, t Test, cc *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if t.Run == nil {
		return errors.New("check: test has no run function")
	}
	return t.Run(ctx, cc)
}

// aggregate builds the accreditation -> check -> sub-test result tree and
// rolls statuses up each level.
func (r *Runner) aggregate(runID string, startedAt time.Time, accreditations []string, results []*CheckResult) *Results {
	agg := &Results{
		RunID:          runID,
		StartedAt:      startedAt,
		EndedAt:        r.now().UTC(),
		Accreditations: make(map[string]*AccreditationResult, len(accreditations)),
	}
	for _, accred := range accreditations {
		mapped := make(map[string]bool)
		for _, id := range r.controls.Checks(accred) {
			mapped[id] = true
		}
		ar := &AccreditationResult{Checks: make(map[string]*CheckResult)}
		statuses := make([]Status, 0, len(results))
		for _, res := range results {
			if res == nil || !mapped[res.ID] {
				continue
			}
			ar.Checks[res.ID] = res
			statuses = append(statuses, res.Status)
		}
		ar.Status = Rollup(statuses...)
		agg.Accreditations[accred] = ar
	}
	return agg
}
