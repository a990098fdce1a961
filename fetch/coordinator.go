// Package fetch runs the fetch phase: every selected fetcher produces its
// evidence unless the locker already holds a fresh version.
//
// Fetchers are registered explicitly against evidence paths. The
// coordinator filters them with include/exclude globs, deduplicates
// concurrent fetches of the same path, runs them on a bounded worker
// pool, and commits each result to the locker. A fetcher failure is
// recorded and the prior cached version stays authoritative; only locker
// synchronization failures abort the run.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

const defaultWorkers = 4

// OutcomeKind classifies how a fetch ended.
type OutcomeKind int

// Fetch outcome kinds.
const (
	// Ok means fresh evidence is in the locker, fetched or cached.
	Ok OutcomeKind = iota

	// Recoverable means the fetch failed but the run continues; any prior
	// cached version stays authoritative.
	Recoverable

	// Fatal means the locker could not commit or synchronize. The run
	// stops.
	Fatal
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one fetcher for one run.
type Outcome struct {
	Path     string
	Kind     OutcomeKind
	Cached   bool
	CommitID string
	Err      error
}

// Coordinator drives the fetch phase against one locker.
type Coordinator struct {
	registry *Registry
	locker   *locker.Locker
	session  *Context
	workers  int
	include  []glob.Glob
	exclude  []glob.Glob
	logger   *slog.Logger

	group singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithSession sets the shared fetch session. Defaults to a bare session
// with no credentials.
func WithSession(session *Context) Option {
	return func(c *Coordinator) error {
		if session != nil {
			c.session = session
		}
		return nil
	}
}

// WithWorkers bounds the fetcher worker pool.
func WithWorkers(n int) Option {
	return func(c *Coordinator) error {
		if n > 0 {
			c.workers = n
		}
		return nil
	}
}

// WithInclude restricts the run to evidence paths matching any of the
// glob patterns. No include patterns means all registered fetchers run.
func WithInclude(patterns ...string) Option {
	return func(c *Coordinator) error {
		globs, err := compileGlobs(patterns)
		if err != nil {
			return err
		}
		c.include = append(c.include, globs...)
		return nil
	}
}

// WithExclude skips evidence paths matching any of the glob patterns.
// Exclusion wins over inclusion.
func WithExclude(patterns ...string) Option {
	return func(c *Coordinator) error {
		globs, err := compileGlobs(patterns)
		if err != nil {
			return err
		}
		c.exclude = append(c.exclude, globs...)
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = logger
		return nil
	}
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("fetch: compile pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// NewCoordinator creates a fetch coordinator over a registry and a locker.
func NewCoordinator(registry *Registry, lk *locker.Locker, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		registry: registry,
		locker:   lk,
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.session == nil {
		c.session = NewContext()
	}
	c.session.locker = lk
	return c, nil
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// selected returns the registrations matching the include/exclude filters,
// in registration order.
func (c *Coordinator) selected() []*registration {
	var out []*registration
	for _, reg := range c.registry.all() {
		if !c.matches(reg.path) {
			continue
		}
		out = append(out, reg)
	}
	return out
}

func (c *Coordinator) matches(path string) bool {
	for _, g := range c.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, g := range c.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Run executes the fetch phase and returns one outcome per selected
// fetcher. Fetchers blocked on another fetcher's evidence are rerun in
// later rounds until no round makes progress. Run returns an error only
// when a locker commit or synchronization fails, or the context is
// canceled; fetcher failures are reported through outcomes.
func (c *Coordinator) Run(ctx context.Context) ([]Outcome, error) {
	pending := c.selected()
	c.log().Info("fetch phase starting", "fetchers", len(pending), "workers", c.workers)

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	for len(pending) > 0 {
		var (
			rerun    []*registration
			blocked  []Outcome
			progress bool
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for _, reg := range pending {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out := c.fetchOne(gctx, reg)

				var dep *DependencyError
				if out.Kind == Recoverable && errors.As(out.Err, &dep) {
					mu.Lock()
					rerun = append(rerun, reg)
					blocked = append(blocked, out)
					mu.Unlock()
					c.log().Info("fetch queued for rerun", "path", reg.path, "needs", dep.Needs)
					return nil
				}

				mu.Lock()
				outcomes = append(outcomes, out)
				if out.Kind == Ok {
					progress = true
				}
				mu.Unlock()
				if out.Kind == Fatal {
					return out.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outcomes, err
		}
		if len(rerun) > 0 && !progress {
			// No new evidence landed this round; the remaining reruns can
			// never be satisfied.
			outcomes = append(outcomes, blocked...)
			break
		}
		pending = rerun
	}
	return outcomes, nil
}

// fetchOne runs one fetcher, deduplicating concurrent fetches of the same
// evidence path.
func (c *Coordinator) fetchOne(ctx context.Context, reg *registration) Outcome {
	v, _, _ := c.group.Do(reg.path, func() (any, error) {
		return c.fetch(ctx, reg), nil
	})
	return v.(Outcome)
}

func (c *Coordinator) fetch(ctx context.Context, reg *registration) (out Outcome) {
	out = Outcome{Path: reg.path, Kind: Ok}
	stored := c.locker.StoragePath(reg.path)
	if c.locker.Fresh(stored, reg.ttl) {
		out.Cached = true
		c.log().Debug("evidence is fresh, fetch skipped", "path", reg.path)
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Path: reg.path,
				Kind: Recoverable,
				Err:  &Error{Path: reg.path, Err: fmt.Errorf("panic: %v", r)},
			}
			c.log().Error("fetcher panicked", "path", reg.path, "panic", r)
		}
	}()

	content, err := reg.fn(ctx, c.session)
	if err != nil {
		var dep *DependencyError
		if !errors.As(err, &dep) {
			err = &Error{Path: reg.path, Err: err}
			c.log().Warn("fetch failed", "path", reg.path, "error", err)
		}
		return Outcome{Path: reg.path, Kind: Recoverable, Err: err}
	}

	e := c.newEvidence(reg)
	if err := e.SetContent(content); err != nil {
		return Outcome{Path: reg.path, Kind: Recoverable, Err: &Error{Path: reg.path, Err: err}}
	}
	commitID, err := c.locker.Put(e)
	if err != nil {
		if errors.Is(err, locker.ErrSync) {
			return Outcome{Path: reg.path, Kind: Fatal, Err: err}
		}
		return Outcome{Path: reg.path, Kind: Recoverable, Err: &Error{Path: reg.path, Err: err}}
	}
	out.CommitID = commitID
	c.log().Info("evidence fetched", "path", reg.path, "commit", commitID)
	return out
}

func (c *Coordinator) newEvidence(reg *registration) *evidence.Evidence {
	opts := []evidence.Option{
		evidence.WithTTL(reg.ttl),
		evidence.WithDescription(reg.description),
	}
	if reg.binary {
		opts = append(opts, evidence.WithBinaryContent())
	}
	return evidence.New(reg.kind, reg.category, reg.name, opts...)
}
