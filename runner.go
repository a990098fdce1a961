package auditree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/ComplianceAsCode/auditree-framework/agent"
	"github.com/ComplianceAsCode/auditree-framework/check"
	"github.com/ComplianceAsCode/auditree-framework/config"
	"github.com/ComplianceAsCode/auditree-framework/controls"
	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/fetch"
	"github.com/ComplianceAsCode/auditree-framework/internal/jsonutil"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

// Runner wires a full run: configuration, locker, the fetch phase, and
// the check phase. Checks never start before every fetcher has finished.
type Runner struct {
	cfg      *config.Config
	creds    *config.Credentials
	registry *fetch.Registry
	checks   []check.Check
	controls *controls.Descriptor
	signer   *agent.Agent
	logger   *slog.Logger
	now      func() time.Time

	locker *locker.Locker
}

// Option configures a Runner.
type Option func(*Runner)

// WithFetchers sets the fetcher registry for the run.
func WithFetchers(registry *fetch.Registry) Option {
	return func(r *Runner) {
		if registry != nil {
			r.registry = registry
		}
	}
}

// WithChecks adds checks to the run.
func WithChecks(checks ...check.Check) Option {
	return func(r *Runner) {
		r.checks = append(r.checks, checks...)
	}
}

// WithControls sets the check-to-accreditation mapping.
func WithControls(d *controls.Descriptor) Option {
	return func(r *Runner) {
		if d != nil {
			r.controls = d
		}
	}
}

// WithCredentials attaches the credential set used for locker transport
// and fetcher sessions.
func WithCredentials(creds *config.Credentials) Option {
	return func(r *Runner) { r.creds = creds }
}

// WithSigningAgent overrides the signing identity built from
// configuration.
func WithSigningAgent(a *agent.Agent) Option {
	return func(r *Runner) { r.signer = a }
}

// WithLogger sets the structured logger shared by all run components.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Report is the outcome of one full run.
type Report struct {
	// Fetch holds one outcome per selected fetcher.
	Fetch []fetch.Outcome

	// Results is the aggregated check result tree.
	Results *check.Results

	// SummaryCommit is the locker commit carrying check_results.json.
	SummaryCommit string
}

// NewRunner builds a runner from validated configuration.
func NewRunner(cfg *config.Config, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("auditree: nil configuration")
	}
	r := &Runner{
		cfg:      cfg,
		registry: fetch.NewRegistry(),
		controls: controls.NewDescriptor(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}

	if r.signer == nil {
		signer, err := signerFromConfig(cfg.Agent)
		if err != nil {
			return nil, err
		}
		r.signer = signer
	}
	lk, err := r.buildLocker()
	if err != nil {
		return nil, err
	}
	r.locker = lk
	return r, nil
}

// Locker exposes the run's evidence locker.
func (r *Runner) Locker() *locker.Locker {
	return r.locker
}

func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

func signerFromConfig(cfg config.AgentConfig) (*agent.Agent, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	var opts []agent.Option
	if cfg.DisableAgentDir {
		opts = append(opts, agent.WithoutAgentDir())
	}
	a := agent.New(cfg.Name, opts...)
	if cfg.PrivateKeyFile != "" {
		pemData, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auditree: read agent key: %w", err)
		}
		if err := a.SetPrivateKeyPEM(pemData); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (r *Runner) buildLocker() (*locker.Locker, error) {
	lc := r.cfg.Locker
	localPath := lc.LocalPath
	if localPath == "" {
		localPath = filepath.Join(os.TempDir(), "compliance", lc.DirName)
	}

	opts := []locker.Option{
		locker.WithBranch(lc.Branch),
		locker.WithTTLTolerance(lc.TTLTolerance()),
		locker.WithMaxPartSize(lc.MaxPartSize),
		locker.WithCompression(lc.CompressMinSize),
		locker.WithForcedStale(lc.ForceStale...),
		locker.WithClock(r.now),
		locker.WithLogger(r.logger),
	}
	if lc.PushRetries > 0 {
		opts = append(opts, locker.WithPushRetries(uint64(lc.PushRetries)))
	}
	if lc.AuthorName != "" {
		opts = append(opts, locker.WithAuthor(lc.AuthorName, lc.AuthorEmail))
	}
	if r.signer != nil {
		opts = append(opts, locker.WithSigningAgent(r.signer))
	}
	if lc.Shallow {
		opts = append(opts, locker.WithShallow())
	}

	if lc.Mode != config.ModeLocal {
		if lc.RepoURL == "" {
			return nil, fmt.Errorf("auditree: locker mode %q requires a repo_url", lc.Mode)
		}
		opts = append(opts, locker.WithRemote(lc.RepoURL))
		if auth := r.transportAuth(lc.RepoURL); auth != nil {
			opts = append(opts, locker.WithAuth(auth))
		}
	}
	if lc.PriorRepoURL != "" {
		opts = append(opts, locker.WithPriorRemote(lc.PriorRepoURL))
	}
	if lc.Mode == config.ModeFullRemote {
		opts = append(opts, locker.WithPush())
	}
	return locker.New(localPath, opts...), nil
}

// transportAuth resolves git transport credentials for a remote URL from
// the credentials section named after its host.
func (r *Runner) transportAuth(repoURL string) transport.AuthMethod {
	if r.creds == nil {
		return nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return nil
	}
	cred, err := r.creds.Section(u.Hostname())
	if err != nil {
		return nil
	}
	return cred.BasicAuth()
}

// Run executes the full run: open and pull the locker, fetch phase,
// check phase, summary commit, and a final push in full-remote mode.
//
// Cancellation stops scheduling new fetches and checks; an in-flight
// locker commit always finishes. A locker synchronization failure is
// fatal and returned as ErrLockerSync.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	lk := r.locker
	if err := lk.Open(ctx); err != nil {
		return nil, err
	}
	if err := lk.Pull(ctx); err != nil {
		return nil, err
	}
	if err := r.registerAgentKey(); err != nil {
		return nil, err
	}

	session := fetch.NewContext(
		fetch.WithCredentials(r.creds),
		fetch.WithConfig(r.cfg),
		fetch.WithHTTPClient(&http.Client{Timeout: r.cfg.Fetch.Timeout()}),
	)
	defer session.Close()

	coordinator, err := fetch.NewCoordinator(r.registry, lk,
		fetch.WithSession(session),
		fetch.WithWorkers(r.cfg.Fetch.Workers),
		fetch.WithInclude(r.cfg.Fetch.Include...),
		fetch.WithExclude(r.cfg.Fetch.Exclude...),
		fetch.WithLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	report.Fetch, err = coordinator.Run(ctx)
	if err != nil {
		return report, err
	}

	// The fetch phase has fully completed; checks may start.
	checkRunner := check.NewRunner(lk, r.controls,
		check.WithWorkers(r.cfg.Check.Workers),
		check.WithAccreditations(r.cfg.Check.Accreditations...),
		check.WithLogger(r.logger),
		check.WithClock(r.now),
	)
	for _, c := range r.checks {
		if err := checkRunner.Register(c); err != nil {
			return report, err
		}
	}
	report.Results, err = checkRunner.Run(ctx)
	if err != nil {
		return report, err
	}

	report.SummaryCommit, err = report.Results.Write(lk)
	if err != nil {
		return report, err
	}
	if err := lk.Push(ctx); err != nil {
		return report, err
	}
	r.log().Info("run complete",
		"status", report.Results.Status().String(),
		"fetched", len(report.Fetch),
		"commit", report.SummaryCommit)
	return report, nil
}

// registerAgentKey publishes the signing agent's public key into the key
// registry evidence record when it is not registered yet, so evidence
// signed during this run verifies on later reads. The registry is a plain
// readable record at its reserved path.
func (r *Runner) registerAgentKey() error {
	if r.signer == nil || !r.signer.Signable() {
		return nil
	}
	pemData, err := r.signer.PublicKeyPEM()
	if err != nil {
		return err
	}

	keys := agent.KeySet{}
	if existing, err := r.locker.Get(agent.PublicKeysPath); err == nil {
		if keys, err = agent.ParseKeySet(existing.Content()); err != nil {
			return err
		}
	} else if !errors.Is(err, locker.ErrNotFound) {
		return err
	}
	if keys[r.signer.Name()] == string(pemData) {
		return nil
	}
	keys[r.signer.Name()] = string(pemData)

	doc, err := jsonutil.Format(keys)
	if err != nil {
		return err
	}
	kind, category, name, err := evidence.ParsePath(agent.PublicKeysPath)
	if err != nil {
		return err
	}
	record := evidence.New(kind, category, name,
		evidence.WithTTL(evidence.Year),
		evidence.WithDescription("agent public key registry"))
	if err := record.SetContent(doc); err != nil {
		return err
	}
	_, err = r.locker.Put(record)
	return err
}

// ParseResults parses a check_results.json document read back out of a
// locker.
func ParseResults(raw []byte) (map[string]*check.AccreditationResult, error) {
	var doc map[string]*check.AccreditationResult
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("auditree: parse results: %w", err)
	}
	return doc, nil
}
