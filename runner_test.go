package auditree

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComplianceAsCode/auditree-framework/agent"
	"github.com/ComplianceAsCode/auditree-framework/check"
	"github.com/ComplianceAsCode/auditree-framework/config"
	"github.com/ComplianceAsCode/auditree-framework/controls"
	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/fetch"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Locker.LocalPath = t.TempDir()
	return cfg
}

func reposCheck() check.Check {
	return check.Check{
		ID:    "checks.github.repos",
		Title: "repository inventory",
		Tests: []check.Test{
			{ID: "repos_present", Run: func(_ context.Context, c *check.Context) error {
				e, err := c.Evidence("raw/github/repos.json")
				if err != nil {
					return err
				}
				var doc struct {
					Repos []string `json:"repos"`
				}
				if err := json.Unmarshal(e.Content(), &doc); err != nil {
					return err
				}
				if len(doc.Repos) == 0 {
					c.Fail("no repositories in inventory")
				}
				return nil
			}},
		},
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	registry := fetch.NewRegistry()
	require.NoError(t, registry.Register("raw/github/repos.json", evidence.Day,
		func(context.Context, *fetch.Context) ([]byte, error) {
			return []byte(`{"repos":["api","web"]}`), nil
		}))
	d, err := controls.Parse([]byte(`{"checks.github.repos": ["soc2"]}`))
	require.NoError(t, err)

	runner, err := NewRunner(localConfig(t),
		WithFetchers(registry),
		WithChecks(reposCheck()),
		WithControls(d),
	)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Fetch, 1)
	assert.Equal(t, fetch.Ok, report.Fetch[0].Kind)
	assert.Equal(t, check.Passed, report.Results.Status())
	assert.Len(t, report.SummaryCommit, 40)

	raw, err := runner.Locker().GetContent("", check.ResultsFile)
	require.NoError(t, err)
	results, err := ParseResults(raw)
	require.NoError(t, err)
	require.Contains(t, results, "soc2")
	assert.Equal(t, check.Passed, results["soc2"].Status)
}

func TestRunCachesAcrossRuns(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	clock := func() time.Time { return now }
	lockerDir := t.TempDir()

	var calls int
	registry := fetch.NewRegistry()
	require.NoError(t, registry.Register("raw/github/repos.json", evidence.Day,
		func(context.Context, *fetch.Context) ([]byte, error) {
			calls++
			return []byte(`{"repos":["api"]}`), nil
		}))

	newRunner := func() *Runner {
		cfg := config.Default()
		cfg.Locker.LocalPath = lockerDir
		cfg.Fetch.Workers = 1
		r, err := NewRunner(cfg, WithFetchers(registry), WithClock(clock))
		require.NoError(t, err)
		return r
	}

	_, err := newRunner().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Within the ttl the cached evidence is reused.
	now = t0.Add(3600 * time.Second)
	report, err := newRunner().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, report.Fetch[0].Cached)

	// Past the ttl the evidence is refetched.
	now = t0.Add(90000 * time.Second)
	report, err = newRunner().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, report.Fetch[0].Cached)
}

func TestRunWithSigningAgent(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := agent.New("collector")
	require.NoError(t, signer.SetPrivateKeyPEM(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})))

	registry := fetch.NewRegistry()
	require.NoError(t, registry.Register("raw/github/repos.json", evidence.Day,
		func(context.Context, *fetch.Context) ([]byte, error) {
			return []byte(`{"repos":["api"]}`), nil
		}))

	runner, err := NewRunner(localConfig(t),
		WithFetchers(registry),
		WithSigningAgent(signer),
	)
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.NoError(t, err)

	lk := runner.Locker()
	reg, err := lk.Get(agent.PublicKeysPath)
	require.NoError(t, err, "the agent registers itself as a readable record at run start")
	keys, err := agent.ParseKeySet(reg.Content())
	require.NoError(t, err)
	assert.Contains(t, keys, "collector")

	got, err := lk.Get("agents/collector/raw/github/repos.json")
	require.NoError(t, err, "signed evidence verifies on read")
	assert.Equal(t, "collector", got.Agent)
}

func TestRunFetchFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	registry := fetch.NewRegistry()
	require.NoError(t, registry.Register("raw/github/down.json", evidence.Day,
		func(context.Context, *fetch.Context) ([]byte, error) {
			return nil, assert.AnError
		}))

	runner, err := NewRunner(localConfig(t), WithFetchers(registry))
	require.NoError(t, err)
	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Fetch, 1)
	assert.Equal(t, fetch.Recoverable, report.Fetch[0].Kind)
	var ferr *FetchError
	assert.ErrorAs(t, report.Fetch[0].Err, &ferr)
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Locker.Mode = config.ModeFullRemote
	_, err = NewRunner(cfg)
	assert.ErrorContains(t, err, "repo_url", "remote modes require a remote URL")
}
