package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, "evidence-locker", cfg.Locker.DirName)
	assert.Equal(t, "master", cfg.Locker.Branch)
	assert.Equal(t, ModeLocal, cfg.Locker.Mode)
	assert.Equal(t, 4, cfg.Fetch.Workers)
	assert.Equal(t, 60*time.Second, cfg.Fetch.Timeout())
}

func TestParseMergesOverDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{
		"locker": {
			"dirname": "acme-evidence",
			"mode": "full-remote",
			"repo_url": "https://github.example/acme/evidence.git",
			"ttl_tolerance": 600
		},
		"org": {"github": {"orgs": ["acme"]}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "acme-evidence", cfg.Locker.DirName)
	assert.Equal(t, ModeFullRemote, cfg.Locker.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Locker.TTLTolerance())
	assert.Equal(t, "master", cfg.Locker.Branch, "unset fields keep their defaults")
	assert.Equal(t, 4, cfg.Fetch.Workers)
}

func TestParseValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown mode", `{"locker": {"mode": "sideways"}}`},
		{"negative tolerance", `{"locker": {"ttl_tolerance": -1}}`},
		{"zero workers", `{"fetch": {"workers": 0}}`},
		{"empty dirname", `{"locker": {"dirname": ""}}`},
		{"malformed json", `{"locker":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"org": {"github": {"orgs": ["acme"], "api": "https://api.github.example"}}}`))
	require.NoError(t, err)

	assert.Equal(t, []any{"acme"}, cfg.Get("org.github.orgs"))
	assert.Nil(t, cfg.Get("org.gitlab.orgs"))
	assert.Equal(t, "https://api.github.example", cfg.GetString("org.github.api", "fallback"))
	assert.Equal(t, "fallback", cfg.GetString("org.github.absent", "fallback"))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auditree.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"locker": {"dirname": "from-file"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Locker.DirName)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	creds, err := ParseCredentials([]byte(
		"[github]\ntoken = tok-123\n\n[jenkins]\nusername = ci\npassword = hunter2\n"))
	require.NoError(t, err)

	t.Run("token section", func(t *testing.T) {
		t.Parallel()
		cred, err := creds.Section("github")
		require.NoError(t, err)
		assert.Equal(t, "tok-123", cred.Token)

		token, err := creds.Token("github")
		require.NoError(t, err)
		assert.Equal(t, "tok-123", token)
	})

	t.Run("basic section", func(t *testing.T) {
		t.Parallel()
		cred, err := creds.Section("jenkins")
		require.NoError(t, err)
		assert.Equal(t, "ci", cred.Username)
		assert.Equal(t, "hunter2", cred.Password)

		token, err := creds.Token("jenkins")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", token, "token falls back to the password")
	})

	t.Run("missing section", func(t *testing.T) {
		t.Parallel()
		_, err := creds.Section("gitlab")
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("basic auth for git transport", func(t *testing.T) {
		t.Parallel()
		cred, err := creds.Section("github")
		require.NoError(t, err)
		auth, ok := cred.BasicAuth().(*githttp.BasicAuth)
		require.True(t, ok)
		assert.Equal(t, "tok-123", auth.Password)

		cred, err = creds.Section("jenkins")
		require.NoError(t, err)
		auth, ok = cred.BasicAuth().(*githttp.BasicAuth)
		require.True(t, ok)
		assert.Equal(t, "ci", auth.Username)
		assert.Equal(t, "hunter2", auth.Password)
	})
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	t.Parallel()

	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err, "missing credentials file is fine for local runs")
	_, err = creds.Section("github")
	assert.ErrorIs(t, err, ErrNoCredential)
}
