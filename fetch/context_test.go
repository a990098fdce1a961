package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComplianceAsCode/auditree-framework/config"
)

func testCredentials(t *testing.T) *config.Credentials {
	t.Helper()
	creds, err := config.ParseCredentials([]byte(
		"[github]\ntoken = tok-123\n\n[jenkins]\nusername = ci\npassword = hunter2\n"))
	require.NoError(t, err)
	return creds
}

func TestNewRequest(t *testing.T) {
	t.Parallel()

	session := NewContext(WithCredentials(testCredentials(t)))
	ctx := context.Background()

	t.Run("token becomes bearer auth", func(t *testing.T) {
		t.Parallel()
		req, err := session.NewRequest(ctx, http.MethodGet, "https://api.github.test/orgs", "github")
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-123", req.Header.Get("Authorization"))
	})

	t.Run("username and password become basic auth", func(t *testing.T) {
		t.Parallel()
		req, err := session.NewRequest(ctx, http.MethodGet, "https://jenkins.test/api", "jenkins")
		require.NoError(t, err)
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "ci", user)
		assert.Equal(t, "hunter2", pass)
	})

	t.Run("unknown section stays unauthenticated", func(t *testing.T) {
		t.Parallel()
		req, err := session.NewRequest(ctx, http.MethodGet, "https://other.test/", "missing")
		require.NoError(t, err)
		assert.Empty(t, req.Header.Get("Authorization"))
	})
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs":
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			w.Write([]byte(`{"orgs":["compliance"]}`))
		case "/html":
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	session := NewContext(
		WithHTTPClient(srv.Client()),
		WithCredentials(testCredentials(t)),
	)
	defer session.Close()
	ctx := context.Background()

	t.Run("json body", func(t *testing.T) {
		body, err := session.GetJSON(ctx, srv.URL+"/orgs", "github")
		require.NoError(t, err)
		assert.JSONEq(t, `{"orgs":["compliance"]}`, string(body))
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		_, err := session.GetJSON(ctx, srv.URL+"/nope", "")
		assert.ErrorContains(t, err, "unexpected status")
	})

	t.Run("non-json body is an error", func(t *testing.T) {
		_, err := session.GetJSON(ctx, srv.URL+"/html", "")
		assert.ErrorContains(t, err, "not JSON")
	})
}
