package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ComplianceAsCode/auditree-framework/config"
	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/locker"
)

// Context is the shared session fetchers run against: one HTTP client and
// one credential set, acquired at run start and released at run end.
type Context struct {
	client *http.Client
	creds  *config.Credentials
	cfg    *config.Config
	locker *locker.Locker
}

// ContextOption configures a session Context.
type ContextOption func(*Context)

// WithHTTPClient sets the HTTP client fetchers share. Defaults to a client
// with a 60 second timeout.
func WithHTTPClient(client *http.Client) ContextOption {
	return func(c *Context) {
		if client != nil {
			c.client = client
		}
	}
}

// WithCredentials attaches the credential set fetchers authenticate with.
func WithCredentials(creds *config.Credentials) ContextOption {
	return func(c *Context) { c.creds = creds }
}

// WithConfig attaches the run configuration for fetchers that read
// organization settings.
func WithConfig(cfg *config.Config) ContextOption {
	return func(c *Context) { c.cfg = cfg }
}

// NewContext creates the shared fetch session.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// HTTPClient returns the shared HTTP client.
func (c *Context) HTTPClient() *http.Client {
	return c.client
}

// Credentials returns the run's credential set, which may be nil for
// purely local runs.
func (c *Context) Credentials() *config.Credentials {
	return c.creds
}

// Config returns the run configuration, which may be nil in tests.
func (c *Context) Config() *config.Config {
	return c.cfg
}

// Close releases the session's idle connections. Called once at run end.
func (c *Context) Close() {
	c.client.CloseIdleConnections()
}

// NewRequest builds an HTTP request authenticated with the named
// credentials section. Token credentials become a bearer token; basic
// credentials become HTTP basic auth. An empty section leaves the request
// unauthenticated.
func (c *Context) NewRequest(ctx context.Context, method, url, section string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request %s: %w", url, err)
	}
	if section == "" || c.creds == nil {
		return req, nil
	}
	cred, err := c.creds.Section(section)
	if err != nil {
		if errors.Is(err, config.ErrNoCredential) {
			return req, nil
		}
		return nil, err
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	} else {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
	return req, nil
}

// GetJSON fetches a URL authenticated with the named credentials section
// and returns the response body. Non-2xx responses are errors.
func (c *Context) GetJSON(ctx context.Context, url, section string) ([]byte, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, url, section)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: get %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read %s: %w", url, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch: get %s: response is not JSON", url)
	}
	return body, nil
}

// Evidence reads already-fetched evidence from the locker for fetchers
// that derive content from other evidence. Missing or stale evidence
// yields a DependencyError, which queues the calling fetcher for a rerun.
func (c *Context) Evidence(path string) (*evidence.Evidence, error) {
	if c.locker == nil {
		return nil, errors.New("fetch: session has no locker attached")
	}
	stored := c.locker.StoragePath(path)
	if !c.locker.Fresh(stored, 0) {
		return nil, &DependencyError{Needs: path}
	}
	return c.locker.Get(stored)
}
