package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
)

// Func produces the content bytes for one evidence path. The shared
// session carries the HTTP client and credentials for the run.
type Func func(ctx context.Context, session *Context) ([]byte, error)

// registration binds an evidence path to the fetcher that produces it.
type registration struct {
	path        string
	kind        evidence.Kind
	category    string
	name        string
	ttl         time.Duration
	description string
	binary      bool
	fn          Func
}

// RegisterOption configures a fetcher registration.
type RegisterOption func(*registration)

// WithDescription annotates the evidence produced by the fetcher.
func WithDescription(desc string) RegisterOption {
	return func(r *registration) { r.description = desc }
}

// WithBinaryContent marks the fetched content as binary, stored
// byte-for-byte without JSON canonicalization.
func WithBinaryContent() RegisterOption {
	return func(r *registration) { r.binary = true }
}

// Registry maps evidence paths to fetchers. Registration is explicit;
// nothing registers itself at import time.
type Registry struct {
	mu    sync.Mutex
	regs  map[string]*registration
	order []string
}

// NewRegistry creates an empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]*registration)}
}

// Register binds a fetcher to an evidence path with the given time to
// live. A zero ttl applies the kind's default. The path must be a valid
// evidence path and must not already be registered.
func (r *Registry) Register(path string, ttl time.Duration, fn Func, opts ...RegisterOption) error {
	kind, category, name, err := evidence.ParsePath(path)
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("fetch: nil fetcher for %s", path)
	}
	if ttl <= 0 {
		ttl = kind.DefaultTTL()
	}
	reg := &registration{
		path:     path,
		kind:     kind,
		category: category,
		name:     name,
		ttl:      ttl,
		fn:       fn,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[path]; exists {
		return fmt.Errorf("fetch: fetcher already registered for %s", path)
	}
	r.regs[path] = reg
	r.order = append(r.order, path)
	return nil
}

// Paths returns the registered evidence paths in registration order.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered fetchers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// all returns the registrations in registration order.
func (r *Registry) all() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registration, 0, len(r.order))
	for _, path := range r.order {
		out = append(out, r.regs[path])
	}
	return out
}
