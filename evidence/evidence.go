// Package evidence defines the records stored in an evidence locker.
//
// An evidence record is addressed by a stable path of the form
// <rootdir>/<category>/<name>, where rootdir identifies the record kind.
// Records carry content bytes plus the metadata the locker tracks per
// record: time to live, content digest, optional agent signature, and
// partition layout for oversized content.
package evidence

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/ComplianceAsCode/auditree-framework/internal/jsonutil"
)

// Common time-to-live durations for evidence records.
const (
	Hour = time.Hour
	Day  = 24 * Hour
	Year = 365 * Day
)

// Kind identifies the variant of an evidence record.
type Kind int

// Evidence record kinds.
const (
	Raw Kind = iota
	Derived
	Report
	External
)

var kindDirs = map[Kind]string{
	Raw:      "raw",
	Derived:  "derived",
	Report:   "reports",
	External: "external",
}

// RootDir returns the locker directory under which records of this kind
// are stored.
func (k Kind) RootDir() string {
	return kindDirs[k]
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return kindDirs[k]
}

// Signable reports whether records of this kind accept agent signatures.
// Reports and derived content are produced inside a run and are covered by
// locker history alone.
func (k Kind) Signable() bool {
	return k == Raw || k == External
}

// Partitionable reports whether oversized records of this kind may be
// split into ordered parts.
func (k Kind) Partitionable() bool {
	return k == Raw || k == External
}

// KindFromRootDir resolves a locker root directory back to a Kind.
func KindFromRootDir(dir string) (Kind, bool) {
	for k, d := range kindDirs {
		if d == dir {
			return k, true
		}
	}
	return 0, false
}

// DefaultTTL returns the time to live applied to records of this kind when
// none is supplied. External evidence is long-lived by convention.
func (k Kind) DefaultTTL() time.Duration {
	if k == External {
		return Year
	}
	return Day
}

// Evidence is a single evidence record.
//
// The zero value is not usable; construct records with New and populate
// content with SetContent before handing them to a locker.
type Evidence struct {
	Name        string
	Category    string
	Kind        Kind
	TTL         time.Duration
	Description string

	// Binary marks content that must be stored byte-for-byte, skipping
	// JSON canonicalization.
	Binary bool

	// Agent is the signer identity name, set when the record is signed.
	Agent string

	// Digest is the hex SHA-256 of the content bytes as stored.
	Digest string

	// Signature is the base64 RSA-PSS signature over the digest bytes.
	Signature string

	content []byte
}

// Option configures an Evidence record.
type Option func(*Evidence)

// WithTTL sets the record's time to live. Negative values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(e *Evidence) {
		if ttl >= 0 {
			e.TTL = ttl
		}
	}
}

// WithDescription sets the human-readable record description.
func WithDescription(desc string) Option {
	return func(e *Evidence) {
		e.Description = desc
	}
}

// WithBinaryContent marks the record's content as opaque bytes.
func WithBinaryContent() Option {
	return func(e *Evidence) {
		e.Binary = true
	}
}

// New creates an evidence record of the given kind.
func New(kind Kind, category, name string, opts ...Option) *Evidence {
	e := &Evidence{
		Name:     name,
		Category: category,
		Kind:     kind,
		TTL:      kind.DefaultTTL(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(e)
	}
	return e
}

// Path returns the record's locker path: <rootdir>/<category>/<name>.
func (e *Evidence) Path() string {
	return path.Join(e.Kind.RootDir(), e.Category, e.Name)
}

// DirPath returns the locker directory holding the record and its
// sibling metadata index.
func (e *Evidence) DirPath() string {
	return path.Join(e.Kind.RootDir(), e.Category)
}

// Extension returns the record name's file extension without the dot.
func (e *Evidence) Extension() string {
	return strings.TrimPrefix(path.Ext(e.Name), ".")
}

// Content returns the record's content bytes as stored.
func (e *Evidence) Content() []byte {
	return e.content
}

// Empty reports whether the record has zero-length content.
func (e *Evidence) Empty() bool {
	return len(e.content) == 0
}

// SetContent populates the record content and recomputes its digest.
// Non-binary JSON content is re-rendered in the locker's canonical form so
// committed documents diff cleanly. Any previously attached signature is
// discarded since it no longer covers the stored bytes.
func (e *Evidence) SetContent(b []byte) error {
	if !e.Binary && e.Extension() == "json" {
		canonical, err := jsonutil.Reformat(b)
		if err != nil {
			return fmt.Errorf("evidence %s: %w", e.Path(), err)
		}
		b = canonical
	}
	e.content = b
	e.Digest = digest.SHA256.FromBytes(b).Encoded()
	e.Signature = ""
	e.Agent = ""
	return nil
}

// ParsePath splits a locker path into its kind, category, and name.
// Agent-scoped paths (agents/<agent>/<rootdir>/<category>/<name>) are
// accepted; the agent prefix is dropped.
func ParsePath(p string) (kind Kind, category, name string, err error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 5 && parts[0] == AgentsDir {
		parts = parts[2:]
	}
	if len(parts) != 3 {
		return 0, "", "", &PathError{Path: p}
	}
	kind, ok := KindFromRootDir(parts[0])
	if !ok {
		return 0, "", "", &PathError{Path: p}
	}
	return kind, parts[1], parts[2], nil
}

// AgentsDir is the locker directory under which agent-produced evidence
// is nested: agents/<agent_name>/<rootdir>/<category>/<name>.
const AgentsDir = "agents"

// PathError reports a malformed evidence path.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return "evidence: invalid path " + strconv.Quote(e.Path)
}
