package locker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
)

// GetHistorical reads a record from an alternate locker identified by its
// URL, typically the prior remote configured on this locker. The prior
// locker is cloned lazily beside the primary working copy and reused for
// the rest of the run.
func (l *Locker) GetHistorical(ctx context.Context, evidencePath, lockerURL string) (*evidence.Evidence, error) {
	if lockerURL == "" || lockerURL == l.URL() {
		return l.Get(evidencePath)
	}
	if lockerURL != l.priorURL {
		return nil, fmt.Errorf("%w: unknown locker %s", ErrHistoricalNotFound, lockerURL)
	}
	prior, err := l.priorLocker(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := prior.Get(evidencePath)
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrHistoricalNotFound, evidencePath, lockerURL)
	}
	return ev, err
}

func (l *Locker) priorLocker(ctx context.Context) (*Locker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prior != nil {
		return l.prior, nil
	}
	prior := New(l.localPath+"-prior",
		WithRemote(l.priorURL),
		WithBranch(l.branch),
		WithAuth(l.auth),
		WithClock(l.now),
		WithLogger(l.logger),
	)
	if err := prior.Open(ctx); err != nil {
		return nil, err
	}
	l.prior = prior
	return prior, nil
}

// GetAt reads the newest committed version of a record at or before the
// given date from this locker's own history. Shallow lockers only hold
// the clone-depth slice of history, so older reads fail with
// ErrHistoricalNotFound.
func (l *Locker) GetAt(evidencePath string, until time.Time) (*evidence.Evidence, error) {
	kind, category, name, err := evidence.ParsePath(evidencePath)
	if err != nil {
		return nil, err
	}

	dir, base := path.Split(evidencePath)
	indexRel := path.Join(path.Clean(dir), IndexFile)
	commit, err := l.latestCommit(indexRel, until)
	if err != nil {
		return nil, err
	}
	raw, err := fileAtCommit(commit, indexRel)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("locker: parse historical index %s: %w", indexRel, err)
	}
	meta, ok := idx[base]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrHistoricalNotFound, evidencePath, until.Format(time.DateOnly))
	}

	readFile := func(rel string) ([]byte, error) {
		c, err := l.latestCommit(rel, until)
		if err != nil {
			return nil, err
		}
		return fileAtCommit(c, rel)
	}
	content, err := l.readRecordContent(evidencePath, meta, readFile)
	if err != nil {
		return nil, err
	}

	opts := []evidence.Option{
		evidence.WithTTL(meta.TTL.Duration()),
		evidence.WithDescription(meta.Description),
	}
	if meta.Binary {
		opts = append(opts, evidence.WithBinaryContent())
	}
	e := evidence.New(kind, category, name, opts...)
	if err := e.SetContent(content); err != nil {
		return nil, err
	}
	e.Agent = meta.Agent
	e.Digest = meta.Digest
	e.Signature = meta.Signature
	return e, nil
}

// LatestCommitSHA returns the SHA of the newest commit touching the path
// at or before the given date. A zero date means no upper bound.
func (l *Locker) LatestCommitSHA(rel string, until time.Time) (string, error) {
	commit, err := l.latestCommit(rel, until)
	if err != nil {
		return "", err
	}
	return commit.Hash.String(), nil
}

func (l *Locker) latestCommit(rel string, until time.Time) (*object.Commit, error) {
	logOpts := &git.LogOptions{FileName: &rel}
	if !until.IsZero() {
		u := until
		logOpts.Until = &u
	}
	iter, err := l.repo.Log(logOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHistoricalNotFound, rel, err)
	}
	defer iter.Close()
	commit, err := iter.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHistoricalNotFound, rel)
	}
	return commit, nil
}

func fileAtCommit(commit *object.Commit, rel string) ([]byte, error) {
	f, err := commit.File(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrHistoricalNotFound, rel, commit.Hash)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("locker: read %s at %s: %w", rel, commit.Hash, err)
	}
	return []byte(contents), nil
}
