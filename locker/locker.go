// Package locker implements the evidence locker: a version-controlled,
// TTL-cached, optionally signed evidence store.
//
// A locker wraps one git working copy. Every write lands as exactly one
// commit with a message derived from the affected path, so locker history
// is a complete audit trail. Reads reassemble partitioned content,
// transparently decompress, and verify agent signatures. Remote
// synchronization (clone, pull, push) is delegated to go-git; rejected
// pushes are rebased onto the remote head and retried a bounded number of
// times, and a persistent failure is fatal to the run.
package locker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/ComplianceAsCode/auditree-framework/agent"
)

// IndexFile is the per-directory metadata document name.
const IndexFile = "index.json"

const defaultPushRetries = 3

// Locker is a version-controlled evidence store backed by one git working
// copy, with an optional remote.
//
// Content preparation (digesting, signing, compressing, partitioning) may
// run concurrently across goroutines; commit application is serialized by
// a single commit lock so exactly one commit lands at a time, in arrival
// order.
type Locker struct {
	localPath    string
	repoURL      string
	priorURL     string
	branch       string
	shallow      bool
	doPush       bool
	auth         transport.AuthMethod
	ttlTolerance time.Duration
	maxPartSize  int
	compressMin  int
	pushRetries  uint64
	authorName   string
	authorEmail  string
	signer       *agent.Agent
	logger       *slog.Logger
	now          func() time.Time

	repo *git.Repository
	wt   *git.Worktree

	// commitMu serializes commit application to the working copy.
	commitMu sync.Mutex

	// commitDate is the run timestamp stamped on every metadata update, so
	// all evidence written during one run shares one last_update value.
	commitDate time.Time

	mu      sync.Mutex
	forced  map[string]bool
	touched []string
	prior   *Locker
}

// Option configures a Locker.
type Option func(*Locker)

// WithRemote sets the remote repository URL the locker clones from and,
// when push is enabled, pushes to.
func WithRemote(url string) Option {
	return func(l *Locker) { l.repoURL = url }
}

// WithPriorRemote sets the URL of a prior locker remote used for
// historical evidence reads.
func WithPriorRemote(url string) Option {
	return func(l *Locker) { l.priorURL = url }
}

// WithBranch sets the branch to clone and track. Defaults to "master".
func WithBranch(branch string) Option {
	return func(l *Locker) {
		if branch != "" {
			l.branch = branch
		}
	}
}

// WithShallow clones the remote with depth 1. Shallow lockers cannot serve
// date-bounded historical reads from their own history.
func WithShallow() Option {
	return func(l *Locker) { l.shallow = true }
}

// WithPush enables pushing local commits to the remote at the end of the
// run (full-synchronization mode).
func WithPush() Option {
	return func(l *Locker) { l.doPush = true }
}

// WithAuth sets the transport credentials for remote operations.
func WithAuth(auth transport.AuthMethod) Option {
	return func(l *Locker) { l.auth = auth }
}

// WithTTLTolerance treats evidence within the tolerance of its time to
// live as already stale, so a record about to expire mid-run is refetched
// up front.
func WithTTLTolerance(tolerance time.Duration) Option {
	return func(l *Locker) {
		if tolerance >= 0 {
			l.ttlTolerance = tolerance
		}
	}
}

// WithMaxPartSize sets the content size above which partitionable evidence
// is split into ordered parts. Zero disables partitioning.
func WithMaxPartSize(size int) Option {
	return func(l *Locker) {
		if size >= 0 {
			l.maxPartSize = size
		}
	}
}

// WithCompression stores binary evidence content of at least min bytes
// zstd-compressed at rest. Zero disables compression.
func WithCompression(min int) Option {
	return func(l *Locker) {
		if min >= 0 {
			l.compressMin = min
		}
	}
}

// WithPushRetries bounds the rebase-and-retry push loop.
func WithPushRetries(n uint64) Option {
	return func(l *Locker) {
		if n > 0 {
			l.pushRetries = n
		}
	}
}

// WithSigningAgent signs every signable record written through Put with
// the supplied agent.
func WithSigningAgent(a *agent.Agent) Option {
	return func(l *Locker) { l.signer = a }
}

// WithAuthor sets the commit author identity.
func WithAuthor(name, email string) Option {
	return func(l *Locker) {
		l.authorName = name
		l.authorEmail = email
	}
}

// WithForcedStale marks evidence paths that are treated as stale for this
// run regardless of their time to live.
func WithForcedStale(paths ...string) Option {
	return func(l *Locker) {
		for _, p := range paths {
			l.forced[p] = true
		}
	}
}

// WithClock overrides the time source. Tests use this to pin TTL
// boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a locker rooted at localPath. Call Open to initialize the
// working copy before any other operation.
func New(localPath string, opts ...Option) *Locker {
	l := &Locker{
		localPath:   localPath,
		branch:      "master",
		pushRetries: defaultPushRetries,
		authorName:  "auditree-locker",
		authorEmail: "auditree@localhost",
		forced:      make(map[string]bool),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	return l
}

func (l *Locker) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// LocalPath returns the locker's working copy root.
func (l *Locker) LocalPath() string {
	return l.localPath
}

// URL identifies the locker for provenance records: the remote URL when
// one is configured, otherwise the local path.
func (l *Locker) URL() string {
	if l.repoURL != "" {
		return l.repoURL
	}
	return l.localPath
}

// Open initializes the working copy: clone (full or shallow) when a remote
// is configured and no local copy exists, reuse an existing copy, or
// create a fresh local repository.
func (l *Locker) Open(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(l.localPath, git.GitDirName)); err == nil {
		l.log().Info("using existing locker", "path", l.localPath)
		repo, err := git.PlainOpen(l.localPath)
		if err != nil {
			return fmt.Errorf("locker: open %s: %w", l.localPath, err)
		}
		l.repo = repo
	} else if l.repoURL != "" {
		l.log().Info("cloning locker", "url", l.repoURL, "path", l.localPath, "shallow", l.shallow)
		cloneOpts := &git.CloneOptions{
			URL:           l.repoURL,
			ReferenceName: plumbing.NewBranchReferenceName(l.branch),
			SingleBranch:  true,
			Auth:          l.auth,
		}
		if l.shallow {
			cloneOpts.Depth = 1
		}
		repo, err := git.PlainCloneContext(ctx, l.localPath, false, cloneOpts)
		if err != nil {
			return fmt.Errorf("%w: clone %s: %v", ErrSync, l.repoURL, err)
		}
		l.repo = repo
	} else {
		l.log().Info("creating local locker", "path", l.localPath)
		repo, err := git.PlainInit(l.localPath, false)
		if err != nil {
			return fmt.Errorf("locker: init %s: %w", l.localPath, err)
		}
		l.repo = repo
	}

	wt, err := l.repo.Worktree()
	if err != nil {
		return fmt.Errorf("locker: worktree: %w", err)
	}
	l.wt = wt
	l.commitDate = l.now().UTC()
	return nil
}

// Pull synchronizes the working copy with the remote before reads. Lockers
// without a remote are already current.
func (l *Locker) Pull(ctx context.Context) error {
	if l.repoURL == "" {
		return nil
	}
	err := l.wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    git.DefaultRemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(l.branch),
		Auth:          l.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: pull: %v", ErrSync, err)
	}
	return nil
}

// Push uploads local commits to the remote when push mode is enabled.
//
// A rejected push means the remote moved underneath us: the local branch
// is rebased onto the new remote head and the push is retried, a bounded
// number of times. When the retries are exhausted the error is fatal and
// nothing partial has been pushed; git ref updates are atomic per push.
func (l *Locker) Push(ctx context.Context) error {
	if !l.doPush {
		return nil
	}
	if l.repoURL == "" {
		return ErrNoRemote
	}
	l.log().Info("pushing locker", "url", l.repoURL)

	attempt := func() error {
		err := l.repo.PushContext(ctx, &git.PushOptions{
			RemoteName: git.DefaultRemoteName,
			Auth:       l.auth,
		})
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		// Absorb the concurrent remote update, then let backoff retry
		// the push. A rebase failure (unreachable remote, bad auth) is
		// not retryable.
		if rebaseErr := l.rebaseOnRemote(ctx); rebaseErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: rebase: %v", ErrSync, rebaseErr))
		}
		l.log().Warn("push rejected, retrying after rebase", "error", err)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.pushRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrSync) {
			return err
		}
		return fmt.Errorf("%w: push after %d retries: %v", ErrSync, l.pushRetries, err)
	}
	return nil
}

// rebaseOnRemote absorbs a concurrent remote update after a rejected push:
// it fetches the remote branch head, resets the local branch onto it, and
// replays the local-only commits on top, each keeping its message.
func (l *Locker) rebaseOnRemote(ctx context.Context) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	err := l.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       l.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}
	remoteRef, err := l.repo.Reference(
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, l.branch), true)
	if err != nil {
		return fmt.Errorf("remote head: %w", err)
	}
	remoteHead, err := l.repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return fmt.Errorf("remote head: %w", err)
	}
	headRef, err := l.repo.Head()
	if err != nil {
		return fmt.Errorf("local head: %w", err)
	}

	replay, err := l.localOnlyCommits(headRef.Hash(), remoteHead)
	if err != nil {
		return err
	}
	if err := l.wt.Reset(&git.ResetOptions{Commit: remoteHead.Hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, c := range replay {
		if err := l.replayCommit(c); err != nil {
			return err
		}
	}
	return nil
}

// localOnlyCommits walks first-parent history from head and returns the
// commits not reachable from the remote head, oldest first.
func (l *Locker) localOnlyCommits(head plumbing.Hash, remoteHead *object.Commit) ([]*object.Commit, error) {
	var out []*object.Commit
	cur, err := l.repo.CommitObject(head)
	if err != nil {
		return nil, err
	}
	for cur.Hash != remoteHead.Hash {
		onRemote, err := cur.IsAncestor(remoteHead)
		if err != nil {
			return nil, err
		}
		if onRemote {
			break
		}
		out = append(out, cur)
		if cur.NumParents() == 0 {
			break
		}
		if cur, err = cur.Parent(0); err != nil {
			return nil, err
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// replayCommit re-applies the file changes of one commit to the working
// copy and commits them. Locker commits only touch whole files, so the
// replay is a per-file overwrite with no merge machinery; when both sides
// changed a file the local version wins.
func (l *Locker) replayCommit(c *object.Commit) error {
	tree, err := c.Tree()
	if err != nil {
		return err
	}
	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return err
		}
		if parentTree, err = parent.Tree(); err != nil {
			return err
		}
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return fmt.Errorf("diff %s: %w", c.Hash, err)
	}

	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return err
		}
		if action == merkletrie.Delete {
			if _, err := l.wt.Remove(ch.From.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("replay remove %s: %w", ch.From.Name, err)
			}
			continue
		}
		f, err := tree.File(ch.To.Name)
		if err != nil {
			return err
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		data := []byte(content)
		if path.Base(ch.To.Name) == IndexFile {
			// Keep index entries landed by the concurrent push.
			if data, err = l.mergeReplayedIndex(ch.To.Name, data); err != nil {
				return err
			}
		}
		abs := l.abs(ch.To.Name)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("replay mkdir %s: %w", ch.To.Name, err)
		}
		if err := writeFileAtomic(abs, data); err != nil {
			return fmt.Errorf("replay write %s: %w", ch.To.Name, err)
		}
		if _, err := l.wt.Add(ch.To.Name); err != nil {
			return fmt.Errorf("replay stage %s: %w", ch.To.Name, err)
		}
	}

	_, err = l.wt.Commit(c.Message, &git.CommitOptions{
		Author: &object.Signature{Name: c.Author.Name, Email: c.Author.Email, When: l.now()},
	})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return fmt.Errorf("replay commit: %w", err)
	}
	return nil
}

// commitLocked stages the given working-copy-relative files and lands
// exactly one commit. The message is derived deterministically from the
// operation and path. Callers hold commitMu.
func (l *Locker) commitLocked(message string, files []string) (string, error) {
	for _, f := range files {
		if _, err := l.wt.Add(f); err != nil {
			return "", fmt.Errorf("locker: stage %s: %w", f, err)
		}
	}
	hash, err := l.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  l.authorName,
			Email: l.authorEmail,
			When:  l.now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return l.Head(), nil
		}
		return "", fmt.Errorf("locker: commit: %w", err)
	}
	l.log().Debug("committed", "message", message, "commit", hash.String())
	return hash.String(), nil
}

// Head returns the current head commit SHA, or the empty string for a
// locker with no commits yet.
func (l *Locker) Head() string {
	ref, err := l.repo.Head()
	if err != nil {
		return ""
	}
	return ref.Hash().String()
}

// RemoteLocation returns the browsable remote location of a file, pinned
// to the current head commit. Purely local lockers return the local file
// path.
func (l *Locker) RemoteLocation(path string) string {
	if l.repoURL == "" {
		return filepath.Join(l.localPath, filepath.FromSlash(path))
	}
	ref := l.branch
	if head := l.Head(); head != "" {
		ref = head
	}
	return fmt.Sprintf("%s/blob/%s/%s", l.repoURL, ref, strings.Trim(path, "/"))
}

// StoragePath resolves the path a record lands at when written through
// this locker: evidence signed by the locker's agent nests under
// agents/<name>/. Unsigned lockers return the path unchanged.
func (l *Locker) StoragePath(path string) string {
	if l.signer != nil && l.signer.Signable() {
		return l.signer.Path(path)
	}
	return path
}

// Touched returns the evidence paths written during this run, in write
// order. Used to build deterministic commit and report summaries.
func (l *Locker) Touched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.touched))
	copy(out, l.touched)
	return out
}

func (l *Locker) markTouched(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched = append(l.touched, path)
}

func (l *Locker) isForcedStale(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forced[path]
}

// abs maps a locker-relative slash path to the working copy.
func (l *Locker) abs(path string) string {
	return filepath.Join(l.localPath, filepath.FromSlash(path))
}
