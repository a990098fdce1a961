package locker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/ComplianceAsCode/auditree-framework/agent"
	"github.com/ComplianceAsCode/auditree-framework/evidence"
)

// Put writes an evidence record to the locker and lands exactly one
// commit covering the affected files. It returns the commit SHA.
//
// Content preparation (signing, compression, partitioning) happens
// before the commit lock is taken; file writes, index updates, staging,
// and the commit itself are serialized under it.
func (l *Locker) Put(e *evidence.Evidence) (string, error) {
	if e.Content() == nil {
		return "", fmt.Errorf("locker: evidence %s has no content", e.Path())
	}

	storagePath := e.Path()
	// The key registry is never signed or agent-nested: verification
	// resolves public keys from it at its reserved path.
	if l.signer != nil && l.signer.Signable() && e.Kind.Signable() && storagePath != agent.PublicKeysPath {
		if err := l.signer.Sign(e); err != nil {
			return "", err
		}
		storagePath = l.signer.Path(storagePath)
	}

	meta := &evidence.Metadata{
		LastUpdate:  l.commitDate,
		TTL:         evidence.Seconds(e.TTL),
		Description: e.Description,
		Digest:      e.Digest,
		Signature:   e.Signature,
		Agent:       e.Agent,
		Binary:      e.Binary,
	}

	stored := e.Content()
	if l.compressMin > 0 && e.Binary && len(stored) >= l.compressMin {
		stored = zstdCompress(stored)
		meta.Compressed = true
	}

	var parts [][]byte
	if e.Kind.Partitionable() {
		parts = evidence.Split(stored, l.maxPartSize)
	}
	if parts != nil {
		meta.Partitions = len(parts)
		meta.PartSize = l.maxPartSize
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	dir, name := path.Split(storagePath)
	dir = path.Clean(dir)
	idx, err := l.readIndex(dir)
	if err != nil {
		return "", err
	}
	old := idx[name]

	files, err := l.writeRecordFiles(dir, name, stored, parts, meta, old)
	if err != nil {
		return "", err
	}

	idx[name] = meta
	indexRel, err := l.writeIndex(dir, idx)
	if err != nil {
		return "", err
	}
	files = append(files, indexRel)

	op := "Update"
	if old == nil {
		op = "Add"
	}
	commitID, err := l.commitLocked(fmt.Sprintf("%s %s evidence %s", op, e.Kind, storagePath), files)
	if err != nil {
		return "", err
	}
	l.markTouched(storagePath)
	return commitID, nil
}

// writeRecordFiles lays the record content down on disk, handling the
// partitioned and unpartitioned layouts plus transitions between them.
// Superseded layout files are removed from the working tree and recorded
// as tombstones on the new metadata entry. Returns the locker-relative
// paths to stage. Callers hold commitMu.
func (l *Locker) writeRecordFiles(dir, name string, stored []byte, parts [][]byte, meta, old *evidence.Metadata) ([]string, error) {
	if err := os.MkdirAll(l.abs(dir), 0o755); err != nil {
		return nil, fmt.Errorf("locker: mkdir %s: %w", dir, err)
	}

	tombstone := func(reason string) {
		meta.Tombstones = append(meta.Tombstones, evidence.Tombstone{
			EOL:        l.commitDate,
			LastUpdate: old.LastUpdate,
			Reason:     reason,
		})
	}
	if old != nil {
		// Prior tombstones travel forward with the record.
		meta.Tombstones = append(meta.Tombstones, old.Tombstones...)
	}

	var files []string
	if parts == nil {
		if err := writeFileAtomic(l.abs(path.Join(dir, name)), stored); err != nil {
			return nil, fmt.Errorf("locker: write %s: %w", path.Join(dir, name), err)
		}
		files = append(files, path.Join(dir, name))
		if old != nil && old.Partitions > 0 {
			if err := l.removeParts(dir, name, 0, old.Partitions); err != nil {
				return nil, err
			}
			tombstone("evidence no longer partitioned")
		}
		return files, nil
	}

	for i, part := range parts {
		rel := path.Join(dir, evidence.PartName(name, i))
		if err := writeFileAtomic(l.abs(rel), part); err != nil {
			return nil, fmt.Errorf("locker: write %s: %w", rel, err)
		}
		files = append(files, rel)
	}
	switch {
	case old != nil && old.Partitions == 0:
		// The unpartitioned file is replaced by the partition layout.
		if _, err := l.wt.Remove(path.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("locker: remove %s: %w", path.Join(dir, name), err)
		}
		tombstone("evidence is partitioned")
	case old != nil && old.Partitions > len(parts):
		if err := l.removeParts(dir, name, len(parts), old.Partitions); err != nil {
			return nil, err
		}
		tombstone("partition no longer part of evidence")
	}
	return files, nil
}

// removeParts drops partition files [from, to) from the working tree.
func (l *Locker) removeParts(dir, name string, from, to int) error {
	for i := from; i < to; i++ {
		rel := path.Join(dir, evidence.PartName(name, i))
		if _, err := l.wt.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("locker: remove %s: %w", rel, err)
		}
	}
	return nil
}

// Get reads an evidence record from the locker. Partitioned content is
// reassembled in ascending index order and compressed content is
// transparently expanded. Records carrying an agent name are verified
// against the key registry before they are returned; unsigned records
// bypass verification.
func (l *Locker) Get(evidencePath string) (*evidence.Evidence, error) {
	kind, category, name, err := evidence.ParsePath(evidencePath)
	if err != nil {
		return nil, err
	}
	meta, err := l.Metadata(evidencePath)
	if err != nil {
		return nil, err
	}

	content, err := l.readRecordContent(evidencePath, meta, l.readWorkingFile)
	if err != nil {
		return nil, err
	}

	if meta.Agent != "" {
		if err := l.verify(content, meta); err != nil {
			return nil, err
		}
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

// readRecordContent assembles the logical content of a record from its
// on-disk layout using the supplied file reader, so the same logic serves
// working-copy and historical reads.
func (l *Locker) readRecordContent(evidencePath string, meta *evidence.Metadata, readFile func(string) ([]byte, error)) ([]byte, error) {
	dir, name := path.Split(evidencePath)
	dir = path.Clean(dir)

	var content []byte
	if meta.Partitions > 0 {
		parts := make([][]byte, 0, meta.Partitions)
		for i := 0; i < meta.Partitions; i++ {
			part, err := readFile(path.Join(dir, evidence.PartName(name, i)))
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		content = evidence.Join(parts)
	} else {
		var err error
		content, err = readFile(evidencePath)
		if err != nil {
			return nil, err
		}
	}

	if meta.Compressed {
		expanded, err := zstdExpand(content)
		if err != nil {
			return nil, fmt.Errorf("locker: expand %s: %w", evidencePath, err)
		}
		content = expanded
	}
	return content, nil
}

func (l *Locker) readWorkingFile(rel string) ([]byte, error) {
	b, err := os.ReadFile(l.abs(rel))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("locker: read %s: %w", rel, err)
	}
	return b, nil
}

// verify checks a signed record: the stored digest must match the content
// and the signature must verify with the agent's registered public key.
func (l *Locker) verify(content []byte, meta *evidence.Metadata) error {
	if got := digest.SHA256.FromBytes(content).Encoded(); got != meta.Digest {
		return fmt.Errorf("%w: digest mismatch for agent %q", agent.ErrIntegrity, meta.Agent)
	}
	raw, err := l.readWorkingFile(agent.PublicKeysPath)
	if err != nil {
		return fmt.Errorf("%w: %q (no key registry)", agent.ErrUnknownAgent, meta.Agent)
	}
	keys, err := agent.ParseKeySet(raw)
	if err != nil {
		return err
	}
	verifier, err := keys.Verifier(meta.Agent)
	if err != nil {
		return err
	}
	return verifier.Verify(content, meta.Signature)
}

// Fresh reports whether the record at the path satisfies the freshness
// rule: now − last_update < ttl (less the locker's TTL tolerance). A zero
// ttl falls back to the record's stored time to live. Absent records and
// paths forced stale for this run are never fresh.
func (l *Locker) Fresh(evidencePath string, ttl time.Duration) bool {
	if l.isForcedStale(evidencePath) {
		l.log().Info("evidence forced stale", "path", evidencePath)
		return false
	}
	meta, err := l.Metadata(evidencePath)
	if err != nil {
		return false
	}
	if !l.recordFilesExist(evidencePath, meta) {
		return false
	}
	if ttl <= 0 {
		ttl = meta.TTL.Duration()
	}
	age := l.now().UTC().Sub(meta.LastUpdate)
	return age < ttl-l.ttlTolerance
}

// Exists reports whether a record is present, regardless of freshness.
func (l *Locker) Exists(evidencePath string) bool {
	meta, err := l.Metadata(evidencePath)
	if err != nil {
		return false
	}
	return l.recordFilesExist(evidencePath, meta)
}

func (l *Locker) recordFilesExist(evidencePath string, meta *evidence.Metadata) bool {
	dir, name := path.Split(evidencePath)
	dir = path.Clean(dir)
	if meta.Partitions > 0 {
		for i := 0; i < meta.Partitions; i++ {
			if _, err := os.Stat(l.abs(path.Join(dir, evidence.PartName(name, i)))); err != nil {
				return false
			}
		}
		return true
	}
	_, err := os.Stat(l.abs(evidencePath))
	return err == nil
}

// List returns the locker-relative paths of all evidence files under the
// given prefix, in lexical order. Index documents and repository metadata
// are excluded.
func (l *Locker) List(prefix string) ([]string, error) {
	var out []string
	err := l.walkFiles(func(rel string, _ fs.FileInfo) {
		if prefix == "" || pathHasPrefix(rel, prefix) {
			out = append(out, rel)
		}
	})
	return out, err
}

// GetEmpty returns the paths of evidence files with empty content.
func (l *Locker) GetEmpty() ([]string, error) {
	var out []string
	err := l.walkFiles(func(rel string, info fs.FileInfo) {
		if info.Size() == 0 {
			out = append(out, rel)
		}
	})
	return out, err
}

// GetLarge returns the paths of evidence records whose stored size exceeds
// threshold bytes. Partitioned records are measured as the sum of their
// part files, so a record does not dodge the report by being split.
func (l *Locker) GetLarge(threshold int64) ([]string, error) {
	var out []string
	err := l.walkIndexes(func(dir, name string, meta *evidence.Metadata) {
		size, err := l.recordSize(dir, name, meta)
		if err != nil {
			return
		}
		if size > threshold {
			out = append(out, path.Join(dir, name))
		}
	})
	sort.Strings(out)
	return out, err
}

// recordSize measures a record's on-disk footprint across its layout files.
func (l *Locker) recordSize(dir, name string, meta *evidence.Metadata) (int64, error) {
	if meta.Partitions > 0 {
		var total int64
		for i := 0; i < meta.Partitions; i++ {
			info, err := os.Stat(l.abs(path.Join(dir, evidence.PartName(name, i))))
			if err != nil {
				return 0, err
			}
			total += info.Size()
		}
		return total, nil
	}
	info, err := os.Stat(l.abs(path.Join(dir, name)))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DefaultAbandonedThreshold is how long past TTL expiry a record may stay
// un-updated before it is reported abandoned.
const DefaultAbandonedThreshold = 30 * 24 * time.Hour

// GetAbandoned returns the paths of records whose update threshold has
// passed: now − last_update ≥ ttl + threshold. A zero threshold applies
// the default.
func (l *Locker) GetAbandoned(threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = DefaultAbandonedThreshold
	}
	now := l.now().UTC()
	var out []string
	err := l.walkIndexes(func(dir string, name string, meta *evidence.Metadata) {
		if now.Sub(meta.LastUpdate) >= meta.TTL.Duration()+threshold {
			out = append(out, path.Join(dir, name))
		}
	})
	sort.Strings(out)
	return out, err
}

// AddContent writes non-evidence content (result summaries, notifications)
// into the locker and commits it.
func (l *Locker) AddContent(folder, filename string, content []byte) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("locker: filename cannot be empty")
	}
	rel := path.Join(folder, filename)

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if err := os.MkdirAll(l.abs(path.Clean(folder)), 0o755); err != nil {
		return "", fmt.Errorf("locker: mkdir %s: %w", folder, err)
	}
	if err := writeFileAtomic(l.abs(rel), content); err != nil {
		return "", fmt.Errorf("locker: write %s: %w", rel, err)
	}
	return l.commitLocked(fmt.Sprintf("Update content %s", rel), []string{rel})
}

// GetContent reads non-evidence content from the locker.
func (l *Locker) GetContent(folder, filename string) ([]byte, error) {
	if filename == "" {
		return nil, fmt.Errorf("locker: filename cannot be empty")
	}
	return l.readWorkingFile(path.Join(folder, filename))
}

// walkFiles visits every evidence file in the working copy.
func (l *Locker) walkFiles(visit func(rel string, info fs.FileInfo)) error {
	return filepath.Walk(l.localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(l.localPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		base := path.Base(rel)
		// Dotfiles cover in-flight atomic writes.
		if base == IndexFile || isReadme(rel) || strings.HasPrefix(base, ".") {
			return nil
		}
		visit(rel, info)
		return nil
	})
}

// walkIndexes visits every metadata entry in every directory index.
func (l *Locker) walkIndexes(visit func(dir, name string, meta *evidence.Metadata)) error {
	return filepath.Walk(l.localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() != IndexFile {
			return nil
		}
		rel, err := filepath.Rel(l.localPath, filepath.Dir(p))
		if err != nil {
			return err
		}
		dir := filepath.ToSlash(rel)
		idx, err := l.readIndex(dir)
		if err != nil {
			return err
		}
		for name, meta := range idx {
			visit(dir, name, meta)
		}
		return nil
	})
}

func isReadme(rel string) bool {
	base := path.Base(rel)
	return base == "README.md" || base == "readme.md" || base == "Readme.md"
}

func pathHasPrefix(p, prefix string) bool {
	prefix = path.Clean(prefix)
	return p == prefix || len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == '/'
}
