package locker

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
	"github.com/ComplianceAsCode/auditree-framework/internal/jsonutil"
)

// index is the parsed form of a directory's index.json: evidence name to
// metadata entry.
type index map[string]*evidence.Metadata

// readIndex loads the metadata index for a locker-relative directory.
// A directory without an index yields an empty map.
func (l *Locker) readIndex(dir string) (index, error) {
	raw, err := os.ReadFile(l.abs(path.Join(dir, IndexFile)))
	if os.IsNotExist(err) {
		return index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker: read index %s: %w", dir, err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("locker: parse index %s: %w", dir, err)
	}
	return idx, nil
}

// writeIndex persists the metadata index for a directory in canonical JSON
// and returns the locker-relative index path for staging.
func (l *Locker) writeIndex(dir string, idx index) (string, error) {
	rel := path.Join(dir, IndexFile)
	formatted, err := jsonutil.Format(idx)
	if err != nil {
		return "", fmt.Errorf("locker: format index %s: %w", dir, err)
	}
	if err := os.MkdirAll(l.abs(dir), 0o755); err != nil {
		return "", fmt.Errorf("locker: mkdir %s: %w", dir, err)
	}
	if err := writeFileAtomic(l.abs(rel), formatted); err != nil {
		return "", fmt.Errorf("locker: write index %s: %w", dir, err)
	}
	return rel, nil
}

// mergeReplayedIndex overlays a replayed index document onto the version
// at the rebased head, so records committed on the other side of a
// concurrent push survive the rebase. Entries replayed locally win.
func (l *Locker) mergeReplayedIndex(rel string, replayed []byte) ([]byte, error) {
	current, err := os.ReadFile(l.abs(rel))
	if os.IsNotExist(err) {
		return replayed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker: read index %s: %w", rel, err)
	}
	var base, local index
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, fmt.Errorf("locker: parse index %s: %w", rel, err)
	}
	if err := json.Unmarshal(replayed, &local); err != nil {
		return nil, fmt.Errorf("locker: parse replayed index %s: %w", rel, err)
	}
	for name, meta := range local {
		base[name] = meta
	}
	return jsonutil.Format(base)
}

// writeFileAtomic lands a file with a rename, so a concurrent reader never
// observes a partially written document: freshness decisions and dependency
// reads run outside the commit lock.
func writeFileAtomic(absPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(absPath), "."+filepath.Base(absPath)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), absPath)
}

// Metadata returns the index entry for an evidence path, or ErrNotFound
// when the path has never been written.
func (l *Locker) Metadata(evidencePath string) (*evidence.Metadata, error) {
	dir, name := path.Split(evidencePath)
	idx, err := l.readIndex(path.Clean(dir))
	if err != nil {
		return nil, err
	}
	meta, ok := idx[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, evidencePath)
	}
	return meta, nil
}
