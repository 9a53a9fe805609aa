// Package staging keeps successful analysis results on local disk until the
// store has durably accepted them.
package staging

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"audio-analyzer/internal/models"
)

const (
	entrySuffix = ".json"
	lockName    = ".journal.lock"
)

// ErrLocked means another worker already holds the journal directory.
var ErrLocked = errors.New("staging journal is locked by another worker")

// Entry is one staged result awaiting a store write.
type Entry struct {
	TrackID  string          `json:"trackId"`
	Features models.Features `json:"features"`
	Version  string          `json:"version"`
	StagedAt time.Time       `json:"stagedAt"`
}

// Journal is a directory of staged entries guarded by a file lock.
type Journal struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed and takes its lock.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure staging dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire staging lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return &Journal{dir: dir, lock: lock}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// Close releases the directory lock.
func (j *Journal) Close() error {
	return j.lock.Unlock()
}

// Put writes e atomically, replacing any previous entry for the same track.
func (j *Journal) Put(e Entry) error {
	if strings.TrimSpace(e.TrackID) == "" {
		return errors.New("staging entry without track id")
	}
	if e.StagedAt.IsZero() {
		e.StagedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal staging entry: %w", err)
	}

	tmp := filepath.Join(j.dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp, j.path(e.TrackID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit staging file: %w", err)
	}
	return nil
}

// Remove drops the entry for trackID. Missing entries are not an error.
func (j *Journal) Remove(trackID string) error {
	if err := os.Remove(j.path(trackID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staging entry: %w", err)
	}
	return nil
}

// List returns staged entries oldest first. Unreadable files are reported in
// the returned error but do not hide the readable ones.
func (j *Journal) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	var entries []Entry
	var errs []error
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.TrackID == "" {
			errs = append(errs, fmt.Errorf("decode staging entry %s: %v", name, err))
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].StagedAt.Before(entries[b].StagedAt) })
	return entries, errors.Join(errs...)
}

// path encodes trackID so the file name is never hidden, never a path
// separator and never collides with the lock or temp files.
func (j *Journal) path(trackID string) string {
	return filepath.Join(j.dir, base64.RawURLEncoding.EncodeToString([]byte(trackID))+entrySuffix)
}
