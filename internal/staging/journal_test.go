package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"audio-analyzer/internal/models"
)

func TestPutListRemove(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	older := Entry{TrackID: "a/b", Features: models.Features{Mode: models.ModeStandard, Codec: "mp3"}, Version: "probe-1", StagedAt: time.Now().Add(-time.Minute)}
	newer := Entry{TrackID: "c", Features: models.Features{Mode: models.ModeEnhanced}, Version: "probe-1"}
	for _, e := range []Entry{newer, older} {
		if err := j.Put(e); err != nil {
			t.Fatalf("put %s: %v", e.TrackID, err)
		}
	}

	entries, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].TrackID != "a/b" || entries[1].TrackID != "c" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Features.Codec != "mp3" {
		t.Fatalf("features not preserved: %+v", entries[0].Features)
	}

	if err := j.Remove("a/b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := j.Remove("a/b"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	entries, _ = j.List()
	if len(entries) != 1 || entries[0].TrackID != "c" {
		t.Fatalf("unexpected entries after remove %+v", entries)
	}
}

func TestListReportsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if err := j.Put(Entry{TrackID: "ok"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	entries, err := j.List()
	if err == nil {
		t.Fatalf("expected error for corrupt entry")
	}
	if len(entries) != 1 || entries[0].TrackID != "ok" {
		t.Fatalf("expected readable entry returned, got %+v", entries)
	}
}

func TestOpenIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()

	if _, err := Open(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestHiddenAndPathLikeTrackIDsAreReplayed(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	ids := []string{".abc", "..", "../escape", ".journal.lock"}
	for _, id := range ids {
		if err := j.Put(Entry{TrackID: id}); err != nil {
			t.Fatalf("put %q: %v", id, err)
		}
	}
	entries, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("expected %d staged entries, got %+v", len(ids), entries)
	}
	for _, id := range ids {
		if err := j.Remove(id); err != nil {
			t.Fatalf("remove %q: %v", id, err)
		}
	}
	if entries, _ := j.List(); len(entries) != 0 {
		t.Fatalf("expected empty journal, got %+v", entries)
	}
	if _, err := os.Stat(filepath.Join(dir, ".journal.lock")); err != nil {
		t.Fatalf("lock file disturbed: %v", err)
	}
}
