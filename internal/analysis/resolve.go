package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a source path does not exist in any location.
var ErrNotFound = errors.New("file not found")

// OversizedError reports a source that exceeds the configured size ceiling.
type OversizedError struct {
	Size  int64
	Limit int64
}

func (e *OversizedError) Error() string {
	return fmt.Sprintf("File too large (%.1fMB > %.1fMB limit)", toMB(e.Size), toMB(e.Limit))
}

func toMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// Source is a resolved, locally readable input file.
type Source struct {
	Path    string
	Size    int64
	cleanup func()
}

// Close releases temporary files created while resolving the source.
func (s Source) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// objectStore is the slice of S3 the resolver needs.
type objectStore interface {
	Size(ctx context.Context, bucket, key string) (int64, error)
	Download(ctx context.Context, bucket, key string, w io.Writer) error
}

// Resolver maps the file paths stored on track rows to readable files.
type Resolver struct {
	MusicPath    string
	DownloadPath string
	TempDir      string
	objects      objectStore
}

// Resolve locates raw, enforcing maxBytes (0 disables the ceiling) before any
// bytes are read.
func (r *Resolver) Resolve(ctx context.Context, raw string, maxBytes int64) (Source, error) {
	if bucket, key, ok := splitS3URI(raw); ok {
		return r.resolveObject(ctx, bucket, key, maxBytes)
	}

	path, err := r.localPath(raw)
	if err != nil {
		return Source{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return Source{}, &OversizedError{Size: info.Size(), Limit: maxBytes}
	}
	return Source{Path: path, Size: info.Size()}, nil
}

func (r *Resolver) localPath(raw string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	if normalized == "" {
		return "", ErrNotFound
	}

	candidates := []string{normalized}
	if !filepath.IsAbs(normalized) {
		candidates = candidates[:0]
		if r.MusicPath != "" {
			candidates = append(candidates, filepath.Join(r.MusicPath, normalized))
		}
		if r.DownloadPath != "" {
			candidates = append(candidates, filepath.Join(r.DownloadPath, normalized))
		}
		if len(candidates) == 0 {
			candidates = append(candidates, normalized)
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNotFound
}

func (r *Resolver) resolveObject(ctx context.Context, bucket, key string, maxBytes int64) (Source, error) {
	if r.objects == nil {
		return Source{}, fmt.Errorf("s3 source s3://%s/%s but no object store is configured", bucket, key)
	}
	size, err := r.objects.Size(ctx, bucket, key)
	if err != nil {
		return Source{}, err
	}
	if maxBytes > 0 && size > maxBytes {
		return Source{}, &OversizedError{Size: size, Limit: maxBytes}
	}

	tmp, err := os.CreateTemp(r.TempDir, "analysis-*"+filepath.Ext(key))
	if err != nil {
		return Source{}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if err := r.objects.Download(ctx, bucket, key, tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return Source{}, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return Source{}, fmt.Errorf("close temp file: %w", err)
	}
	return Source{Path: tmp.Name(), Size: size, cleanup: cleanup}, nil
}

func splitS3URI(raw string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(raw), "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
