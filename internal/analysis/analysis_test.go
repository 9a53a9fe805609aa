package analysis

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestFailClassification(t *testing.T) {
	cases := []struct {
		name      string
		kind      Kind
		message   string
		wantKind  Kind
		permanent bool
	}{
		{"not found retryable", KindNotFound, "File not found", KindNotFound, false},
		{"generic fault retryable", KindAnalyzerFault, "decoder hiccup", KindAnalyzerFault, false},
		{"oversized permanent", KindOversizedInput, "File too large", KindOversizedInput, true},
		{"timeout permanent", KindTimeout, "Analysis timeout", KindTimeout, true},
		{"python memory error", KindAnalyzerFault, "MemoryError: unable to allocate", KindResourceExhausted, true},
		{"oom lowercase", KindAnalyzerFault, "process ran Out Of Memory", KindResourceExhausted, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Fail(tc.kind, tc.message)
			if res.OK() {
				t.Fatalf("failure result reported OK")
			}
			if res.Failure.Kind != tc.wantKind {
				t.Fatalf("expected kind %s, got %s", tc.wantKind, res.Failure.Kind)
			}
			if res.Failure.Permanent != tc.permanent {
				t.Fatalf("expected permanent=%v, got %v", tc.permanent, res.Failure.Permanent)
			}
		})
	}
}

func TestNormalizeEmptyResult(t *testing.T) {
	res := Result{}.Normalize()
	if res.Failure == nil || res.Failure.Kind != KindAnalyzerFault {
		t.Fatalf("expected analyzer fault for empty result, got %+v", res)
	}
}

func TestResolverFallsBackToDownloadPath(t *testing.T) {
	music := t.TempDir()
	downloads := t.TempDir()
	if err := os.MkdirAll(filepath.Join(downloads, "Artist"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(downloads, "Artist", "song.flac")
	if err := os.WriteFile(target, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := &Resolver{MusicPath: music, DownloadPath: downloads}
	src, err := r.Resolve(context.Background(), `Artist\song.flac`, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.Path != target || src.Size != 3 {
		t.Fatalf("unexpected source: %+v", src)
	}
}

func TestResolverNotFound(t *testing.T) {
	r := &Resolver{MusicPath: t.TempDir()}
	_, err := r.Resolve(context.Background(), "missing.mp3", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolverOversized(t *testing.T) {
	music := t.TempDir()
	if err := os.WriteFile(filepath.Join(music, "big.wav"), make([]byte, 2048), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := &Resolver{MusicPath: music}
	_, err := r.Resolve(context.Background(), "big.wav", 1024)
	var oversized *OversizedError
	if !errors.As(err, &oversized) {
		t.Fatalf("expected OversizedError, got %v", err)
	}
	if oversized.Size != 2048 || oversized.Limit != 1024 {
		t.Fatalf("unexpected sizes: %+v", oversized)
	}
}

type fakeObjects struct {
	size int64
	body []byte
	err  error
}

func (f fakeObjects) Size(context.Context, string, string) (int64, error) {
	return f.size, f.err
}

func (f fakeObjects) Download(_ context.Context, _, _ string, w io.Writer) error {
	_, err := io.Copy(w, bytes.NewReader(f.body))
	return err
}

func TestResolverDownloadsObjects(t *testing.T) {
	r := &Resolver{TempDir: t.TempDir(), objects: fakeObjects{size: 4, body: []byte("riff")}}
	src, err := r.Resolve(context.Background(), "s3://library/albums/a.wav", 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	if string(data) != "riff" {
		t.Fatalf("unexpected body %q", data)
	}
	src.Close()
	if _, err := os.Stat(src.Path); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err=%v", err)
	}
}

func TestResolverObjectOversizedSkipsDownload(t *testing.T) {
	r := &Resolver{TempDir: t.TempDir(), objects: fakeObjects{size: 10 << 20}}
	_, err := r.Resolve(context.Background(), "s3://library/huge.flac", 1<<20)
	var oversized *OversizedError
	if !errors.As(err, &oversized) {
		t.Fatalf("expected OversizedError, got %v", err)
	}
}

func TestProbeAnalyzerMapsResolverFailures(t *testing.T) {
	music := t.TempDir()
	if err := os.WriteFile(filepath.Join(music, "big.wav"), make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := &ProbeAnalyzer{
		resolver: &Resolver{MusicPath: music},
		maxBytes: 1024,
		logger:   zap.NewNop(),
	}

	res := a.Analyze(context.Background(), "nope.mp3")
	if res.Failure == nil || res.Failure.Kind != KindNotFound || res.Failure.Permanent {
		t.Fatalf("expected retryable not-found failure, got %+v", res.Failure)
	}

	res = a.Analyze(context.Background(), "big.wav")
	if res.Failure == nil || res.Failure.Kind != KindOversizedInput || !res.Failure.Permanent {
		t.Fatalf("expected permanent oversized failure, got %+v", res.Failure)
	}
}

func TestProbeResultHelpers(t *testing.T) {
	r := probeResult{
		Streams: []probeStream{{CodecType: "video"}, {CodecType: "audio", CodecName: "flac", BitRate: "900000"}},
		Format:  probeFormat{Duration: "183.456", BitRate: ""},
	}
	if s := r.audioStream(); s == nil || s.CodecName != "flac" {
		t.Fatalf("expected flac audio stream, got %+v", s)
	}
	if got := r.durationSeconds(); got != 183.46 {
		t.Fatalf("unexpected duration %v", got)
	}
	if got := r.bitRate(); got != 900000 {
		t.Fatalf("expected stream bitrate fallback, got %d", got)
	}
}
