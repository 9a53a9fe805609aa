package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANALYZER_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BatchSize != 10 || cfg.NumWorkers != 2 || cfg.MaxRetries != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StaleWindow != 10*time.Minute {
		t.Fatalf("expected 10m stale window, got %s", cfg.StaleWindow)
	}
	if cfg.BatchTimeoutFloor != 300*time.Second {
		t.Fatalf("expected 300s batch floor, got %s", cfg.BatchTimeoutFloor)
	}
	if cfg.MaxFileSizeBytes != 100*1024*1024 {
		t.Fatalf("expected 100MiB ceiling, got %d", cfg.MaxFileSizeBytes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYZER_CONFIG", "")
	t.Setenv("BATCH_SIZE", "4")
	t.Setenv("STALE_PROCESSING_MINUTES", "3")
	t.Setenv("BASE_TRACK_TIMEOUT", "90")
	t.Setenv("MAX_TRACK_TIMEOUT", "5m")
	t.Setenv("MAX_FILE_SIZE_MB", "0")
	t.Setenv("ANALYSIS_DISABLED", "yes")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BatchSize != 4 {
		t.Fatalf("expected batch size 4, got %d", cfg.BatchSize)
	}
	if cfg.StaleWindow != 3*time.Minute {
		t.Fatalf("expected 3m stale window, got %s", cfg.StaleWindow)
	}
	if cfg.BaseTrackTimeout != 90*time.Second || cfg.MaxTrackTimeout != 5*time.Minute {
		t.Fatalf("unexpected timeouts: base=%s max=%s", cfg.BaseTrackTimeout, cfg.MaxTrackTimeout)
	}
	if cfg.MaxFileSizeBytes != 0 {
		t.Fatalf("expected unlimited file size, got %d", cfg.MaxFileSizeBytes)
	}
	if !cfg.AnalysisDisabled {
		t.Fatalf("expected analysis disabled")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analyzer.toml")
	body := `
[worker]
batch_size = 25
num_workers = 6
isolation = "inproc"
base_track_timeout = "45s"

[paths]
music = "/srv/music"
staging = "/var/lib/analyzer/staging"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NUM_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("expected batch size from file, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers != 3 {
		t.Fatalf("expected env to win for num workers, got %d", cfg.NumWorkers)
	}
	if cfg.Isolation != IsolationInProc {
		t.Fatalf("expected inproc isolation, got %q", cfg.Isolation)
	}
	if cfg.BaseTrackTimeout != 45*time.Second {
		t.Fatalf("expected 45s base timeout, got %s", cfg.BaseTrackTimeout)
	}
	if cfg.MusicPath != "/srv/music" || cfg.StagingDir != "/var/lib/analyzer/staging" {
		t.Fatalf("unexpected paths: %q %q", cfg.MusicPath, cfg.StagingDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	cfg.Isolation = "thread"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
