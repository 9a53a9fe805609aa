package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"audio-analyzer/internal/config"
	"audio-analyzer/internal/models"
)

// ProbeAnalyzer extracts container and stream features with ffprobe and,
// when an extractor command is configured, merges the extractor's JSON
// output into the record ("enhanced" mode).
type ProbeAnalyzer struct {
	resolver  *Resolver
	ffprobe   string
	extractor []string
	maxBytes  int64
	logger    *zap.Logger
}

// NewProbeAnalyzer builds an analyzer from config. The S3 client is only
// constructed when an endpoint or region is available.
func NewProbeAnalyzer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ProbeAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := &Resolver{
		MusicPath:    cfg.MusicPath,
		DownloadPath: cfg.DownloadPath,
	}
	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		objects, err := newS3Objects(ctx, S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		resolver.objects = objects
	}
	return &ProbeAnalyzer{
		resolver:  resolver,
		ffprobe:   cfg.FFProbePath,
		extractor: strings.Fields(cfg.ExtractorCommand),
		maxBytes:  cfg.MaxFileSizeBytes,
		logger:    logger,
	}, nil
}

// Analyze resolves the path, enforces the size ceiling and extracts features.
func (a *ProbeAnalyzer) Analyze(ctx context.Context, path string) Result {
	src, err := a.resolver.Resolve(ctx, path, a.maxBytes)
	if err != nil {
		var oversized *OversizedError
		switch {
		case errors.Is(err, ErrNotFound):
			return Fail(KindNotFound, "File not found")
		case errors.As(err, &oversized):
			a.logger.Warn("skipping oversized file", zap.String("path", path), zap.Int64("size_bytes", oversized.Size))
			return Fail(KindOversizedInput, oversized.Error())
		default:
			return Fail(KindAnalyzerFault, err.Error())
		}
	}
	defer src.Close()

	probe, err := inspect(ctx, a.ffprobe, src.Path)
	if err != nil {
		return Fail(KindAnalyzerFault, err.Error())
	}
	stream := probe.audioStream()
	if stream == nil {
		return Fail(KindAnalyzerFault, "no audio stream found")
	}

	features := models.Features{
		Mode:            models.ModeStandard,
		DurationSeconds: probe.durationSeconds(),
		BitRate:         probe.bitRate(),
		Channels:        stream.Channels,
		Codec:           stream.CodecName,
		Container:       probe.Format.FormatName,
	}
	if rate, err := strconv.Atoi(strings.TrimSpace(stream.SampleRate)); err == nil {
		features.SampleRate = rate
	}

	if len(a.extractor) > 0 {
		extracted, err := a.extract(ctx, src.Path)
		switch {
		case err == nil:
			features.Extracted = extracted
			features.Mode = models.ModeEnhanced
		case IsOutOfMemory(err.Error()):
			return Fail(KindResourceExhausted, err.Error())
		default:
			a.logger.Warn("extractor failed, keeping standard features", zap.String("path", path), zap.Error(err))
		}
	}
	return Success(features)
}

func (a *ProbeAnalyzer) extract(ctx context.Context, path string) (map[string]any, error) {
	args := append(append([]string{}, a.extractor[1:]...), path)
	cmd := exec.CommandContext(ctx, a.extractor[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extractor: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("extractor output: %w", err)
	}
	return out, nil
}
