package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/models"
)

// ServeChild is the child side of the subprocess protocol: one JSON job per
// line on in, one JSON result per line on out. It returns nil when in is
// closed. Nothing else may write to out.
func ServeChild(ctx context.Context, analyzer analysis.Analyzer, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for {
		var job models.JobDescriptor
		if err := dec.Decode(&job); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode job: %w", err)
		}
		if err := enc.Encode(analyzeSafely(ctx, analyzer, job.FilePath)); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
}

// IgnoreTerminationSignals detaches a child from SIGINT and SIGTERM sent to
// its process group. The parent drains in-flight work on those signals and
// stops the child by closing its stdin.
func IgnoreTerminationSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
}

func analyzeSafely(ctx context.Context, analyzer analysis.Analyzer, path string) (res analysis.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = analysis.Failf(analysis.KindAnalyzerFault, "analysis panicked: %v", rec)
		}
	}()
	return analyzer.Analyze(ctx, path).Normalize()
}
