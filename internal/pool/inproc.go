package pool

import (
	"context"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/models"
)

// InProc returns a factory whose runners call an Analyzer inside this
// process. build runs once per slot so analyzers are never shared.
func InProc(build func(ctx context.Context) (analysis.Analyzer, error)) Factory {
	return func(ctx context.Context, _ int) (Runner, error) {
		a, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return &inprocRunner{analyzer: a}, nil
	}
}

type inprocRunner struct {
	analyzer analysis.Analyzer
}

func (r *inprocRunner) Run(ctx context.Context, job models.JobDescriptor) (analysis.Result, error) {
	return r.analyzer.Analyze(ctx, job.FilePath), nil
}

func (r *inprocRunner) Close() error { return nil }
