package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"audio-analyzer/internal/config"
	"audio-analyzer/internal/telemetry"
)

// Processor drives the worker execution loop: startup recovery, steady-state
// batching, idle backoff and error backoff, all on one goroutine.
type Processor struct {
	cfg         config.Config
	store       StatusStore
	queue       Queue
	source      *JobSource
	dispatcher  *Dispatcher
	maintenance *Maintenance
	logger      *zap.Logger
}

// loopState is the orchestrator's cadence bookkeeping, carried across
// iterations of a single Run.
type loopState struct {
	consecutiveEmpty  int
	consecutiveErrors int
	batchCount        int
}

// NewProcessor wires the orchestrator. journal may be nil.
func NewProcessor(cfg config.Config, st StatusStore, q Queue, p Submitter, journal Journal, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("instance", uuid.NewString()))
	return &Processor{
		cfg:    cfg,
		store:  st,
		queue:  q,
		source: NewJobSource(q, st, logger),
		dispatcher: NewDispatcher(st, p, journal, DispatcherOptions{
			Timeouts: Timeouts{
				BasePerItem: cfg.BaseTrackTimeout,
				MaxPerItem:  cfg.MaxTrackTimeout,
				BatchFloor:  cfg.BatchTimeoutFloor,
			},
			Version:    cfg.AnalysisVersion,
			MaxRetries: cfg.MaxRetries,
		}, logger),
		maintenance: NewMaintenance(st, journal, cfg.StaleWindow, cfg.MaxRetries, logger),
		logger:      logger,
	}
}

// Run loops until ctx is cancelled. A batch that is already dispatched
// finishes before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("orchestrator started",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("workers", p.cfg.NumWorkers),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("stale_window", p.cfg.StaleWindow),
		zap.Duration("base_track_timeout", p.cfg.BaseTrackTimeout),
		zap.Duration("max_track_timeout", p.cfg.MaxTrackTimeout),
	)
	p.runMaintenance(ctx, "startup")

	var state loopState
	for {
		if ctx.Err() != nil {
			p.logger.Info("orchestrator stopping", zap.Int("batches", state.batchCount))
			return nil
		}
		p.observeQueueDepth(ctx)

		batch, err := p.source.NextBatch(ctx, p.cfg.BatchSize)
		if err != nil {
			p.onError(ctx, &state, err)
			continue
		}
		if len(batch) == 0 {
			state.consecutiveErrors = 0
			state.consecutiveEmpty++
			if p.cfg.EmptyPollsBeforeMaintenance > 0 && state.consecutiveEmpty >= p.cfg.EmptyPollsBeforeMaintenance {
				p.runMaintenance(ctx, "idle")
				state.consecutiveEmpty = 0
			}
			sleep(ctx, p.cfg.SleepInterval)
			continue
		}
		state.consecutiveEmpty = 0

		if _, err := p.dispatcher.Dispatch(ctx, batch); err != nil {
			p.onError(ctx, &state, err)
			continue
		}
		state.consecutiveErrors = 0
		state.batchCount++
		if p.cfg.MaintenanceEveryBatches > 0 && state.batchCount%p.cfg.MaintenanceEveryBatches == 0 {
			p.runMaintenance(ctx, "periodic")
		}
	}
}

func (p *Processor) runMaintenance(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	// Errors are logged inside; the loop carries on regardless.
	_, _ = p.maintenance.Run(ctx, reason)
}

func (p *Processor) onError(ctx context.Context, state *loopState, err error) {
	if ctx.Err() != nil {
		return
	}
	state.consecutiveErrors++
	p.logger.Error("orchestrator iteration failed",
		zap.Error(err),
		zap.Int("consecutive_errors", state.consecutiveErrors),
	)
	if p.cfg.ConsecutiveErrorLimit <= 0 || state.consecutiveErrors < p.cfg.ConsecutiveErrorLimit {
		sleep(ctx, p.cfg.SleepInterval)
		return
	}

	p.logger.Warn("too many consecutive errors, reconnecting", zap.Int("limit", p.cfg.ConsecutiveErrorLimit))
	if r, ok := p.store.(Reconnector); ok {
		if err := r.Reconnect(ctx); err != nil {
			p.logger.Error("reconnect failed", zap.Error(err))
		}
	}
	state.consecutiveErrors = 0
	if !sleep(ctx, p.cfg.ReconnectDelay) {
		return
	}
	p.runMaintenance(ctx, "reconnect")
}

func (p *Processor) observeQueueDepth(ctx context.Context) {
	dr, ok := p.queue.(depthReporter)
	if !ok {
		return
	}
	if depth, err := dr.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
