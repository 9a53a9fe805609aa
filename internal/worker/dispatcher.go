package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/models"
	"audio-analyzer/internal/pool"
	"audio-analyzer/internal/staging"
	"audio-analyzer/internal/telemetry"
)

const batchTimeoutReason = "Batch timeout"

// Summary describes one dispatched batch.
type Summary struct {
	Candidates  int
	Claimed     int
	Completed   int
	Failed      int
	Skipped     int
	StoreErrors int
	Elapsed     time.Duration
}

// Throughput is the number of resolved items per minute.
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed+s.Failed+s.Skipped) / s.Elapsed.Minutes()
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Timeouts   Timeouts
	Version    string
	MaxRetries int
}

// Dispatcher claims a batch, fans it out to the pool, enforces the per-item
// and batch deadlines and persists every outcome as soon as it is known.
type Dispatcher struct {
	store   StatusStore
	pool    Submitter
	journal Journal
	opts    DispatcherOptions
	logger  *zap.Logger
}

// NewDispatcher builds a dispatcher. journal may be nil.
func NewDispatcher(st StatusStore, p Submitter, journal Journal, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, pool: p, journal: journal, opts: opts, logger: logger}
}

type submitted struct {
	job    models.JobDescriptor
	handle *pool.Handle
}

// Dispatch runs one batch to completion. A failed claim is returned as an
// error, as is a batch where no outcome could be persisted; isolated store
// faults are logged and counted in the summary. Persistence ignores
// cancellation of ctx so an interrupted batch still drains.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []models.JobDescriptor) (Summary, error) {
	started := time.Now()
	summary := Summary{Candidates: len(batch)}

	ids := make([]string, 0, len(batch))
	for _, job := range batch {
		ids = append(ids, job.TrackID)
	}
	claimedIDs, err := d.store.ClaimBatch(ctx, ids)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("claim").Inc()
		return summary, fmt.Errorf("claim batch: %w", err)
	}
	claimed := make(map[string]struct{}, len(claimedIDs))
	for _, id := range claimedIDs {
		claimed[id] = struct{}{}
	}
	summary.Claimed = len(claimed)
	telemetry.JobsClaimed.Add(float64(summary.Claimed))
	if dropped := len(batch) - len(claimed); dropped > 0 {
		d.logger.Debug("skipping items claimed elsewhere", zap.Int("count", dropped))
	}

	persistCtx := context.WithoutCancel(ctx)
	var inflight []submitted
	for _, job := range batch {
		if _, ok := claimed[job.TrackID]; !ok {
			continue
		}
		delete(claimed, job.TrackID)
		h, err := d.pool.Submit(job)
		if err != nil {
			d.persist(persistCtx, job, analysis.Failf(analysis.KindAnalyzerFault, "submit: %v", err), &summary)
			continue
		}
		inflight = append(inflight, submitted{job: job, handle: h})
	}

	d.await(persistCtx, inflight, &summary)

	summary.Elapsed = time.Since(started)
	telemetry.BatchDuration.Observe(summary.Elapsed.Seconds())
	if summary.Claimed > 0 {
		d.logger.Info("batch complete",
			zap.Int("claimed", summary.Claimed),
			zap.Int("completed", summary.Completed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Float64("tracks_per_minute", summary.Throughput()),
		)
	}
	if summary.Claimed > 0 && summary.StoreErrors == summary.Claimed {
		return summary, errors.New("every outcome in the batch failed to persist")
	}
	return summary, nil
}

// await collects results until every handle resolved or the batch deadline
// passes. Running items are checked against the per-item deadline on a tick;
// both deadlines count from analysis start, not from submission.
func (d *Dispatcher) await(ctx context.Context, inflight []submitted, summary *Summary) {
	if len(inflight) == 0 {
		return
	}
	perItem := d.opts.Timeouts.MaxPerItem
	deadline := BatchDeadline(len(inflight), d.opts.Timeouts)

	started := make(chan struct{}, len(inflight))
	done := make(chan int, len(inflight))
	for i, s := range inflight {
		go func(i int, h *pool.Handle) {
			select {
			case <-h.Started():
				started <- struct{}{}
			case <-h.Done():
			}
			<-h.Done()
			done <- i
		}(i, s.handle)
	}

	outstanding := make(map[int]struct{}, len(inflight))
	for i := range inflight {
		outstanding[i] = struct{}{}
	}

	// The batch clock starts with the first running item so worker context
	// startup is not charged to the batch.
	var batchTimer *time.Timer
	var batchExpired <-chan time.Time
	defer func() {
		if batchTimer != nil {
			batchTimer.Stop()
		}
	}()
	ticker := time.NewTicker(checkInterval(perItem))
	defer ticker.Stop()

	for len(outstanding) > 0 {
		select {
		case <-started:
			if batchTimer == nil {
				batchTimer = time.NewTimer(deadline)
				batchExpired = batchTimer.C
			}

		case i := <-done:
			if _, ok := outstanding[i]; !ok {
				continue
			}
			delete(outstanding, i)
			d.persist(ctx, inflight[i].job, inflight[i].handle.Result(), summary)

		case now := <-ticker.C:
			for i := range outstanding {
				startedAt := inflight[i].handle.StartedAt()
				if startedAt.IsZero() || now.Sub(startedAt) < perItem {
					continue
				}
				delete(outstanding, i)
				inflight[i].handle.Abandon()
				d.persist(ctx, inflight[i].job, analysis.Failf(analysis.KindTimeout, "Analysis timeout (exceeded %s)", perItem), summary)
			}

		case <-batchExpired:
			d.logger.Warn("batch deadline exceeded",
				zap.Duration("deadline", deadline),
				zap.Int("outstanding", len(outstanding)),
			)
			for i := range outstanding {
				inflight[i].handle.Abandon()
				d.persist(ctx, inflight[i].job, analysis.Fail(analysis.KindTimeout, batchTimeoutReason), summary)
			}
			return
		}
	}
}

func (d *Dispatcher) persist(ctx context.Context, job models.JobDescriptor, res analysis.Result, summary *Summary) {
	res = res.Normalize()
	logger := d.logger.With(zap.String("track_id", job.TrackID), zap.String("path", job.FilePath))

	if res.OK() {
		if d.journal != nil {
			if err := d.journal.Put(staging.Entry{TrackID: job.TrackID, Features: *res.Features, Version: d.opts.Version}); err != nil {
				logger.Warn("failed to stage result", zap.Error(err))
			}
		}
		if err := d.store.RecordSuccess(ctx, job.TrackID, *res.Features, d.opts.Version); err != nil {
			summary.StoreErrors++
			telemetry.StoreErrors.WithLabelValues("record_success").Inc()
			logger.Error("failed to record success", zap.Error(err), zap.Bool("staged", d.journal != nil))
			return
		}
		if d.journal != nil {
			if err := d.journal.Remove(job.TrackID); err != nil {
				logger.Warn("failed to clear staged result", zap.Error(err))
			}
		}
		summary.Completed++
		telemetry.JobsCompleted.Inc()
		logger.Info("track analyzed", zap.String("mode", res.Features.Mode))
		return
	}

	failure := res.Failure
	retries, err := d.store.RecordFailure(ctx, job.TrackID, failure.Message, failure.Permanent)
	if err != nil {
		summary.StoreErrors++
		telemetry.StoreErrors.WithLabelValues("record_failure").Inc()
		logger.Error("failed to record failure", zap.Error(err), zap.String("kind", string(failure.Kind)))
		return
	}
	if failure.Permanent {
		summary.Skipped++
		telemetry.JobsSkipped.WithLabelValues(string(failure.Kind)).Inc()
		logger.Warn("track skipped",
			zap.String("kind", string(failure.Kind)),
			zap.String("reason", failure.Message),
		)
		return
	}
	summary.Failed++
	telemetry.JobsFailed.Inc()
	logger.Warn("track failed",
		zap.String("kind", string(failure.Kind)),
		zap.String("reason", failure.Message),
		zap.Int("attempt", retries),
		zap.Int("max_retries", d.opts.MaxRetries),
	)
}
