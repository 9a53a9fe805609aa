package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"audio-analyzer/internal/store"
	"audio-analyzer/internal/telemetry"
)

// MaintenanceReport carries the counts of one maintenance pass. They are
// diagnostic only.
type MaintenanceReport struct {
	Replayed  int
	Reclaimed int64
	Requeued  int64
	Skipped   int64
	Exhausted int64
}

// Maintenance replays staged results, reclaims stale claims and requeues
// retryable failures.
type Maintenance struct {
	store       StatusStore
	journal     Journal
	staleWindow time.Duration
	maxRetries  int
	logger      *zap.Logger
}

// NewMaintenance builds the maintenance pass. journal may be nil.
func NewMaintenance(st StatusStore, journal Journal, staleWindow time.Duration, maxRetries int, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{store: st, journal: journal, staleWindow: staleWindow, maxRetries: maxRetries, logger: logger}
}

// Run executes every step even when an earlier one fails; the errors are
// joined.
func (m *Maintenance) Run(ctx context.Context, reason string) (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error
	logger := m.logger.With(zap.String("reason", reason))

	if m.journal != nil {
		replayed, err := m.replay(ctx)
		report.Replayed = replayed
		if err != nil {
			errs = append(errs, err)
		}
	}

	reclaimed, err := m.store.ReclaimStale(ctx, m.staleWindow)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("reclaim_stale").Inc()
		errs = append(errs, fmt.Errorf("reclaim stale: %w", err))
	} else {
		report.Reclaimed = reclaimed
		telemetry.StaleReclaimed.Add(float64(reclaimed))
		if reclaimed > 0 {
			logger.Info("reclaimed stale claims", zap.Int64("count", reclaimed), zap.Duration("stale_window", m.staleWindow))
		}
	}

	requeued, err := m.store.RequeueRetryable(ctx, m.maxRetries)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("requeue_retryable").Inc()
		errs = append(errs, fmt.Errorf("requeue retryable: %w", err))
	} else {
		report.Requeued = requeued
		telemetry.RetriesRequeued.Add(float64(requeued))
		if requeued > 0 {
			logger.Info("requeued failed tracks", zap.Int64("count", requeued), zap.Int("max_retries", m.maxRetries))
		}
	}

	counts, err := m.store.StatusCounts(ctx, m.maxRetries)
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("status_counts").Inc()
		errs = append(errs, fmt.Errorf("status counts: %w", err))
	} else {
		report.Skipped = counts.Skipped()
		report.Exhausted = counts.Exhausted
		if report.Skipped > 0 || report.Exhausted > 0 {
			logger.Info("permanently unresolved tracks",
				zap.Int64("skipped", report.Skipped),
				zap.Int64("retries_exhausted", report.Exhausted),
			)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.Warn("maintenance incomplete", zap.Error(err))
	}
	return report, err
}

// replay writes staged results that never reached the store.
func (m *Maintenance) replay(ctx context.Context) (int, error) {
	entries, listErr := m.journal.List()
	var errs []error
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list staged results: %w", listErr))
	}
	replayed := 0
	for _, e := range entries {
		err := m.store.RecordSuccess(ctx, e.TrackID, e.Features, e.Version)
		switch {
		case err == nil:
			replayed++
		case errors.Is(err, store.ErrTrackNotFound):
			m.logger.Warn("dropping staged result for missing track", zap.String("track_id", e.TrackID))
		default:
			telemetry.StoreErrors.WithLabelValues("replay").Inc()
			errs = append(errs, fmt.Errorf("replay %s: %w", e.TrackID, err))
			continue
		}
		if err := m.journal.Remove(e.TrackID); err != nil {
			errs = append(errs, err)
		}
	}
	if replayed > 0 {
		m.logger.Info("replayed staged results", zap.Int("count", replayed))
	}
	return replayed, errors.Join(errs...)
}
