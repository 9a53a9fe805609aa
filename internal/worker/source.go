package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/queue"
	"audio-analyzer/internal/telemetry"
)

// JobSource merges push-queue drains with backlog polls into one batch.
type JobSource struct {
	queue  Queue
	store  StatusStore
	logger *zap.Logger
}

func NewJobSource(q Queue, st StatusStore, logger *zap.Logger) *JobSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobSource{queue: q, store: st, logger: logger}
}

// NextBatch returns up to limit descriptors. The queue is drained first;
// once it runs dry the backlog fills the remaining slots. An empty result
// means both sources are exhausted.
func (s *JobSource) NextBatch(ctx context.Context, limit int) ([]models.JobDescriptor, error) {
	if limit <= 0 {
		return nil, nil
	}
	batch := make([]models.JobDescriptor, 0, limit)
	seen := make(map[string]struct{}, limit)
	add := func(job models.JobDescriptor) {
		if _, dup := seen[job.TrackID]; dup {
			return
		}
		seen[job.TrackID] = struct{}{}
		batch = append(batch, job)
	}

	queueDry := false
	for len(batch) < limit {
		job, ok, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrMalformed) {
				telemetry.MalformedEntries.Inc()
				s.logger.Warn("dropped malformed queue entry", zap.Error(err))
				continue
			}
			s.logger.Warn("queue unavailable, using backlog only", zap.Error(err))
			queueDry = true
			break
		}
		if !ok {
			queueDry = true
			break
		}
		add(job)
	}

	if len(batch) >= limit || !queueDry {
		return batch, nil
	}

	// Over-fetch by what we already hold so duplicates cannot starve the batch.
	backlog, err := s.store.FetchPendingBacklog(ctx, limit)
	if err != nil {
		if len(batch) > 0 {
			s.logger.Warn("backlog scan failed, continuing with queued jobs", zap.Error(err))
			return batch, nil
		}
		return nil, err
	}
	for _, job := range backlog {
		if len(batch) >= limit {
			break
		}
		add(job)
	}
	return batch, nil
}
