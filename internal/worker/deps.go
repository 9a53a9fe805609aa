package worker

import (
	"context"
	"time"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/pool"
	"audio-analyzer/internal/staging"
)

// StatusStore is the persistence the orchestrator drives. Every method is a
// single transaction and none of them retry internally.
type StatusStore interface {
	ClaimBatch(ctx context.Context, ids []string) ([]string, error)
	RecordSuccess(ctx context.Context, id string, features models.Features, version string) error
	RecordFailure(ctx context.Context, id, message string, permanent bool) (int, error)
	ReclaimStale(ctx context.Context, window time.Duration) (int64, error)
	RequeueRetryable(ctx context.Context, maxRetries int) (int64, error)
	FetchPendingBacklog(ctx context.Context, limit int) ([]models.JobDescriptor, error)
	StatusCounts(ctx context.Context, maxRetries int) (models.StatusCounts, error)
}

// Reconnector is implemented by stores that can redial after repeated faults.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Queue is the push side of intake.
type Queue interface {
	Pop(ctx context.Context) (models.JobDescriptor, bool, error)
}

// depthReporter is implemented by queues that can report their backlog.
type depthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// Submitter hands jobs to the worker pool.
type Submitter interface {
	Submit(job models.JobDescriptor) (*pool.Handle, error)
}

// Journal stages successful results locally until the store accepts them.
type Journal interface {
	Put(e staging.Entry) error
	Remove(trackID string) error
	List() ([]staging.Entry, error)
}
