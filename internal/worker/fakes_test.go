package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/store"
)

type fakeRow struct {
	filePath   string
	status     models.Status
	err        *string
	retryCount int
	features   *models.Features
	version    string
	updatedAt  time.Time
	order      int
}

// memStore is an in-memory StatusStore with the same conditional-update
// semantics as the Postgres adapter.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]*fakeRow
	maxRetries int
	next       int

	failClaim   error
	failSuccess error
	failBacklog error
	reconnects  int
	claimCalls  int
	backlogCall int
}

func newMemStore(maxRetries int) *memStore {
	return &memStore{rows: map[string]*fakeRow{}, maxRetries: maxRetries}
}

func (m *memStore) add(id, path string, status models.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.rows[id] = &fakeRow{filePath: path, status: status, updatedAt: time.Now(), order: m.next}
}

func (m *memStore) row(id string) fakeRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memStore) ClaimBatch(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCalls++
	if m.failClaim != nil {
		return nil, m.failClaim
	}
	var claimed []string
	for _, id := range ids {
		r, ok := m.rows[id]
		if !ok || r.status != models.StatusPending {
			continue
		}
		r.status = models.StatusInProgress
		r.updatedAt = time.Now()
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (m *memStore) RecordSuccess(_ context.Context, id string, f models.Features, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSuccess != nil {
		return m.failSuccess
	}
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTrackNotFound, id)
	}
	r.status = models.StatusCompleted
	r.err = nil
	r.features = &f
	r.version = version
	r.updatedAt = time.Now()
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, id, message string, permanent bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrTrackNotFound, id)
	}
	msg := store.Truncate(message, store.MaxErrorLength)
	r.err = &msg
	r.updatedAt = time.Now()
	if permanent {
		r.status = models.StatusSkipped
		if r.retryCount < m.maxRetries {
			r.retryCount = m.maxRetries
		}
	} else {
		r.status = models.StatusFailed
		r.retryCount++
	}
	return r.retryCount, nil
}

func (m *memStore) ReclaimStale(_ context.Context, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	cutoff := time.Now().Add(-window)
	for _, r := range m.rows {
		if r.status == models.StatusInProgress && r.updatedAt.Before(cutoff) {
			r.status = models.StatusPending
			r.updatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) RequeueRetryable(_ context.Context, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.status == models.StatusFailed && r.retryCount < maxRetries {
			r.status = models.StatusPending
			r.err = nil
			r.updatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) FetchPendingBacklog(_ context.Context, limit int) ([]models.JobDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlogCall++
	if m.failBacklog != nil {
		return nil, m.failBacklog
	}
	var rows []models.JobDescriptor
	for order := 1; order <= m.next && len(rows) < limit; order++ {
		for id, r := range m.rows {
			if r.order == order && r.status == models.StatusPending {
				rows = append(rows, models.JobDescriptor{TrackID: id, FilePath: r.filePath})
			}
		}
	}
	return rows, nil
}

func (m *memStore) StatusCounts(_ context.Context, maxRetries int) (models.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := models.StatusCounts{ByStatus: map[models.Status]int64{}}
	for _, r := range m.rows {
		counts.ByStatus[r.status]++
		if r.status == models.StatusFailed && r.retryCount >= maxRetries {
			counts.Exhausted++
		}
	}
	return counts, nil
}

func (m *memStore) Reconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	return nil
}

func (m *memStore) reconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// sliceQueue is a Queue backed by a slice; err, when set, is returned by Pop.
type sliceQueue struct {
	mu   sync.Mutex
	jobs []models.JobDescriptor
	errs []error
	err  error
}

func (q *sliceQueue) push(jobs ...models.JobDescriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

func (q *sliceQueue) Pop(context.Context) (models.JobDescriptor, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return models.JobDescriptor{}, false, q.err
	}
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		return models.JobDescriptor{}, false, err
	}
	if len(q.jobs) == 0 {
		return models.JobDescriptor{}, false, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true, nil
}

var errBoom = errors.New("connection refused")
