package worker

import (
	"context"
	"fmt"
	"testing"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/queue"
)

func ids(jobs []models.JobDescriptor) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.TrackID)
	}
	return out
}

func TestNextBatchQueueThenBacklog(t *testing.T) {
	st := newMemStore(3)
	q := &sliceQueue{}
	for _, id := range []string{"q1", "q2", "q3"} {
		st.add(id, id+".mp3", models.StatusPending)
		q.push(models.JobDescriptor{TrackID: id, FilePath: id + ".mp3"})
	}
	st.add("b1", "b1.mp3", models.StatusPending)
	st.add("b2", "b2.mp3", models.StatusPending)

	batch, err := NewJobSource(q, st, nil).NextBatch(context.Background(), 4)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	got := fmt.Sprint(ids(batch))
	if got != "[q1 q2 q3 b1]" {
		t.Fatalf("expected 3 queued plus 1 backlog item, got %s", got)
	}
}

func TestNextBatchFullQueueSkipsBacklog(t *testing.T) {
	st := newMemStore(3)
	q := &sliceQueue{}
	for i := 0; i < 5; i++ {
		q.push(models.JobDescriptor{TrackID: fmt.Sprintf("q%d", i)})
	}
	batch, err := NewJobSource(q, st, nil).NextBatch(context.Background(), 4)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 4 {
		t.Fatalf("expected 4 items, got %d", len(batch))
	}
	if st.backlogCall != 0 {
		t.Fatalf("backlog should not be scanned while the queue has work")
	}
}

func TestNextBatchDeduplicates(t *testing.T) {
	st := newMemStore(3)
	st.add("a", "a.mp3", models.StatusPending)
	q := &sliceQueue{}
	q.push(models.JobDescriptor{TrackID: "a"}, models.JobDescriptor{TrackID: "a"})

	batch, err := NewJobSource(q, st, nil).NextBatch(context.Background(), 4)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if got := fmt.Sprint(ids(batch)); got != "[a]" {
		t.Fatalf("expected a single descriptor, got %s", got)
	}
}

func TestNextBatchEmptyWhenBothSourcesEmpty(t *testing.T) {
	batch, err := NewJobSource(&sliceQueue{}, newMemStore(3), nil).NextBatch(context.Background(), 4)
	if err != nil || len(batch) != 0 {
		t.Fatalf("expected empty batch, got %v err=%v", batch, err)
	}
}

func TestNextBatchSkipsMalformedEntries(t *testing.T) {
	q := &sliceQueue{errs: []error{&queue.Fault{Op: "decode", Raw: "{", Err: queue.ErrMalformed}}}
	q.push(models.JobDescriptor{TrackID: "ok"})

	batch, err := NewJobSource(q, newMemStore(3), nil).NextBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if got := fmt.Sprint(ids(batch)); got != "[ok]" {
		t.Fatalf("expected malformed entry skipped, got %s", got)
	}
}

func TestNextBatchQueueOutageFallsBackToBacklog(t *testing.T) {
	st := newMemStore(3)
	st.add("b1", "b1.mp3", models.StatusPending)
	q := &sliceQueue{err: &queue.Fault{Op: "pop", Err: errBoom}}

	batch, err := NewJobSource(q, st, nil).NextBatch(context.Background(), 4)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if got := fmt.Sprint(ids(batch)); got != "[b1]" {
		t.Fatalf("expected backlog item, got %s", got)
	}
}

func TestNextBatchBacklogErrorSurfacesWhenNothingQueued(t *testing.T) {
	st := newMemStore(3)
	st.failBacklog = errBoom
	if _, err := NewJobSource(&sliceQueue{}, st, nil).NextBatch(context.Background(), 4); err == nil {
		t.Fatalf("expected backlog error")
	}

	q := &sliceQueue{}
	q.push(models.JobDescriptor{TrackID: "q1"})
	batch, err := NewJobSource(q, st, nil).NextBatch(context.Background(), 4)
	if err != nil || len(batch) != 1 {
		t.Fatalf("expected queued item despite backlog error, got %v err=%v", batch, err)
	}
}
