package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"audio-analyzer/internal/config"
	"audio-analyzer/internal/models"
)

// ErrMalformed marks a queue entry that could not be decoded into a job.
var ErrMalformed = errors.New("malformed queue entry")

// Fault is a queue failure: either the broker was unreachable or an entry
// was malformed (Raw holds the offending payload).
type Fault struct {
	Op  string
	Raw string
	Err error
}

func (f *Fault) Error() string {
	if f.Raw != "" {
		return fmt.Sprintf("queue %s: %v (entry %q)", f.Op, f.Err, f.Raw)
	}
	return fmt.Sprintf("queue %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// RedisQueue is the push side of job intake: a Redis list of JSON job
// descriptors consumed destructively, plus a dead-letter list for entries
// that cannot be decoded.
type RedisQueue struct {
	client *redis.Client
	key    string
	dlqKey string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), cfg.QueueKey, cfg.DLQKey), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key, dlqKey string) *RedisQueue {
	return &RedisQueue{client: client, key: key, dlqKey: dlqKey}
}

// Client exposes the underlying connection for collaborators sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return &Fault{Op: "ping", Err: err}
	}
	return nil
}

// Push appends a job descriptor to the tail of the queue.
func (q *RedisQueue) Push(ctx context.Context, job models.JobDescriptor) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return &Fault{Op: "push", Err: err}
	}
	return nil
}

// Pop removes the head of the queue without blocking. ok is false when the
// queue is empty. Malformed entries are moved to the dead-letter list and
// reported as a Fault wrapping ErrMalformed.
func (q *RedisQueue) Pop(ctx context.Context) (job models.JobDescriptor, ok bool, err error) {
	raw, err := q.client.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return models.JobDescriptor{}, false, nil
	}
	if err != nil {
		return models.JobDescriptor{}, false, &Fault{Op: "pop", Err: err}
	}

	job, decodeErr := decode(raw)
	if decodeErr != nil {
		fault := &Fault{Op: "decode", Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformed, decodeErr)}
		if q.dlqKey != "" {
			if err := q.client.RPush(ctx, q.dlqKey, raw).Err(); err != nil {
				fault.Err = errors.Join(fault.Err, fmt.Errorf("dead-letter: %w", err))
			}
		}
		return models.JobDescriptor{}, false, fault
	}
	return job, true, nil
}

func decode(raw string) (models.JobDescriptor, error) {
	var job models.JobDescriptor
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.JobDescriptor{}, err
	}
	job.TrackID = strings.TrimSpace(job.TrackID)
	if job.TrackID == "" {
		return models.JobDescriptor{}, errors.New("missing trackId")
	}
	return job, nil
}

// Depth returns the number of queued entries.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, &Fault{Op: "depth", Err: err}
	}
	return n, nil
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, &Fault{Op: "dlq peek", Err: err}
	}
	return items, nil
}
