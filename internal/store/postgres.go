package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"audio-analyzer/internal/models"
)

// MaxErrorLength bounds the analysisError column.
const MaxErrorLength = 500

// ErrTrackNotFound is returned when an operation targets a missing track row.
var ErrTrackNotFound = errors.New("track not found")

// Fault wraps a query or transaction failure so callers can tell storage
// problems apart from domain outcomes.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("store %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err came from the store.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Options tunes store behavior.
type Options struct {
	// MaxRetries is stamped on permanently skipped rows so they read as exhausted.
	MaxRetries int
}

// Store wraps pgxpool for Postgres persistence of track analysis state.
type Store struct {
	dsn  string
	opts Options

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	pool, err := connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{dsn: dsn, opts: opts, pool: pool}, nil
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Reconnect drops the current pool and dials a fresh one.
func (s *Store) Reconnect(ctx context.Context) error {
	pool, err := connect(ctx, s.dsn)
	if err != nil {
		return &Fault{Op: "reconnect", Err: err}
	}
	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return &Fault{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) db() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, &Fault{Op: "pool", Err: errors.New("store is closed")}
	}
	return s.pool, nil
}

// withTx runs fn in its own transaction, committing on success and rolling
// back on any error.
func (s *Store) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &Fault{Op: op, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrTrackNotFound) {
			return err
		}
		return &Fault{Op: op, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &Fault{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// ClaimBatch moves the pending subset of ids to in_progress and returns the
// ids this caller won. Ids missing from the result belong to someone else.
func (s *Store) ClaimBatch(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []string
	err := s.withTx(ctx, "claim batch", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE "Track"
			SET "analysisStatus" = $2, "updatedAt" = NOW()
			WHERE id = ANY($1) AND "analysisStatus" = $3
			RETURNING id
		`, ids, models.StatusInProgress, models.StatusPending)
		if err != nil {
			return err
		}
		claimed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordSuccess marks a track completed and stores its features verbatim.
func (s *Store) RecordSuccess(ctx context.Context, id string, features models.Features, version string) error {
	return s.withTx(ctx, "record success", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE "Track"
			SET "analysisStatus" = $2,
			    "analysisError" = NULL,
			    "analysisFeatures" = $3,
			    "analysisMode" = $4,
			    "analysisVersion" = $5,
			    "analyzedAt" = NOW(),
			    "updatedAt" = NOW()
			WHERE id = $1
		`, id, models.StatusCompleted, features, features.Mode, version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return nil
	})
}

// RecordFailure stores a failed attempt and returns the resulting retry count.
// Permanent failures become skipped with the retry count raised to the ceiling;
// the rest become failed with the count incremented by one.
func (s *Store) RecordFailure(ctx context.Context, id, message string, permanent bool) (int, error) {
	message = Truncate(message, MaxErrorLength)
	var retryCount int
	err := s.withTx(ctx, "record failure", func(tx pgx.Tx) error {
		var row pgx.Row
		if permanent {
			row = tx.QueryRow(ctx, `
				UPDATE "Track"
				SET "analysisStatus" = $2,
				    "analysisError" = $3,
				    "analysisRetryCount" = GREATEST("analysisRetryCount", $4),
				    "updatedAt" = NOW()
				WHERE id = $1
				RETURNING "analysisRetryCount"
			`, id, models.StatusSkipped, message, s.opts.MaxRetries)
		} else {
			row = tx.QueryRow(ctx, `
				UPDATE "Track"
				SET "analysisStatus" = $2,
				    "analysisError" = $3,
				    "analysisRetryCount" = "analysisRetryCount" + 1,
				    "updatedAt" = NOW()
				WHERE id = $1
				RETURNING "analysisRetryCount"
			`, id, models.StatusFailed, message)
		}
		if err := row.Scan(&retryCount); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrTrackNotFound, id)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

// ReclaimStale returns in_progress rows untouched for longer than window to pending.
func (s *Store) ReclaimStale(ctx context.Context, window time.Duration) (int64, error) {
	var n int64
	err := s.withTx(ctx, "reclaim stale", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE "Track"
			SET "analysisStatus" = $1, "analysisError" = NULL, "updatedAt" = NOW()
			WHERE "analysisStatus" = $2
			  AND "updatedAt" < NOW() - ($3::float8 * INTERVAL '1 second')
		`, models.StatusPending, models.StatusInProgress, window.Seconds())
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// RequeueRetryable returns failed rows below the retry ceiling to pending.
func (s *Store) RequeueRetryable(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := s.withTx(ctx, "requeue retryable", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE "Track"
			SET "analysisStatus" = $1, "analysisError" = NULL, "updatedAt" = NOW()
			WHERE "analysisStatus" = $2 AND "analysisRetryCount" < $3
		`, models.StatusPending, models.StatusFailed, maxRetries)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// FetchPendingBacklog lists pending tracks, most recently modified first.
func (s *Store) FetchPendingBacklog(ctx context.Context, limit int) ([]models.JobDescriptor, error) {
	if limit <= 0 {
		return nil, nil
	}
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT id, "filePath"
		FROM "Track"
		WHERE "analysisStatus" = $1
		ORDER BY "fileModified" DESC NULLS LAST, "updatedAt" DESC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, &Fault{Op: "fetch backlog", Err: err}
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobDescriptor, error) {
		var job models.JobDescriptor
		var path pgtype.Text
		err := row.Scan(&job.TrackID, &path)
		job.FilePath = path.String
		return job, err
	})
	if err != nil {
		return nil, &Fault{Op: "fetch backlog", Err: err}
	}
	return jobs, nil
}

// StatusCounts tallies rows per status and the failed rows that hit maxRetries.
func (s *Store) StatusCounts(ctx context.Context, maxRetries int) (models.StatusCounts, error) {
	counts := models.StatusCounts{ByStatus: map[models.Status]int64{}}
	pool, err := s.db()
	if err != nil {
		return counts, err
	}
	rows, err := pool.Query(ctx, `
		SELECT "analysisStatus",
		       COUNT(*),
		       COUNT(*) FILTER (WHERE "analysisRetryCount" >= $1)
		FROM "Track"
		GROUP BY "analysisStatus"
	`, maxRetries)
	if err != nil {
		return counts, &Fault{Op: "status counts", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var total, atCeiling int64
		if err := rows.Scan(&status, &total, &atCeiling); err != nil {
			return counts, &Fault{Op: "status counts", Err: err}
		}
		counts.ByStatus[models.Status(status)] = total
		if models.Status(status) == models.StatusFailed {
			counts.Exhausted = atCeiling
		}
	}
	if err := rows.Err(); err != nil {
		return counts, &Fault{Op: "status counts", Err: err}
	}
	return counts, nil
}

// GetTrack fetches a track by id.
func (s *Store) GetTrack(ctx context.Context, id string) (models.Track, error) {
	pool, err := s.db()
	if err != nil {
		return models.Track{}, err
	}
	row := pool.QueryRow(ctx, `
		SELECT id, "filePath", "analysisStatus", "analysisError", "analysisRetryCount",
		       "analysisVersion", "analysisMode", "analysisFeatures", "analyzedAt", "updatedAt"
		FROM "Track" WHERE id = $1
	`, id)

	var track models.Track
	var status string
	var path, lastErr, version, mode pgtype.Text
	if err := row.Scan(&track.ID, &path, &status, &lastErr, &track.RetryCount, &version, &mode, &track.Features, &track.AnalyzedAt, &track.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return models.Track{}, &Fault{Op: "get track", Err: err}
	}
	track.FilePath = path.String
	track.Status = models.Status(status)
	track.Error = textPtr(lastErr)
	track.Version = textPtr(version)
	track.Mode = textPtr(mode)
	return track, nil
}

// EnsurePending inserts a pending row for id unless one already exists.
// It reports whether a row was created.
func (s *Store) EnsurePending(ctx context.Context, id, filePath string) (bool, error) {
	var created bool
	err := s.withTx(ctx, "ensure pending", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO "Track" (id, "filePath", "analysisStatus", "updatedAt")
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (id) DO NOTHING
		`, id, filePath, models.StatusPending)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	return created, err
}

// Truncate shortens message to at most limit runes.
func Truncate(message string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(message) <= limit {
		return message
	}
	runes := []rune(message)
	return string(runes[:limit])
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
