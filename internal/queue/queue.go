// Package queue implements the durable job store operations: enqueue, the
// exclusive claim protocol, worker reports, cancellation and the liveness
// sweep. PostgreSQL is the only shared mutable resource; every cross-worker
// coordination point is a single guarded statement against it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/fleetq/internal/domain"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrNotHolder is returned when a worker reports against a job it does
	// not currently hold. The job is left untouched.
	ErrNotHolder = errors.New("worker does not hold this job")

	// ErrInvalidTransition is returned for any state change outside the
	// transition table, e.g. a done report against a completed job.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Queue struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Queue {
	return &Queue{Pool: pool, Logger: logger}
}

// jobColumns is the canonical select list; scanJob must match it exactly.
const jobColumns = `
	id, kind, payload, status, priority, owner_user,
	reserved_by, reserved_at, started_at, completed_at,
	retries, result, error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	job := &domain.Job{}
	var status string
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Payload,
		&status,
		&job.Priority,
		&job.Owner,
		&job.ReservedBy,
		&job.ReservedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Retries,
		&job.Result,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return job, nil
}

// Get returns the job with the given id.
func (q *Queue) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := q.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Stats returns the number of jobs per status. Statuses with no jobs are
// present with a zero count.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{
		string(domain.StatusQueued):    0,
		string(domain.StatusRunning):   0,
		string(domain.StatusCompleted): 0,
		string(domain.StatusFailed):    0,
		string(domain.StatusCancelled): 0,
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// QueuedDepth returns the current backlog size, optionally restricted to a
// set of kinds. The fleet controller uses it as its demand signal.
func (q *Queue) QueuedDepth(ctx context.Context, kinds []string) (int64, error) {
	var n int64
	err := q.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = 'queued'
		  AND ($1::text[] IS NULL OR kind = ANY($1::text[]))`,
		kindsParam(kinds)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queued depth: %w", err)
	}
	return n, nil
}

// kindsParam maps an empty filter to SQL NULL so the claim and depth queries
// can treat "no filter" and "filter" with one statement.
func kindsParam(kinds []string) any {
	if len(kinds) == 0 {
		return nil
	}
	return kinds
}
