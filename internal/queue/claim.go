package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/fleetq/internal/domain"
)

// claimSQL atomically selects and reserves a single queued job.
//
// FOR UPDATE SKIP LOCKED keeps concurrent claimants from blocking on each
// other: a worker that loses the race for a row simply sees the next one.
// Selection order is priority DESC then created_at ASC, so high-priority
// work wins and FIFO holds within a priority band. The kind filter is
// optional; NULL means any kind.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM jobs
    WHERE status = 'queued'
      AND ($1::text[] IS NULL OR kind = ANY($1::text[]))
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET
    status      = 'running',
    reserved_by = $2,
    reserved_at = NOW(),
    started_at  = NOW(),
    updated_at  = NOW()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING
    jobs.id, jobs.kind, jobs.payload, jobs.status, jobs.priority,
    jobs.owner_user, jobs.reserved_by, jobs.reserved_at, jobs.started_at,
    jobs.completed_at, jobs.retries, jobs.result, jobs.error,
    jobs.created_at, jobs.updated_at`

// Claim reserves the next eligible job for workerID. The select and the
// queued→running transition happen in one statement, so no two concurrent
// claims can ever return the same job. Returns (nil, nil) when the backlog
// is empty — a normal, frequent outcome, not an error.
func (q *Queue) Claim(ctx context.Context, workerID string, kinds []string) (*domain.Job, error) {
	row := q.Pool.QueryRow(ctx, claimSQL, kindsParam(kinds), workerID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", workerID, err)
	}

	q.recordEvent(ctx, job.ID, "claimed", workerID, "")
	return job, nil
}

// PeekClaim reports whether a claim for the given filter would currently
// return a job, without reserving anything. Used by workers to probe for
// work before loading models.
func (q *Queue) PeekClaim(ctx context.Context, kinds []string) (int64, bool, error) {
	var id int64
	err := q.Pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE status = 'queued'
		  AND ($1::text[] IS NULL OR kind = ANY($1::text[]))
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, kindsParam(kinds)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("peek claim: %w", err)
	}
	return id, true, nil
}
