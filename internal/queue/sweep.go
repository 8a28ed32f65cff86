package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/fleetq/internal/domain"
)

// sweeperLockKey is the PostgreSQL advisory lock key for sweeper election.
// Exactly one orchestrator replica runs the sweep loop at a time; the lock
// auto-releases if that process dies.
const sweeperLockKey = int64(0x464C5451)

// Sweep recovers every running job whose last heartbeat (updated_at) is
// older than timeout. Recovery applies the same requeue-or-fail rule as a
// worker-reported failure; this is the only path that reclaims a job from a
// vanished worker. FOR UPDATE SKIP LOCKED means the sweep never blocks on a
// row a live worker is updating concurrently, and a row whose heartbeat
// lands before the sweep commits is simply skipped. Returns the number of
// jobs recovered.
func (q *Queue) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	rows, err := q.Pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM jobs
			WHERE status = 'running'
			  AND updated_at < NOW() - ($1 * interval '1 second')
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			retries      = jobs.retries + 1,
			status       = CASE WHEN jobs.retries + 1 >= $2 THEN 'failed' ELSE 'queued' END,
			error        = CASE WHEN jobs.retries + 1 >= $2
			                    THEN 'timed out after ' || (jobs.retries + 1) || ' retries'
			                    ELSE jobs.error END,
			completed_at = CASE WHEN jobs.retries + 1 >= $2 THEN NOW() ELSE NULL END,
			reserved_by  = NULL,
			reserved_at  = NULL,
			updated_at   = NOW()
		FROM stale
		WHERE jobs.id = stale.id
		RETURNING jobs.id, jobs.status`,
		int64(timeout.Seconds()), domain.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}

	type recovered struct {
		id     int64
		status string
	}
	var swept []recovered
	for rows.Next() {
		var r recovered
		if err := rows.Scan(&r.id, &r.status); err != nil {
			rows.Close()
			return 0, err
		}
		swept = append(swept, r)
	}
	// Close the result set before writing audit rows so the UPDATE commits
	// promptly and requeued rows are observable to claimants.
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range swept {
		event := "requeued"
		detail := "heartbeat timeout"
		if r.status == string(domain.StatusFailed) {
			event = "failed"
			detail = "heartbeat timeout, retries exhausted"
		}
		q.recordEvent(ctx, r.id, event, "", detail)
		if q.Logger != nil {
			q.Logger.Info("sweeper recovered job",
				"job_id", r.id, "new_status", r.status)
		}
	}
	return len(swept), nil
}

// RunSweeper competes for the advisory lock and runs the sweep loop on the
// winner. Non-winners retry the election every electionRetry. The loop exits
// when ctx is canceled; losing the database connection releases the lock so
// another replica can take over.
func (q *Queue) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	const electionRetry = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := q.Pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.Logger.Error("sweeper: acquire conn failed", "err", err)
			sleepCtx(ctx, electionRetry)
			continue
		}

		var won bool
		err = conn.QueryRow(ctx,
			`SELECT pg_try_advisory_lock($1)`, sweeperLockKey).Scan(&won)
		if err != nil || !won {
			conn.Release()
			sleepCtx(ctx, electionRetry)
			continue
		}

		q.Logger.Info("sweeper: won election", "interval", interval, "timeout", timeout)
		q.runSweepLoop(ctx, interval, timeout)
		conn.Release()
	}
}

func (q *Queue) runSweepLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Sweep(ctx, timeout)
			if err != nil {
				q.Logger.Error("sweeper: sweep failed", "err", err)
				return
			}
			if n > 0 {
				q.Logger.Info("sweeper: recovered stale jobs", "count", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
