package queue

import (
	"context"
	"time"
)

// JobEvent is one row of the per-job audit trail.
type JobEvent struct {
	ID         int64
	JobID      int64
	Event      string
	WorkerID   string
	Detail     string
	OccurredAt time.Time
}

// recordEvent appends an audit row for a transition that already committed.
// Failures are logged and swallowed — losing an audit row must never undo
// or block a state change.
func (q *Queue) recordEvent(ctx context.Context, jobID int64, event, workerID, detail string) {
	_, err := q.Pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, worker_id, detail)
		VALUES ($1, $2, $3, $4)`, jobID, event, workerID, detail)
	if err != nil && q.Logger != nil {
		q.Logger.Warn("record job event failed",
			"job_id", jobID, "event", event, "err", err)
	}
}

// Events returns the audit trail for a job, oldest first.
func (q *Queue) Events(ctx context.Context, jobID int64) ([]JobEvent, error) {
	rows, err := q.Pool.Query(ctx, `
		SELECT id, job_id, event, worker_id, detail, occurred_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY occurred_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Event, &e.WorkerID,
			&e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
