package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/fleetq/internal/domain"
)

// Done records a successful completion reported by the holding worker.
// The update is fenced on (status='running', reserved_by=workerID); a report
// from any other worker leaves the row untouched and returns ErrNotHolder.
func (q *Queue) Done(ctx context.Context, id int64, workerID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	tag, err := q.Pool.Exec(ctx, `
		UPDATE jobs SET
			status       = 'completed',
			result       = $1,
			error        = NULL,
			completed_at = NOW(),
			reserved_by  = NULL,
			reserved_at  = NULL,
			updated_at   = NOW()
		WHERE id = $2
		  AND status = 'running'
		  AND reserved_by = $3`, result, id, workerID)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return q.classifyRejection(ctx, id, workerID)
	}

	q.recordEvent(ctx, id, "completed", workerID, "")
	return nil
}

// Fail records a failure reported by the holding worker. Requeue versus
// terminal failure is decided inside the statement: with retries below the
// ceiling the job goes back to queued with retries+1 and a cleared
// reservation, otherwise it is failed permanently with completed_at set.
// The same rule serves the liveness sweep, so worker-reported and
// timeout failures cannot drift apart.
func (q *Queue) Fail(ctx context.Context, id int64, workerID, errMsg string) error {
	var status string
	var retries int
	err := q.Pool.QueryRow(ctx, `
		UPDATE jobs SET
			retries      = retries + 1,
			error        = $1,
			status       = CASE WHEN retries + 1 >= $2 THEN 'failed' ELSE 'queued' END,
			completed_at = CASE WHEN retries + 1 >= $2 THEN NOW() ELSE NULL END,
			reserved_by  = NULL,
			reserved_at  = NULL,
			updated_at   = NOW()
		WHERE id = $3
		  AND status = 'running'
		  AND reserved_by = $4
		RETURNING status, retries`,
		errMsg, domain.MaxRetries, id, workerID).Scan(&status, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.classifyRejection(ctx, id, workerID)
	}
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}

	if status == string(domain.StatusFailed) {
		q.recordEvent(ctx, id, "failed", workerID, errMsg)
	} else {
		q.recordEvent(ctx, id, "requeued", workerID,
			fmt.Sprintf("attempt %d failed: %s", retries, errMsg))
	}
	return nil
}

// Heartbeat refreshes updated_at so the liveness sweep does not reclaim a
// job whose worker is still alive.
func (q *Queue) Heartbeat(ctx context.Context, id int64, workerID string) error {
	tag, err := q.Pool.Exec(ctx, `
		UPDATE jobs SET updated_at = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND reserved_by = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return q.classifyRejection(ctx, id, workerID)
	}
	return nil
}

// classifyRejection explains why a fenced report update matched no row.
// Cancellation clears the reservation, so a late report from the previous
// holder cannot be distinguished by reserved_by alone; per the cooperative
// cancellation contract it is accepted as a no-op.
func (q *Queue) classifyRejection(ctx context.Context, id int64, workerID string) error {
	var status string
	var reservedBy *string
	err := q.Pool.QueryRow(ctx,
		`SELECT status, reserved_by FROM jobs WHERE id = $1`, id,
	).Scan(&status, &reservedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job %d: %w", id, err)
	}

	switch {
	case status == string(domain.StatusCancelled):
		return nil
	case reservedBy == nil || *reservedBy != workerID:
		return ErrNotHolder
	default:
		return ErrInvalidTransition
	}
}
