package queue

import (
	"context"
	"fmt"

	"github.com/yourorg/fleetq/internal/domain"
)

// Cancel moves a queued or running job to cancelled and clears its
// reservation. Cancellation is cooperative: a running worker is not
// interrupted, and its eventual done/fail report lands as a no-op. Jobs
// already in a terminal state are left unchanged without error.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	tag, err := q.Pool.Exec(ctx, `
		UPDATE jobs SET
			status       = 'cancelled',
			completed_at = NOW(),
			reserved_by  = NULL,
			reserved_at  = NULL,
			updated_at   = NOW()
		WHERE id = $1
		  AND status IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		q.recordEvent(ctx, id, "cancelled", "", "")
		return nil
	}

	// Nothing matched: either unknown, or already terminal (a no-op).
	var status string
	err = q.Pool.QueryRow(ctx,
		`SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return ErrNotFound
	}
	if domain.JobStatus(status).Terminal() {
		return nil
	}
	return fmt.Errorf("cancel job %d: unexpected status %s", id, status)
}
