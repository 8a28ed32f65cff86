package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// EnqueueOptions configures a single job submission.
type EnqueueOptions struct {
	Kind     string
	Payload  json.RawMessage
	Priority int
	Owner    string
}

// Enqueue creates a job in the queued state with zero retries and returns
// its id.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (int64, error) {
	if opts.Kind == "" {
		return 0, fmt.Errorf("job kind is required")
	}
	if len(opts.Payload) == 0 {
		opts.Payload = json.RawMessage(`{}`)
	}

	var id int64
	err := q.Pool.QueryRow(ctx, `
		INSERT INTO jobs (kind, payload, priority, owner_user, status, retries)
		VALUES ($1, $2, $3, $4, 'queued', 0)
		RETURNING id`,
		opts.Kind, opts.Payload, opts.Priority, opts.Owner).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", opts.Kind, err)
	}

	q.recordEvent(ctx, id, "enqueued", "", "")
	return id, nil
}
