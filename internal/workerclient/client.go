// Package workerclient implements the remote worker side of the poll/report
// protocol: claim a job, execute its handler, heartbeat while it runs,
// report done or fail.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Client struct {
	BaseURL  string
	Token    string
	WorkerID string
	Registry *Registry
	Logger   *slog.Logger

	// PollInterval is the sleep between empty claims. HeartbeatEvery must be
	// well below the server's liveness timeout; a worker that heartbeats
	// slower than the sweep interval will have its job reclaimed.
	PollInterval   time.Duration
	HeartbeatEvery time.Duration

	HTTP *http.Client

	runDone     chan struct{}
	runDoneOnce sync.Once
}

// claimedJob mirrors the claim response body.
type claimedJob struct {
	ID      int64           `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Retries int             `json:"retries"`
}

func New(baseURL, token, workerID string, reg *Registry, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:        baseURL,
		Token:          token,
		WorkerID:       workerID,
		Registry:       reg,
		Logger:         logger,
		PollInterval:   2 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		runDone:        make(chan struct{}),
	}
}

// Run polls until ctx is canceled. Jobs execute synchronously; the per-job
// heartbeat goroutine lives only for the duration of that job.
func (c *Client) Run(ctx context.Context) {
	defer c.runDoneOnce.Do(func() { close(c.runDone) })

	c.Logger.Info("worker starting",
		"worker_id", c.WorkerID, "kinds", c.Registry.Kinds())

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := c.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Logger.Error("claim failed", "err", err)
			sleepCtx(ctx, c.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, c.PollInterval)
			continue
		}

		c.runJob(ctx, job)
	}
}

// DrainAndWait blocks until the poll loop exits or the caller's context
// expires.
func (c *Client) DrainAndWait(ctx context.Context) error {
	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) runJob(ctx context.Context, job *claimedJob) {
	log := c.Logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Retries)
	log.Info("job started")

	handler, err := c.Registry.Lookup(job.Kind)
	if err != nil {
		// Should not happen: claims are filtered to registered kinds.
		log.Error("no handler for claimed job", "err", err)
		c.report(ctx, job.ID, "fail", failBody{Error: err.Error()}, log)
		return
	}

	hbStop := make(chan struct{})
	go c.runHeartbeat(ctx, job.ID, hbStop, log)

	result, handlerErr := handler(ctx, job.Payload)
	close(hbStop)

	if ctx.Err() != nil {
		// Shutdown mid-job: stop reporting and let the liveness sweep
		// requeue it.
		log.Info("abandoning job on shutdown")
		return
	}

	if handlerErr != nil {
		log.Warn("job failed", "err", handlerErr)
		c.report(ctx, job.ID, "fail", failBody{Error: handlerErr.Error()}, log)
		return
	}

	log.Info("job completed")
	c.report(ctx, job.ID, "done", doneBody{Result: result}, log)
}

// runHeartbeat refreshes the job's liveness timestamp until the job finishes
// or ctx is canceled.
func (c *Client) runHeartbeat(ctx context.Context, jobID int64, stop <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(c.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.heartbeat(ctx, jobID); err != nil {
				log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

func (c *Client) claim(ctx context.Context) (*claimedJob, error) {
	body, _ := json.Marshal(map[string][]string{"kinds": c.Registry.Kinds()})
	resp, err := c.post(ctx, "/v1/workers/claim", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		job := &claimedJob{}
		if err := json.NewDecoder(resp.Body).Decode(job); err != nil {
			return nil, fmt.Errorf("decode claim response: %w", err)
		}
		return job, nil
	default:
		return nil, apiError("claim", resp)
	}
}

type doneBody struct {
	Result json.RawMessage `json:"result"`
}

type failBody struct {
	Error string `json:"error"`
}

// report posts a done/fail verb. A 403 means the job was reclaimed from us
// after a missed heartbeat; that is logged and dropped, never retried —
// another worker owns the job now.
func (c *Client) report(ctx context.Context, jobID int64, verb string, body any, log *slog.Logger) {
	payload, _ := json.Marshal(body)
	resp, err := c.post(ctx, fmt.Sprintf("/v1/jobs/%d/%s", jobID, verb), payload)
	if err != nil {
		log.Error("report failed", "verb", verb, "err", err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
	case http.StatusForbidden:
		log.Warn("report rejected, job no longer held", "verb", verb)
	default:
		log.Error("report rejected", "verb", verb, "status", resp.Status)
	}
}

func (c *Client) heartbeat(ctx context.Context, jobID int64) error {
	resp, err := c.post(ctx, fmt.Sprintf("/v1/jobs/%d/heartbeat", jobID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError("heartbeat", resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTP.Do(req)
}

func apiError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: server returned %s: %s", op, resp.Status, bytes.TrimSpace(msg))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
