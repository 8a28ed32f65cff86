package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/fleetq/internal/auth"
	"github.com/yourorg/fleetq/internal/domain"
	"github.com/yourorg/fleetq/internal/queue"
)

// memStore mirrors the queue core's lifecycle semantics in memory so handler
// behavior can be exercised without PostgreSQL.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: map[int64]*domain.Job{}}
}

func (s *memStore) Enqueue(_ context.Context, opts queue.EnqueueOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	s.jobs[s.nextID] = &domain.Job{
		ID:        s.nextID,
		Kind:      opts.Kind,
		Payload:   opts.Payload,
		Status:    domain.StatusQueued,
		Priority:  opts.Priority,
		Owner:     opts.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.nextID, nil
}

func (s *memStore) Get(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) eligible(kinds []string, j *domain.Job) bool {
	if j.Status != domain.StatusQueued {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == j.Kind {
			return true
		}
	}
	return false
}

func (s *memStore) pick(kinds []string) *domain.Job {
	var ids []int64
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var best *domain.Job
	for _, id := range ids {
		j := s.jobs[id]
		if !s.eligible(kinds, j) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	return best
}

func (s *memStore) Claim(_ context.Context, workerID string, kinds []string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.pick(kinds)
	if j == nil {
		return nil, nil
	}
	now := time.Now()
	j.Status = domain.StatusRunning
	j.ReservedBy = &workerID
	j.ReservedAt = &now
	j.StartedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *memStore) PeekClaim(_ context.Context, kinds []string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.pick(kinds); j != nil {
		return j.ID, true, nil
	}
	return 0, false, nil
}

func (s *memStore) holderCheck(id int64, workerID string) (*domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if j.Status == domain.StatusCancelled {
		return nil, nil // accepted no-op
	}
	if j.ReservedBy == nil || *j.ReservedBy != workerID {
		return nil, queue.ErrNotHolder
	}
	if j.Status != domain.StatusRunning {
		return nil, queue.ErrInvalidTransition
	}
	return j, nil
}

func (s *memStore) Done(_ context.Context, id int64, workerID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.holderCheck(id, workerID)
	if err != nil || j == nil {
		return err
	}
	now := time.Now()
	j.Status = domain.StatusCompleted
	j.Result = result
	j.Error = nil
	j.CompletedAt = &now
	j.ReservedBy = nil
	j.ReservedAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *memStore) Fail(_ context.Context, id int64, workerID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.holderCheck(id, workerID)
	if err != nil || j == nil {
		return err
	}
	now := time.Now()
	j.Retries++
	j.Error = &errMsg
	j.ReservedBy = nil
	j.ReservedAt = nil
	j.UpdatedAt = now
	if j.Retries >= domain.MaxRetries {
		j.Status = domain.StatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = domain.StatusQueued
		j.CompletedAt = nil
	}
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, id int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.holderCheck(id, workerID)
	if err != nil || j == nil {
		return err
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Cancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	now := time.Now()
	j.Status = domain.StatusCancelled
	j.CompletedAt = &now
	j.ReservedBy = nil
	j.ReservedAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *memStore) Stats(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]int64{}
	for _, j := range s.jobs {
		stats[string(j.Status)]++
	}
	return stats, nil
}

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(store, logger, testSecret)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func workerToken(t *testing.T, workerID string, scopes ...string) string {
	t.Helper()
	tok, err := auth.Mint(testSecret, workerID, scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func doReq(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func enqueue(t *testing.T, store *memStore, kind string, priority int) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), queue.EnqueueOptions{
		Kind:     kind,
		Payload:  json.RawMessage(`{"prompt":"a cat"}`),
		Priority: priority,
	})
	require.NoError(t, err)
	return id
}

func TestClaimRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClaimRequiresScope(t *testing.T) {
	ts, _ := newTestServer(t)
	tok := workerToken(t, "w1", auth.ScopeReport) // missing jobs:claim
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim", tok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClaimEmptyBacklogIs204(t *testing.T) {
	ts, _ := newTestServer(t)
	tok := workerToken(t, "w1", auth.ScopeClaim)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClaimReturnsHighestPriorityJob(t *testing.T) {
	ts, store := newTestServer(t)
	a := enqueue(t, store, domain.KindGenerateImage, 5)
	b := enqueue(t, store, domain.KindGenerateImage, 9)
	_ = a

	tok := workerToken(t, "w1", auth.ScopeClaim)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, b, got.ID)
	assert.Equal(t, "running", got.Status)
}

func TestClaimKindFilter(t *testing.T) {
	ts, store := newTestServer(t)
	enqueue(t, store, domain.KindTrainLora, 9)
	imgID := enqueue(t, store, domain.KindGenerateImage, 1)

	tok := workerToken(t, "w1", auth.ScopeClaim)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim", tok,
		map[string][]string{"kinds": {domain.KindGenerateImage}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, imgID, got.ID)
}

func TestDoneByHolder(t *testing.T) {
	ts, store := newTestServer(t)
	id := enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)

	tok := workerToken(t, "w1", auth.ScopeReport)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/done", tok,
		map[string]any{"result": map[string]string{"object_key": "out/1.png"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Nil(t, job.ReservedBy)
	assert.NotNil(t, job.CompletedAt)
}

func TestDoneByNonHolderIs403(t *testing.T) {
	ts, store := newTestServer(t)
	id := enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)

	tok := workerToken(t, "w2", auth.ScopeReport)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/done", tok,
		map[string]any{"result": map[string]string{}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, job.Status, "rejected report must not mutate")
}

func TestDoneUnknownJobIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	tok := workerToken(t, "w1", auth.ScopeReport)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/42/done", tok,
		map[string]any{"result": map[string]string{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailRequeuesUntilCeiling(t *testing.T) {
	ts, store := newTestServer(t)
	id := enqueue(t, store, domain.KindGenerateImage, 0)
	tok := workerToken(t, "w1", auth.ScopeClaim, auth.ScopeReport)

	for attempt := 1; attempt <= domain.MaxRetries; attempt++ {
		_, err := store.Claim(context.Background(), "w1", nil)
		require.NoError(t, err)

		resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/fail", tok,
			map[string]string{"error": "CUDA out of memory"})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		job, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Retries)
		if attempt < domain.MaxRetries {
			assert.Equal(t, domain.StatusQueued, job.Status)
		} else {
			assert.Equal(t, domain.StatusFailed, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, "CUDA out of memory", *job.Error)
		}
	}
}

func TestHeartbeatByHolder(t *testing.T) {
	ts, store := newTestServer(t)
	enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)

	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/heartbeat",
		workerToken(t, "w1", auth.ScopeReport), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/heartbeat",
		workerToken(t, "w2", auth.ScopeReport), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReportOnCancelledJobIsNoop(t *testing.T) {
	ts, store := newTestServer(t)
	id := enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(context.Background(), id))

	tok := workerToken(t, "w1", auth.ScopeReport)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs/1/done", tok,
		map[string]any{"result": map[string]string{}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status, "cancelled is terminal")
}

func TestEnqueueAndGet(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs", "", map[string]any{
		"kind":     domain.KindTrainLora,
		"payload":  map[string]string{"dataset": "ds-7"},
		"priority": 3,
		"owner":    "user-12",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotZero(t, created.ID)

	resp = doReq(t, http.MethodGet, ts.URL+"/v1/jobs/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job struct {
		Kind     string `json:"kind"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
		Retries  int    `json:"retries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, domain.KindTrainLora, job.Kind)
	assert.Equal(t, "queued", job.Status)
	assert.Equal(t, 3, job.Priority)
	assert.Zero(t, job.Retries)
}

func TestEnqueueRejectsMissingKind(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/jobs", "", map[string]any{
		"payload": map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTerminalIsNoop(t *testing.T) {
	ts, store := newTestServer(t)
	enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Done(context.Background(), 1, "w1", nil))

	resp := doReq(t, http.MethodDelete, ts.URL+"/v1/jobs/1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
}

func TestClaimDryRun(t *testing.T) {
	ts, store := newTestServer(t)
	tok := workerToken(t, "w1", auth.ScopeClaim)

	resp := doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim-dryrun", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	id := enqueue(t, store, domain.KindGenerateImage, 0)
	resp = doReq(t, http.MethodPost, ts.URL+"/v1/workers/claim-dryrun", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Available bool  `json:"available"`
		ID        int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Available)
	assert.Equal(t, id, out.ID)

	// Dry run must not reserve.
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status)
}

func TestStats(t *testing.T) {
	ts, store := newTestServer(t)
	enqueue(t, store, domain.KindGenerateImage, 0)
	enqueue(t, store, domain.KindGenerateImage, 0)
	_, err := store.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)

	resp := doReq(t, http.MethodGet, ts.URL+"/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats["queued"])
	assert.Equal(t, int64(1), stats["running"])
}
