package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane serves the worker-facing endpoints and records what the
// client sent.
type fakeControlPlane struct {
	mu         sync.Mutex
	job        *claimedJob // served once, then 204
	claimed    bool
	claims     [][]string // kinds per claim call
	doneBody   json.RawMessage
	failReason string
	heartbeats int
	reported   chan struct{}
}

func newFakeControlPlane(job *claimedJob) *fakeControlPlane {
	return &fakeControlPlane{job: job, reported: make(chan struct{}, 1)}
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workers/claim", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Kinds []string `json:"kinds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.claims = append(f.claims, req.Kinds)
		if f.job == nil || f.claimed {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		f.claimed = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.job)
	})
	mux.HandleFunc("POST /v1/jobs/{id}/done", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Result json.RawMessage `json:"result"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.doneBody = req.Result
		w.WriteHeader(http.StatusNoContent)
		select {
		case f.reported <- struct{}{}:
		default:
		}
	})
	mux.HandleFunc("POST /v1/jobs/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.failReason = req.Error
		w.WriteHeader(http.StatusNoContent)
		select {
		case f.reported <- struct{}{}:
		default:
		}
	})
	mux.HandleFunc("POST /v1/jobs/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heartbeats++
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(url string, reg *Registry) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(url, "test-token", "w1", reg, logger)
	c.PollInterval = 10 * time.Millisecond
	return c
}

func TestClientExecutesAndReportsDone(t *testing.T) {
	job := &claimedJob{ID: 7, Kind: "generate_image",
		Payload: json.RawMessage(`{"prompt":"a dog"}`)}
	cp := newFakeControlPlane(job)
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	reg := NewRegistry()
	var gotPayload json.RawMessage
	reg.Register("generate_image", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		gotPayload = payload
		return json.RawMessage(`{"object_key":"out/7.png"}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(ts.URL, reg)
	go c.Run(ctx)

	select {
	case <-cp.reported:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reported")
	}
	cancel()
	require.NoError(t, c.DrainAndWait(context.Background()))

	assert.JSONEq(t, `{"prompt":"a dog"}`, string(gotPayload))
	assert.JSONEq(t, `{"object_key":"out/7.png"}`, string(cp.doneBody))
	assert.Empty(t, cp.failReason)
	require.NotEmpty(t, cp.claims)
	assert.Equal(t, []string{"generate_image"}, cp.claims[0])
}

func TestClientReportsFailure(t *testing.T) {
	job := &claimedJob{ID: 3, Kind: "train_lora", Payload: json.RawMessage(`{}`)}
	cp := newFakeControlPlane(job)
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	reg := NewRegistry()
	reg.Register("train_lora", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("dataset missing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(ts.URL, reg)
	go c.Run(ctx)

	select {
	case <-cp.reported:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reported")
	}
	cancel()
	require.NoError(t, c.DrainAndWait(context.Background()))

	assert.Equal(t, "dataset missing", cp.failReason)
	assert.Nil(t, cp.doneBody)
}

func TestClientHeartbeatsDuringLongJob(t *testing.T) {
	job := &claimedJob{ID: 9, Kind: "generate_video", Payload: json.RawMessage(`{}`)}
	cp := newFakeControlPlane(job)
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	reg := NewRegistry()
	reg.Register("generate_video", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(ts.URL, reg)
	c.HeartbeatEvery = 50 * time.Millisecond
	go c.Run(ctx)

	select {
	case <-cp.reported:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reported")
	}
	cancel()
	require.NoError(t, c.DrainAndWait(context.Background()))

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.GreaterOrEqual(t, cp.heartbeats, 2, "long job must heartbeat while running")
}

func TestClientIdlesOnEmptyBacklog(t *testing.T) {
	cp := newFakeControlPlane(nil)
	ts := httptest.NewServer(cp.handler())
	defer ts.Close()

	reg := NewRegistry()
	reg.Register("generate_image", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run with an empty backlog")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(ts.URL, reg)
	go c.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, c.DrainAndWait(context.Background()))

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Greater(t, len(cp.claims), 1, "client should keep polling while idle")
}
