package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/yourorg/fleetq/internal/domain"
	"github.com/yourorg/fleetq/internal/queue"
)

type enqueueRequest struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Owner    string          `json:"owner"`
}

type jobResponse struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Owner       string          `json:"owner,omitempty"`
	ReservedBy  *string         `json:"reserved_by,omitempty"`
	ReservedAt  *time.Time      `json:"reserved_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Retries     int             `json:"retries"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Kind:        j.Kind,
		Payload:     j.Payload,
		Status:      string(j.Status),
		Priority:    j.Priority,
		Owner:       j.Owner,
		ReservedBy:  j.ReservedBy,
		ReservedAt:  j.ReservedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Retries:     j.Retries,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	id, err := s.Store.Enqueue(r.Context(), queue.EnqueueOptions{
		Kind:     req.Kind,
		Payload:  req.Payload,
		Priority: req.Priority,
		Owner:    req.Owner,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.Logger.Info("job enqueued", "job_id", id, "kind", req.Kind, "priority", req.Priority)
	s.touchActivity(r.Context())
	s.triggerEnsureCapacity()

	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// triggerEnsureCapacity fires the scale-up check in the background.
// Submission latency must not pay for a provider round trip, and a
// provisioning failure here is retried on the next trigger anyway.
func (s *Server) triggerEnsureCapacity() {
	if s.Fleet == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.Fleet.EnsureCapacity(ctx); err != nil {
			s.Logger.Error("ensure capacity failed", "err", err)
		}
	}()
}

func (s *Server) touchActivity(ctx context.Context) {
	if s.FleetState == nil {
		return
	}
	if err := s.FleetState.TouchActivity(ctx); err != nil {
		s.Logger.Warn("touch fleet activity failed", "err", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.Store.Cancel(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.Logger.Info("job cancelled", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
