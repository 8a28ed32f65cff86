package httpapi

import (
	"encoding/json"
	"net/http"
)

type claimRequest struct {
	// Kinds optionally restricts the claim to a set of job kinds, e.g. a
	// CPU-only worker excluding train_lora. Empty means any kind.
	Kinds []string `json:"kinds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	job, err := s.Store.Claim(r.Context(), workerID(r), req.Kinds)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if job == nil {
		// Empty backlog is the normal idle case.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.Logger.Info("job claimed",
		"job_id", job.ID, "kind", job.Kind, "worker_id", workerID(r))
	s.touchActivity(r.Context())
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleClaimDryRun(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id, ok, err := s.Store.PeekClaim(r.Context(), req.Kinds)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"available": true, "id": id})
}

type doneRequest struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req doneRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := s.Store.Done(r.Context(), id, workerID(r), req.Result); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.Logger.Info("job completed", "job_id", id, "worker_id", workerID(r))
	s.touchActivity(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Error == "" {
		req.Error = "worker reported failure"
	}

	if err := s.Store.Fail(r.Context(), id, workerID(r), req.Error); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.Logger.Warn("job failed", "job_id", id, "worker_id", workerID(r), "reason", req.Error)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.Store.Heartbeat(r.Context(), id, workerID(r)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
