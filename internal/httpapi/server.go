// Package httpapi exposes the collaborator and worker HTTP surfaces over
// the queue core and fleet controller.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/fleetq/internal/auth"
	"github.com/yourorg/fleetq/internal/domain"
	"github.com/yourorg/fleetq/internal/fleet"
	"github.com/yourorg/fleetq/internal/queue"
	"github.com/yourorg/fleetq/internal/ratelimit"
)

// Store is the slice of the queue core the API needs. *queue.Queue satisfies
// it; tests use an in-memory fake.
type Store interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Job, error)
	Cancel(ctx context.Context, id int64) error
	Stats(ctx context.Context) (map[string]int64, error)
	Claim(ctx context.Context, workerID string, kinds []string) (*domain.Job, error)
	PeekClaim(ctx context.Context, kinds []string) (int64, bool, error)
	Done(ctx context.Context, id int64, workerID string, result json.RawMessage) error
	Fail(ctx context.Context, id int64, workerID, errMsg string) error
	Heartbeat(ctx context.Context, id int64, workerID string) error
}

type Server struct {
	Store       Store
	Fleet       *fleet.Controller // optional; nil disables autoscale triggers
	FleetState  fleet.Store       // optional; activity tracking
	Limiter     *ratelimit.Limiter
	TokenSecret []byte
	Logger      *slog.Logger
}

func New(store Store, logger *slog.Logger, tokenSecret []byte) *Server {
	return &Server{Store: store, Logger: logger, TokenSecret: tokenSecret}
}

// Handler builds the route table. Worker routes require a scoped worker
// token; collaborator routes are fronted by the external API gateway and
// carry no auth of their own here.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.limit("submit", 5, s.handleEnqueue))
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("POST /v1/workers/claim",
		s.workerAuth(auth.ScopeClaim, s.limit("claim", 10, s.handleClaim)))
	mux.HandleFunc("POST /v1/workers/claim-dryrun",
		s.workerAuth(auth.ScopeClaim, s.limit("claim", 30, s.handleClaimDryRun)))
	mux.HandleFunc("POST /v1/jobs/{id}/done",
		s.workerAuth(auth.ScopeReport, s.limit("report", 60, s.handleDone)))
	mux.HandleFunc("POST /v1/jobs/{id}/fail",
		s.workerAuth(auth.ScopeReport, s.limit("report", 60, s.handleFail)))
	mux.HandleFunc("POST /v1/jobs/{id}/heartbeat",
		s.workerAuth(auth.ScopeReport, s.limit("heartbeat", 120, s.handleHeartbeat)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

type ctxKey int

const workerClaimsKey ctxKey = 0

// workerAuth verifies the bearer token and required scope, then stashes the
// claims in the request context.
func (s *Server) workerAuth(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			s.writeError(w, http.StatusUnauthorized, "missing worker token")
			return
		}
		claims, err := auth.Verify(s.TokenSecret, raw)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid worker token")
			return
		}
		if !claims.HasScope(scope) {
			s.writeError(w, http.StatusForbidden, "token missing scope "+scope)
			return
		}
		ctx := context.WithValue(r.Context(), workerClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

func workerID(r *http.Request) string {
	claims, _ := r.Context().Value(workerClaimsKey).(*auth.WorkerClaims)
	if claims == nil {
		return ""
	}
	return claims.WorkerID
}

// limit applies a per-caller fixed-window rate limit. With no limiter
// configured it is a pass-through.
func (s *Server) limit(name string, perMinute int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil {
			next(w, r)
			return
		}
		caller := workerID(r)
		if caller == "" {
			caller, _, _ = strings.Cut(r.RemoteAddr, ":")
		}
		ok, err := s.Limiter.Allow(r.Context(), name+":"+caller, perMinute, time.Minute)
		if err != nil {
			s.Logger.Warn("rate limiter unavailable", "err", err)
		}
		if !ok {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps queue sentinel errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotHolder):
		s.writeError(w, http.StatusForbidden, "not your job")
	case errors.Is(err, queue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "invalid transition")
	default:
		s.Logger.Error("store error", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathJobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
