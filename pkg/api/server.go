// Package api exposes the control surface over HTTP: run submission and
// status, cooperative abort, governance resolution, logs and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
	"overseer/pkg/supervisor"
)

// Server is the control API listener.
type Server struct {
	cfg    config.APIConfig
	sup    *supervisor.Supervisor
	store  *persistence.Store
	usage  *metrics.QueryService
	http   *http.Server
	logger *logx.Logger
}

// NewServer creates the control API server.
func NewServer(cfg config.APIConfig, sup *supervisor.Supervisor, store *persistence.Store) *Server {
	s := &Server{
		cfg:    cfg,
		sup:    sup,
		store:  store,
		logger: logx.NewLogger("api"),
	}
	if cfg.PrometheusURL != "" {
		usage, err := metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			s.logger.Warn("usage endpoint disabled: %v", err)
		} else {
			s.usage = usage
		}
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("control API listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control API failed: %w", err)
	}
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/runs", s.auth(s.handleSubmitRun))
	mux.HandleFunc("GET /v1/runs/{id}", s.auth(s.handleRunStatus))
	mux.HandleFunc("POST /v1/runs/{id}/abort", s.auth(s.handleAbort))
	mux.HandleFunc("POST /v1/runs/{id}/phases/{phase}/review", s.auth(s.handlePhaseReview))
	mux.HandleFunc("GET /v1/runs/{id}/issues", s.auth(s.handleRunIssues))
	mux.HandleFunc("GET /v1/runs/{id}/usage", s.auth(s.handleRunUsage))
	mux.HandleFunc("GET /v1/runs/{id}/governance", s.auth(s.handlePendingGovernance))
	mux.HandleFunc("POST /v1/governance/{id}/resolve", s.auth(s.handleResolveGovernance))
	mux.HandleFunc("GET /v1/logs", s.auth(s.handleLogs))

	return mux
}

// auth enforces the bearer token when a token hash is configured. An empty
// hash disables auth for local development.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"), false)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)); err != nil {
				s.writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"), false)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the run plan wire format.
type submitRequest struct {
	Project       string   `json:"project"`
	SafetyProfile string   `json:"safety_profile,omitempty"`
	MaxTokens     int64    `json:"max_tokens,omitempty"`
	MaxWallClock  string   `json:"max_wall_clock,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	Tiers         []struct {
		Name   string         `json:"name,omitempty"`
		Phases []*proto.Phase `json:"phases"`
	} `json:"tiers"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run plan: %w", err), false)
		return
	}
	if req.Project == "" || len(req.Tiers) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("run plan requires project and tiers"), false)
		return
	}

	run := proto.NewRun(req.Project)
	run.SafetyProfile = req.SafetyProfile
	run.MaxTokens = req.MaxTokens
	run.MaxAttempts = req.MaxAttempts
	if req.MaxWallClock != "" {
		d, err := time.ParseDuration(req.MaxWallClock)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid max_wall_clock: %w", err), false)
			return
		}
		run.MaxWallClock = proto.Duration(d)
	}
	for i, tier := range req.Tiers {
		t := &proto.Tier{Index: i, Name: tier.Name}
		for _, phase := range tier.Phases {
			if phase.ID == "" {
				phase.ID = proto.GenerateID("phase")
			}
			phase.RunID = run.ID
			phase.TierIndex = i
			phase.State = proto.PhaseQueued
			if phase.Complexity == "" {
				phase.Complexity = proto.ComplexityMedium
			}
			t.Phases = append(t.Phases, phase)
		}
		run.Tiers = append(run.Tiers, t)
	}

	if err := s.sup.SubmitRun(run); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err, false)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"run_id": run.ID, "state": run.State.String()})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.sup.RunStatus(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Abort(r.PathValue("id")); err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort requested"})
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// handlePhaseReview resolves a NEEDS_REVIEW phase by operator decision.
func (s *Server) handlePhaseReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid review: %w", err), false)
		return
	}

	phase, err := s.sup.ReviewPhase(r.PathValue("id"), r.PathValue("phase"), req.Approve, req.Reason)
	if errors.Is(err, supervisor.ErrNotReviewable) {
		s.writeError(w, http.StatusUnprocessableEntity, err, false)
		return
	}
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, phase)
}

func (s *Server) handleRunIssues(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListIssues(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": list})
}

// handleRunUsage aggregates token and cost counters out of Prometheus. The
// scraped counters survive daemon restarts; the run record does not always.
func (s *Server) handleRunUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("prometheus_url is not configured"), false)
		return
	}
	runID := r.PathValue("id")
	total, err := s.usage.GetRunMetrics(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err, true)
		return
	}
	byModel, err := s.usage.GetRunMetricsByModel(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err, true)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"total": total, "by_model": byModel})
}

func (s *Server) handlePendingGovernance(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sup.Negotiator().Pending(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type resolveRequest struct {
	Approve  bool   `json:"approve"`
	Approver string `json:"approver"`
}

func (s *Server) handleResolveGovernance(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid resolution: %w", err), false)
		return
	}
	if req.Approver == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("approver is required"), false)
		return
	}

	resolved, err := s.sup.Negotiator().Resolve(r.PathValue("id"), req.Approve, req.Approver)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	component := r.URL.Query().Get("component")
	since := time.Now().Add(-15 * time.Minute)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since timestamp: %w", err), false)
			return
		}
		since = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": logx.RecentEntries(component, since)})
}

// errorResponse distinguishes retryable conditions (locked runs, transient
// storage trouble) from permanent ones so callers can back off correctly.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	var locked *supervisor.ErrRunLocked
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err, false)
	case errors.As(err, &locked):
		s.writeError(w, http.StatusConflict, err, true)
	default:
		s.writeError(w, http.StatusInternalServerError, err, true)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error, retryable bool) {
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: retryable})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}
