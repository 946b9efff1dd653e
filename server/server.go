// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"jobalert-notifier/alerts"
	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/poll"
)

// ownerHeader carries the authenticated profile id, set by the auth proxy.
const ownerHeader = "X-Owner-ID"

const maxBodyBytes = 64 << 10

// Alerts interface for owner-scoped alert management.
type Alerts interface {
	Create(ctx context.Context, ownerID string, f alerts.Fields) (*notifier.Alert, error)
	Get(ctx context.Context, id, ownerID string) (*notifier.Alert, error)
	List(ctx context.Context, ownerID string) ([]*notifier.Alert, error)
	Update(ctx context.Context, id, ownerID string, f alerts.Fields) (*notifier.Alert, error)
	SetActive(ctx context.Context, id, ownerID string, active bool) (*notifier.Alert, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// Poller interface for triggering sweeps and instant evaluation.
type Poller interface {
	RunSweep(ctx context.Context, frequency notifier.Frequency, asOf time.Time) (*poll.Report, error)
	OnJobPublished(ctx context.Context, job *notifier.Job) (*poll.Report, error)
}

// Jobs interface for loading a published job.
type Jobs interface {
	Job(ctx context.Context, id string) (*notifier.Job, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	alerts       Alerts
	poller       Poller
	jobs         Jobs
	logger       *slog.Logger
	isNotFound   IsNotFound
	limiter      *rateLimiter
	now          func() time.Time
	triggerToken string
}

// Config holds server configuration.
type Config struct {
	Alerts       Alerts
	Poller       Poller
	Jobs         Jobs
	Logger       *slog.Logger
	IsNotFound   IsNotFound
	TriggerToken string  // Empty disables bearer auth on trigger endpoints
	RateLimit    float64 // Alert API requests per second per client
	RateBurst    int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		alerts:       cfg.Alerts,
		poller:       cfg.Poller,
		jobs:         cfg.Jobs,
		logger:       cfg.Logger,
		isNotFound:   cfg.IsNotFound,
		limiter:      newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		now:          time.Now,
		triggerToken: cfg.TriggerToken,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.requireTrigger(s.handlePoll))
	mux.HandleFunc("POST /jobs/published", s.requireTrigger(s.handleJobPublished))

	mux.HandleFunc("GET /alerts", s.alertAPI(s.handleListAlerts))
	mux.HandleFunc("POST /alerts", s.alertAPI(s.handleCreateAlert))
	mux.HandleFunc("GET /alerts/{id}", s.alertAPI(s.handleGetAlert))
	mux.HandleFunc("PATCH /alerts/{id}", s.alertAPI(s.handleUpdateAlert))
	mux.HandleFunc("DELETE /alerts/{id}", s.alertAPI(s.handleDeleteAlert))
	mux.HandleFunc("POST /alerts/{id}/pause", s.alertAPI(s.handleSetActive(false)))
	mux.HandleFunc("POST /alerts/{id}/resume", s.alertAPI(s.handleSetActive(true)))
	return mux
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs a full sweep synchronously
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.limiter.cleanupLoop(ctx, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	frequencies := []notifier.Frequency{notifier.FrequencyDaily, notifier.FrequencyWeekly}
	if v := r.URL.Query().Get("frequency"); v != "" {
		f, err := notifier.ParseFrequency(v)
		if err != nil || f.Period() == 0 {
			s.writeError(w, http.StatusBadRequest, "frequency must be daily or weekly")
			return
		}
		frequencies = []notifier.Frequency{f}
	}

	s.logger.Info("Poll endpoint triggered", "frequencies", frequencies)

	asOf := s.now()
	reports := make([]*poll.Report, 0, len(frequencies))
	for _, f := range frequencies {
		report, err := s.poller.RunSweep(r.Context(), f, asOf)
		if err != nil {
			s.logger.Error("Sweep failed", "frequency", f, "error", err)
			s.writeError(w, http.StatusInternalServerError, "sweep failed")
			return
		}
		reports = append(reports, report)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "reports": reports})
}

func (s *Server) handleJobPublished(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.JobID) == "" {
		s.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.jobs.Job(r.Context(), req.JobID)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("Failed to load published job", "job_id", req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	report, err := s.poller.OnJobPublished(r.Context(), job)
	if err != nil {
		s.logger.Error("Instant evaluation failed", "job_id", req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	if report.Deferred > 0 {
		// Instant alerts have no later cycle; the publisher must retry.
		s.logger.Warn("Instant evaluation incomplete", "job_id", req.JobID, "deferred", report.Deferred)
		w.Header().Set("Retry-After", "30")
		s.writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// requireTrigger guards trigger endpoints with the bearer token, if any.
func (s *Server) requireTrigger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.triggerToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.triggerToken)) != 1 {
				s.logger.Warn("Rejected trigger request", "path", r.URL.Path, "ip", clientIP(r))
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// alertAPI applies per-client rate limiting and requires an owner id.
func (s *Server) alertAPI(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip)
			s.writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
			return
		}

		owner := strings.TrimSpace(r.Header.Get(ownerHeader))
		if owner == "" {
			s.writeError(w, http.StatusUnauthorized, "missing owner")
			return
		}
		next(w, r, owner)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
