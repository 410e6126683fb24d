// Package api exposes the HTTP interface for the audit crawl service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/browser"
	"github.com/a11yops/auditcrawler/internal/config"
	"github.com/a11yops/auditcrawler/internal/metrics"
	"github.com/a11yops/auditcrawler/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler and browser pool.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	pool      *browser.Pool
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, pool *browser.Pool, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Post("/jobs/{job_id}/cancel", s.cancelJob)
		r.Get("/stats", s.stats)
		r.Get("/pool", s.poolStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	URL            string `json:"url"`
	MaxDepth       *int   `json:"max_depth"`
	MaxPages       *int   `json:"max_pages"`
	Concurrency    *int   `json:"concurrency"`
	RulesetVersion string `json:"ruleset_version"`
	WCAGLevel      string `json:"wcag_level"`
	OwnerID        string `json:"owner_id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.scheduler.Submit(r.Context(), params, req.OwnerID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.scheduler.ListActive(),
		"queued":  s.scheduler.ListQueued(),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.scheduler.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Cancel(jobID); err != nil {
		if _, known := s.scheduler.GetJob(jobID); !known {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, scheduler.ErrNothingToCancel) {
			writeError(w, http.StatusConflict, "job is not queued or running")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(audit.JobStatusCancelled),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) poolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) toJobParameters(req submitJobRequest) (audit.JobParameters, error) {
	if req.URL == "" {
		return audit.JobParameters{}, errors.New("url is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return audit.JobParameters{}, fmt.Errorf("url %q is not an absolute http(s) URL", req.URL)
	}
	params := audit.JobParameters{
		URL:            req.URL,
		MaxDepth:       valueOrDefault(req.MaxDepth, s.cfg.Crawl.MaxDepthDefault),
		MaxPages:       valueOrDefault(req.MaxPages, s.cfg.Crawl.MaxPagesDefault),
		Concurrency:    valueOrDefault(req.Concurrency, s.cfg.Crawl.PerJobConcurrency),
		RulesetVersion: req.RulesetVersion,
		WCAGLevel:      req.WCAGLevel,
	}
	if params.MaxDepth < 0 {
		return audit.JobParameters{}, errors.New("max_depth must be >= 0")
	}
	if params.MaxPages <= 0 {
		return audit.JobParameters{}, errors.New("max_pages must be > 0")
	}
	if params.MaxPages > s.cfg.Crawl.MaxPagesCeiling {
		params.MaxPages = s.cfg.Crawl.MaxPagesCeiling
	}
	if params.WCAGLevel == "" {
		params.WCAGLevel = s.cfg.Engine.WCAGLevel
	}
	return params, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
