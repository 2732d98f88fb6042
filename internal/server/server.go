// Package server implements the HTTP API of the document ingestion and
// retrieval service: upload, task status, search, chat, and handover report
// generation. The server is started by the `handoff serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/handoff-go/internal/extract"
	"github.com/54b3r/handoff-go/internal/generate"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/normalize"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/report"
	"github.com/54b3r/handoff-go/internal/task"
)

// New constructs a Server from the provided dependencies and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Tasks == nil || deps.Ingest == nil || deps.Backend == nil {
		return nil, fmt.Errorf("server: tasks, ingest, and backend dependencies are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover report generation, the slowest endpoint.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		log.Warn("api authentication disabled; set HANDOFF_API_KEY to enable")
	}

	mux := http.NewServeMux()
	// Unauthenticated operational endpoints.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected API surface. Expensive endpoints are additionally rate limited.
	protect := func(name string, h http.HandlerFunc, limited bool) http.Handler {
		var handler http.Handler = h
		if limited {
			handler = rl.middleware(handler)
		}
		return authMiddleware(cfg.APIKey, s.metrics.instrument(name, handler))
	}
	mux.Handle("POST /api/upload", protect("upload", s.handleUpload, true))
	mux.Handle("GET /api/tasks/{id}", protect("task_status", s.handleTaskStatus, false))
	mux.Handle("POST /api/tasks/{id}/cancel", protect("task_cancel", s.handleTaskCancel, false))
	mux.Handle("GET /api/indexes", protect("indexes", s.handleIndexes, false))
	mux.Handle("GET /api/stats", protect("stats", s.handleStats, false))
	mux.Handle("GET /api/documents", protect("documents", s.handleDocuments, false))
	mux.Handle("POST /api/query", protect("query", s.handleQuery, true))
	mux.Handle("POST /api/chat", protect("chat", s.handleChat, true))
	mux.Handle("POST /api/report", protect("report", s.handleReport, true))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler exposes the fully wired HTTP handler. Used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// retryAfterSeconds is the Retry-After hint sent with 429 responses caused
// by an upstream provider rate limit. Provider quotas recover on the order
// of tens of seconds, unlike the per-IP limiter's one-second window.
const retryAfterSeconds = "30"

// writeError maps domain errors onto HTTP status codes and emits a JSON
// error body. Unknown errors become 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, extract.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, normalize.ErrInputTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, index.ErrIndexUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, generate.ErrRateLimited):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", retryAfterSeconds)
	case errors.Is(err, generate.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, generate.ErrUnavailable), errors.Is(err, report.ErrMalformed):
		status = http.StatusBadGateway
	default:
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
