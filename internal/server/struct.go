package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/handoff-go/internal/generate"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/report"
	"github.com/54b3r/handoff-go/internal/retrieval"
	"github.com/54b3r/handoff-go/internal/task"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxUploadBytes caps the multipart body accepted by POST /api/upload.
	// Defaults to 32 MiB.
	MaxUploadBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics. If nil a fresh
	// registry is created, which keeps unit tests hermetic.
	Registry *prometheus.Registry
}

// submitter is the interface handleUpload calls to start ingestion.
// *pipeline.Coordinator satisfies it; tests inject a fake.
type submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (string, error)
}

// Deps are the collaborating components the server exposes over HTTP.
type Deps struct {
	// Tasks is the shared task registry, read for status and cancellation.
	Tasks *task.Registry
	// Ingest accepts validated uploads for background processing.
	Ingest submitter
	// Backend serves GET /api/indexes, /api/stats, and /api/documents.
	Backend index.Backend
	// Retriever serves POST /api/query and grounds chat answers.
	Retriever *retrieval.Orchestrator
	// Completer produces chat answers.
	Completer generate.Completer
	// Reports builds handover documents for POST /api/report.
	Reports *report.Builder
}

// Server is the HTTP boundary of the ingestion and retrieval service.
type Server struct {
	cfg  *Config
	deps Deps
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this instance.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// uploadResponse is the JSON response for POST /api/upload.
type uploadResponse struct {
	// TaskID identifies the ingestion task created for this upload.
	TaskID string `json:"taskId"`
	// Status is the initial task status ("pending").
	Status string `json:"status"`
	// IndexName is the resolved target index.
	IndexName string `json:"indexName"`
}

// taskResponse is the JSON representation of a task for GET /api/tasks/{id}
// and POST /api/tasks/{id}/cancel.
type taskResponse struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	IndexName string `json:"indexName"`
	Status    string `json:"status"`
	// Progress is 0-100 and never decreases.
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// indexesResponse is the JSON response for GET /api/indexes.
type indexesResponse struct {
	Indexes []string `json:"indexes"`
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Query is the search text.
	Query string `json:"query"`
	// IndexName selects the index; empty means the default index.
	IndexName string `json:"indexName,omitempty"`
	// TopK caps the number of results (default 5).
	TopK int `json:"topK,omitempty"`
}

// queryHit is one search result.
type queryHit struct {
	Chunk index.Chunk `json:"chunk"`
	Score float32     `json:"score"`
}

// queryResponse is the JSON response for POST /api/query.
type queryResponse struct {
	Results []queryHit `json:"results"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// IndexName selects the grounding index; empty means the default index.
	IndexName string `json:"indexName,omitempty"`
	// History carries prior conversation turns, oldest first.
	History []generate.Message `json:"history,omitempty"`
	// TopK caps the number of grounding chunks (default 5).
	TopK int `json:"topK,omitempty"`
}

// chatSource attributes part of an answer to an indexed chunk.
type chatSource struct {
	FileName string  `json:"fileName"`
	Section  string  `json:"section,omitempty"`
	Summary  string  `json:"summary,omitempty"`
	Score    float32 `json:"score"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	Answer  string       `json:"answer"`
	Sources []chatSource `json:"sources"`
}

// statsResponse is the JSON response for GET /api/stats.
type statsResponse struct {
	// TotalDocuments is the number of chunks stored in the index.
	TotalDocuments uint64 `json:"totalDocuments"`
	// IndexName is the index the count was taken from.
	IndexName string `json:"indexName"`
}

// storedDocument is one indexed chunk in GET /api/documents.
type storedDocument struct {
	ID            string `json:"id"`
	FileName      string `json:"fileName"`
	Content       string `json:"content"`
	ContentLength int    `json:"contentLength"`
}

// documentsResponse is the JSON response for GET /api/documents.
type documentsResponse struct {
	Count     int              `json:"count"`
	IndexName string           `json:"indexName"`
	Documents []storedDocument `json:"documents"`
}

// reportRequest is the JSON body for POST /api/report.
type reportRequest struct {
	// IndexName selects the source index; empty means the default index.
	IndexName string `json:"indexName,omitempty"`
	// Focus optionally narrows the report to a topic.
	Focus string `json:"focus,omitempty"`
}

// errorResponse is the JSON error body used across handlers.
type errorResponse struct {
	Error string `json:"error"`
}
