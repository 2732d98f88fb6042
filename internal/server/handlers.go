package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/handoff-go/internal/generate"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/retrieval"
	"github.com/54b3r/handoff-go/internal/task"
)

// handleUpload handles POST /api/upload. It accepts one multipart file under
// the "file" field plus an optional "indexName" field, validates it through
// the pipeline, and returns 202 with the task id. Processing happens in the
// background; clients poll GET /api/tasks/{id}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: parse multipart form: %v", pipeline.ErrInvalidRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing \"file\" field", pipeline.ErrInvalidRequest))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("%w: read upload: %v", pipeline.ErrInvalidRequest, err))
		return
	}

	id, err := s.deps.Ingest.Submit(r.Context(), pipeline.SubmitRequest{
		FileName:  header.Filename,
		MimeType:  header.Header.Get("Content-Type"),
		IndexName: r.FormValue("indexName"),
		Content:   content,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := s.deps.Tasks.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{
		TaskID:    id,
		Status:    string(t.Status),
		IndexName: t.IndexName,
	})
}

// handleTaskStatus handles GET /api/tasks/{id}.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskJSON(t))
}

// handleTaskCancel handles POST /api/tasks/{id}/cancel. Cancelling a task
// that already reached a terminal state is not an error; the response simply
// reflects the state that won.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Tasks.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.deps.Tasks.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskJSON(t))
}

// handleIndexes handles GET /api/indexes.
func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Backend.ListIndexes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, indexesResponse{Indexes: names})
}

// handleStats handles GET /api/stats: how many chunks the index holds.
// An unknown index reports zero rather than an error so dashboards can poll
// it before the first upload lands.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name := index.NormalizeIndexName(r.URL.Query().Get("indexName"))
	total, err := s.deps.Backend.Count(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{TotalDocuments: total, IndexName: name})
}

// maxDocumentList caps GET /api/documents responses.
const maxDocumentList = 100

// handleDocuments handles GET /api/documents: list stored chunks with their
// content, oldest first, capped at maxDocumentList.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	name := index.NormalizeIndexName(r.URL.Query().Get("indexName"))
	chunks, err := s.deps.Backend.List(r.Context(), name, maxDocumentList)
	if err != nil {
		writeError(w, err)
		return
	}

	docs := []storedDocument{}
	for _, c := range chunks {
		docs = append(docs, storedDocument{
			ID:            c.ID,
			FileName:      c.SourceFile,
			Content:       c.Content,
			ContentLength: len(c.Content),
		})
	}
	writeJSON(w, http.StatusOK, documentsResponse{Count: len(docs), IndexName: name, Documents: docs})
}

// handleQuery handles POST /api/query: raw retrieval without generation.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", pipeline.ErrInvalidRequest))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, fmt.Errorf("%w: query is required", pipeline.ErrInvalidRequest))
		return
	}

	res, err := s.deps.Retriever.AnswerContext(r.Context(), req.IndexName, req.Query, req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := queryResponse{Results: []queryHit{}}
	for _, h := range res.Chunks {
		resp.Results = append(resp.Results, queryHit{Chunk: h.Chunk, Score: h.Score})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChat handles POST /api/chat: retrieval-grounded question answering.
// An empty retrieval result is not an error — the completer answers that the
// documents do not cover the question.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", pipeline.ErrInvalidRequest))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, fmt.Errorf("%w: message is required", pipeline.ErrInvalidRequest))
		return
	}

	outcome := outcomeOK
	defer func() { s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc() }()

	res, err := s.deps.Retriever.AnswerContext(r.Context(), req.IndexName, req.Message, req.TopK)
	if err != nil {
		outcome = outcomeError
		writeError(w, err)
		return
	}

	messages := append(append([]generate.Message{}, req.History...), generate.Message{
		Role:    "user",
		Content: req.Message,
	})
	answer, err := s.deps.Completer.Complete(r.Context(), messages, res.ContextText, generate.FormatText)
	if err != nil {
		outcome = chatOutcome(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Answer: answer, Sources: chatSources(res)})
}

// handleReport handles POST /api/report: generate the structured handover
// document from the index contents.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", pipeline.ErrInvalidRequest))
		return
	}

	doc, err := s.deps.Reports.Build(r.Context(), req.IndexName, req.Focus)
	if err != nil {
		logging.FromContext(r.Context()).Error("report generation failed", slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// taskJSON converts a registry task to its wire representation.
func taskJSON(t task.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		FileName:  t.FileName,
		IndexName: t.IndexName,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Message:   t.Message,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

// chatSources converts retrieval hits into response attributions.
func chatSources(res retrieval.Result) []chatSource {
	sources := []chatSource{}
	for _, h := range res.Chunks {
		sources = append(sources, chatSource{
			FileName: h.Chunk.SourceFile,
			Section:  h.Chunk.RelatedSection,
			Summary:  h.Chunk.ChunkSummary,
			Score:    h.Score,
		})
	}
	return sources
}
