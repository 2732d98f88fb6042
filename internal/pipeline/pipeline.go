// Package pipeline coordinates document ingestion: validate the upload,
// extract text, normalize it into chunks, archive them, and index them —
// reporting progress through the task registry at every step. The
// coordinator is the only writer of task state; handlers and CLI commands
// only read it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/54b3r/handoff-go/internal/archive"
	"github.com/54b3r/handoff-go/internal/extract"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/normalize"
	"github.com/54b3r/handoff-go/internal/task"
)

// ErrInvalidRequest is returned by Submit when the upload fails validation.
// The wrapped message says which rule was violated.
var ErrInvalidRequest = errors.New("pipeline: invalid request")

// indexNamePattern constrains caller-supplied index names: lowercase
// alphanumerics, hyphen, underscore, 2-63 chars, starting with an
// alphanumeric. Keeps names portable across vector store backends.
var indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

// maxFileNameRunes bounds upload file names; longer names break most
// filesystems and are a sign of a malformed client anyway.
const maxFileNameRunes = 255

// Progress milestones reported through the task registry. Values only move
// forward; the registry clamps and rejects regressions.
const (
	progressAccepted   = 10
	progressExtracted  = 30
	progressNormalized = 60
	progressArchived   = 75
	progressIndexed    = 85
	progressDone       = 100
)

// Config tunes the coordinator.
type Config struct {
	// MaxFileBytes rejects uploads larger than this at Submit (default 20 MiB).
	MaxFileBytes int64
	// MaxWorkers bounds concurrently processing tasks (default 4).
	MaxWorkers int
	// TaskTimeout is the total processing deadline per task (default 5m).
	TaskTimeout time.Duration
	// Normalize carries chunking options shared by both normalizer variants.
	Normalize normalize.Options
}

func (c *Config) applyDefaults() {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 20 << 20
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
}

// SubmitRequest is one document handed to the pipeline.
type SubmitRequest struct {
	// FileName is the original upload name; its extension selects the extractor.
	FileName string
	// MimeType is the client-declared content type (may be empty).
	MimeType string
	// IndexName is the target index; empty selects the default index.
	IndexName string
	// Content is the raw file body.
	Content []byte
}

// Coordinator runs ingestion tasks on a bounded worker pool.
type Coordinator struct {
	cfg        Config
	registry   *task.Registry
	extractor  *extract.Dispatcher
	normalizer normalize.Normalizer
	// fallback runs when the primary normalizer reports a schema violation.
	// nil when the primary is already deterministic.
	fallback normalize.Normalizer
	backend  index.Backend
	// archives is optional; a nil store disables archiving, and archive
	// failures never fail the task.
	archives archive.Store

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Coordinator. backend and registry are required; fallback
// and archives may be nil.
func New(cfg Config, registry *task.Registry, extractor *extract.Dispatcher, normalizer, fallback normalize.Normalizer, backend index.Backend, archives archive.Store) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:        cfg,
		registry:   registry,
		extractor:  extractor,
		normalizer: normalizer,
		fallback:   fallback,
		backend:    backend,
		archives:   archives,
		sem:        make(chan struct{}, cfg.MaxWorkers),
	}
}

// Submit validates the request, registers a task, and schedules processing.
// Validation failures return ErrInvalidRequest (or extract.ErrUnsupportedFormat)
// without creating a task; everything after acceptance is reported through
// the task's status instead.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	name := strings.TrimSpace(req.FileName)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	case strings.ContainsAny(name, `/\`) || strings.Contains(name, ".."):
		return "", fmt.Errorf("%w: file name %q must not contain path separators", ErrInvalidRequest, name)
	case len([]rune(name)) > maxFileNameRunes:
		return "", fmt.Errorf("%w: file name exceeds %d characters", ErrInvalidRequest, maxFileNameRunes)
	case len(req.Content) == 0:
		return "", fmt.Errorf("%w: file %q is empty", ErrInvalidRequest, name)
	case int64(len(req.Content)) > c.cfg.MaxFileBytes:
		return "", fmt.Errorf("%w: file %q exceeds %d bytes", ErrInvalidRequest, name, c.cfg.MaxFileBytes)
	}
	if !extract.Supported(name) {
		return "", fmt.Errorf("pipeline: file %q: %w", name, extract.ErrUnsupportedFormat)
	}

	indexName := index.NormalizeIndexName(req.IndexName)
	if !indexNamePattern.MatchString(indexName) {
		return "", fmt.Errorf("%w: index name %q must match %s", ErrInvalidRequest, indexName, indexNamePattern.String())
	}
	req.IndexName = indexName

	id := c.registry.Create(name, req.MimeType, indexName)

	log := logging.FromContext(ctx).With(
		slog.String("task_id", id),
		slog.String("file", name),
		slog.String("index", indexName),
	)
	// Detach from the request context: processing outlives the HTTP request.
	base := logging.WithLogger(context.Background(), log)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.run(base, id, req)
	}()
	return id, nil
}

// Wait blocks until all in-flight tasks finish. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// run drives one task through the pipeline steps. All status transitions for
// the task happen here.
func (c *Coordinator) run(ctx context.Context, id string, req SubmitRequest) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()
	log := logging.FromContext(ctx)

	// Watchdog: a step that ignores the context deadline must not leave the
	// task non-terminal (or let it finish as completed) past the total
	// budget. Terminal writes are final, so firing after a normal finish is
	// a no-op.
	watchdog := time.AfterFunc(c.cfg.TaskTimeout, func() {
		_ = c.registry.Update(id, task.Update{
			Status:  task.StatusFailed,
			Message: fmt.Sprintf("processing exceeded the %s task deadline", c.cfg.TaskTimeout),
		})
	})
	defer watchdog.Stop()

	fail := func(msg string, err error) {
		log.Error("ingestion failed", slog.String("step", msg), slog.Any("error", err))
		_ = c.registry.Update(id, task.Update{
			Status:  task.StatusFailed,
			Message: fmt.Sprintf("%s: %v", msg, err),
		})
	}

	if !c.advance(id, task.StatusProcessing, "extracting text", progressAccepted) {
		return
	}

	text, err := c.extractor.Extract(ctx, req.Content, req.FileName, req.MimeType)
	if err != nil {
		fail("extract", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		fail("extract", errors.New("document contains no extractable text"))
		return
	}
	if !c.advance(id, task.StatusProcessing, "normalizing chunks", progressExtracted) {
		return
	}

	chunks, warning, err := c.normalizeWithFallback(ctx, log, req.FileName, text)
	if err != nil {
		fail("normalize", err)
		return
	}
	if extract.IsCode(req.FileName) {
		for i := range chunks {
			if chunks[i].Meta == nil {
				chunks[i].Meta = make(map[string]string)
			}
			chunks[i].Meta["file_type"] = "code"
		}
	}
	if !c.advance(id, task.StatusProcessing, "archiving chunks", progressNormalized) {
		return
	}

	if c.archives != nil && len(chunks) > 0 {
		if err := c.archives.Save(ctx, id, req.IndexName, chunks); err != nil {
			// Archive is an audit trail; losing it degrades, never fails.
			log.Warn("chunk archive write failed", slog.Any("error", err))
			warning = appendWarning(warning, "chunk archive unavailable")
		}
	}
	if !c.advance(id, task.StatusProcessing, "indexing chunks", progressArchived) {
		return
	}

	if len(chunks) > 0 {
		if err := c.backend.Upsert(ctx, req.IndexName, chunks); err != nil {
			fail("index", err)
			return
		}
	}
	if !c.advance(id, task.StatusProcessing, "finalizing", progressIndexed) {
		return
	}

	status := task.StatusCompleted
	message := fmt.Sprintf("indexed %d chunks into %s", len(chunks), req.IndexName)
	if len(chunks) == 0 {
		status = task.StatusCompletedWithWarning
		message = "no chunks produced; nothing was indexed"
	} else if warning != "" {
		status = task.StatusCompletedWithWarning
		message = fmt.Sprintf("%s (%s)", message, warning)
	}
	_ = c.registry.Update(id, task.Update{
		Status:   status,
		Message:  message,
		Progress: task.ProgressTo(progressDone),
	})
	log.Info("ingestion finished",
		slog.String("status", string(status)),
		slog.Int("chunks", len(chunks)))
}

// normalizeWithFallback runs the primary normalizer and degrades to the
// deterministic fallback on a schema violation. The degradation is surfaced
// as a warning on the completed task, not a failure.
func (c *Coordinator) normalizeWithFallback(ctx context.Context, log *slog.Logger, fileName, text string) ([]index.Chunk, string, error) {
	chunks, err := c.normalizer.Normalize(ctx, fileName, text)
	if err == nil {
		return chunks, "", nil
	}
	if c.fallback == nil || !errors.Is(err, normalize.ErrSchemaViolation) {
		return nil, "", err
	}
	log.Warn("normalizer output rejected, using deterministic fallback", slog.Any("error", err))
	chunks, ferr := c.fallback.Normalize(ctx, fileName, text)
	if ferr != nil {
		return nil, "", ferr
	}
	return chunks, "model normalizer output was rejected; deterministic chunking used", nil
}

// advance moves the task forward one milestone. Returns false when the task
// reached a terminal state underneath us (cancellation), in which case
// processing stops without touching it again.
func (c *Coordinator) advance(id string, status task.Status, message string, progress int) bool {
	if c.registry.Terminal(id) {
		return false
	}
	err := c.registry.Update(id, task.Update{
		Status:   status,
		Message:  message,
		Progress: task.ProgressTo(progress),
	})
	return err == nil && !c.registry.Terminal(id)
}

func appendWarning(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}
