package commands

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/54b3r/handoff-go/internal/extract"
	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/task"
)

// settleDelay is how long a watched file must be quiet before it is
// ingested, so half-written files are not picked up.
const settleDelay = 500 * time.Millisecond

// NewIngestCmd constructs the `handoff ingest` command, which pushes local
// files through the same pipeline the HTTP upload endpoint uses.
func NewIngestCmd() *cobra.Command {
	var indexName string
	var watchDir string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest local documents into the index",
		Long: `Run local files through the ingestion pipeline: extract, normalize,
archive, and index. The same validation rules as the HTTP upload endpoint
apply. With --watch, a directory is monitored and newly created files are
ingested as they appear.

Index backend selection follows the environment: QDRANT_HOST set targets
Qdrant, otherwise an in-memory index is used (which only makes sense for
dry runs, since it vanishes on exit).

Examples:
  handoff ingest notes.md runbook.txt
  handoff ingest --index project-atlas docs/*.md
  handoff ingest --watch ./inbox --index project-atlas`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if len(args) == 0 && watchDir == "" {
				return fmt.Errorf("ingest: provide files to ingest or --watch <dir>")
			}

			backend, _, err := buildBackend(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer backend.Close()

			_, normalizer, fallback, _, err := buildGeneration(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			dispatcher, err := buildDispatcher(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			registry := task.NewRegistry()
			coordinator := pipeline.New(pipelineConfigFromEnv(), registry, dispatcher, normalizer, fallback, backend, nil)

			for _, path := range args {
				if err := submitFile(ctx, coordinator, registry, log, path, indexName); err != nil {
					return err
				}
			}

			if watchDir != "" {
				if err := watchAndIngest(ctx, coordinator, registry, log, watchDir, indexName); err != nil {
					return err
				}
			}

			coordinator.Wait()
			return nil
		},
	}

	cmd.Flags().StringVarP(&indexName, "index", "i", "", "Target index name (default: the default index)")
	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Directory to watch; new files are ingested as they appear")

	return cmd
}

// submitFile reads one file, submits it, and waits for its terminal status.
func submitFile(ctx context.Context, c *pipeline.Coordinator, reg *task.Registry, log *slog.Logger, path, indexName string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ingest: read %s: %w", path, err)
	}

	name := filepath.Base(path)
	id, err := c.Submit(ctx, pipeline.SubmitRequest{
		FileName:  name,
		MimeType:  mime.TypeByExtension(filepath.Ext(name)),
		IndexName: indexName,
		Content:   content,
	})
	if err != nil {
		return fmt.Errorf("ingest: %s: %w", name, err)
	}

	final := awaitTerminal(ctx, reg, id)
	log.Info("ingested",
		slog.String("file", name),
		slog.String("status", string(final.Status)),
		slog.String("message", final.Message),
	)
	if final.Status == task.StatusFailed {
		return fmt.Errorf("ingest: %s failed: %s", name, final.Message)
	}
	return nil
}

// awaitTerminal polls the registry until the task finishes or ctx ends.
func awaitTerminal(ctx context.Context, reg *task.Registry, id string) task.Task {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		t, err := reg.Get(id)
		if err != nil {
			return task.Task{Status: task.StatusFailed, Message: err.Error()}
		}
		if t.Status.Terminal() {
			return t
		}
		select {
		case <-ctx.Done():
			return t
		case <-ticker.C:
		}
	}
}

// watchAndIngest monitors dir and submits files once they stop changing.
// Runs until the context is cancelled.
func watchAndIngest(ctx context.Context, c *pipeline.Coordinator, reg *task.Registry, log *slog.Logger, dir, indexName string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", dir, err)
	}
	log.Info("watching for new documents", slog.String("dir", dir))

	// pending maps path to its settle timer; writes reset the timer.
	pending := make(map[string]*time.Timer)
	done := make(chan string)

	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-done:
			delete(pending, path)
			if err := submitFile(ctx, c, reg, log, path, indexName); err != nil {
				log.Warn("watched file rejected", slog.String("path", path), slog.Any("error", err))
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !extract.Supported(event.Name) {
				continue
			}
			path := event.Name
			if timer, exists := pending[path]; exists {
				timer.Reset(settleDelay)
				continue
			}
			pending[path] = time.AfterFunc(settleDelay, func() {
				select {
				case done <- path:
				case <-ctx.Done():
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", slog.Any("error", err))
		}
	}
}
