package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/54b3r/handoff-go/internal/archive"
	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/report"
	"github.com/54b3r/handoff-go/internal/retrieval"
	"github.com/54b3r/handoff-go/internal/server"
	"github.com/54b3r/handoff-go/internal/task"
	"github.com/54b3r/handoff-go/internal/tracing"
)

// NewServeCmd constructs the `handoff serve` command, which starts the HTTP
// API for uploads, search, chat, and report generation.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the handoff HTTP API",
		Long: `Start the handoff HTTP server on localhost.

The server accepts document uploads, processes them in the background, and
exposes search, chat, and handover report endpoints over the built index.

Examples:
  handoff serve
  handoff serve --port 9090
  MODEL_PROVIDER=azure QDRANT_HOST=localhost handoff serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Env beats the flag default but not an explicit flag.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("HANDOFF_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("HANDOFF_PORT", port)
			}

			log.Info("serve starting", slog.String("provider", getEnvOrDefault("MODEL_PROVIDER", "local")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			backend, backendPingers, err := buildBackend(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer backend.Close()

			completer, normalizer, fallback, modelPingers, err := buildGeneration(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			dispatcher, err := buildDispatcher(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			// Open the chunk archive. HANDOFF_ARCHIVE_DB overrides the default
			// path (~/.handoff/archive.db). Set to "disabled" to disable.
			var archives archive.Store
			dbPath := os.Getenv("HANDOFF_ARCHIVE_DB")
			if dbPath != "disabled" {
				if dbPath == "" {
					dbPath, err = archive.DefaultDBPath()
					if err != nil {
						log.Warn("archive: could not resolve default DB path, disabling", slog.Any("error", err))
					}
				}
				if dbPath != "" {
					st, stErr := archive.Open(dbPath)
					if stErr != nil {
						log.Warn("archive: failed to open store, disabling", slog.Any("error", stErr))
					} else {
						archives = st
						defer func() { _ = st.Close() }()
						log.Info("archive: store opened", slog.String("path", dbPath))
					}
				}
			} else {
				log.Info("archive: disabled via HANDOFF_ARCHIVE_DB=disabled")
			}

			registry := task.NewRegistry()
			coordinator := pipeline.New(pipelineConfigFromEnv(), registry, dispatcher, normalizer, fallback, backend, archives)
			defer coordinator.Wait()

			retriever := retrieval.New(backend)

			srv, err := server.New(server.Deps{
				Tasks:     registry,
				Ingest:    coordinator,
				Backend:   backend,
				Retriever: retriever,
				Completer: completer,
				Reports:   report.NewBuilder(retriever, completer),
			}, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: append(backendPingers, modelPingers...),
				APIKey:  os.Getenv("HANDOFF_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
