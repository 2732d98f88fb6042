package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/54b3r/handoff-go/internal/blob"
	"github.com/54b3r/handoff-go/internal/embedder"
	"github.com/54b3r/handoff-go/internal/extract"
	"github.com/54b3r/handoff-go/internal/generate"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/normalize"
	"github.com/54b3r/handoff-go/internal/pipeline"
	"github.com/54b3r/handoff-go/internal/provider"
	"github.com/54b3r/handoff-go/internal/server"
)

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// buildBackend selects the index backend from the environment. QDRANT_HOST
// set selects the Qdrant backend (which needs an embedder); unset falls back
// to the in-memory keyword backend so the system runs with zero
// infrastructure.
func buildBackend(ctx context.Context, log *slog.Logger) (index.Backend, []server.Pinger, error) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		log.Info("index backend: in-memory (QDRANT_HOST not set)")
		return index.NewMemoryBackend(), nil, nil
	}

	if err := embedder.ValidateForVectorSearch(log); err != nil {
		return nil, nil, fmt.Errorf("embedding config: %w", err)
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	backend, err := index.NewQdrantBackend(ctx, emb, &index.QdrantConfig{
		Host:       host,
		Port:       getEnvInt("QDRANT_PORT", 6334),
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		VectorSize: uint64(embedder.DefaultDimensions(embBackend)), //nolint:gosec // dimensions are bounded
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", host, err)
	}
	log.Info("index backend: qdrant", slog.String("host", host))

	return backend, []server.Pinger{server.NewQdrantPinger(backend.Client())}, nil
}

// buildGeneration selects the completer and normalizers from MODEL_PROVIDER.
// "local" (or unset) runs fully offline: deterministic normalizer plus the
// evidence-quoting local completer. Any real provider gets the LLM normalizer
// with the deterministic one as schema-violation fallback.
func buildGeneration(ctx context.Context, log *slog.Logger) (generate.Completer, normalize.Normalizer, normalize.Normalizer, []server.Pinger, error) {
	prov := getEnvOrDefault("MODEL_PROVIDER", "local")
	opts := normalize.Options{}
	deterministic := normalize.NewDeterministic(opts, "doc")

	if prov == "local" {
		log.Info("generation: local deterministic mode")
		return generate.NewLocal(), deterministic, nil, nil, nil
	}

	chatModel, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("generation: provider initialised", slog.String("provider", prov))

	llmNorm, err := normalize.NewLLM(chatModel, opts, "doc")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialise model normalizer: %w", err)
	}

	pingers := []server.Pinger{server.NewModelPinger(chatModel, prov)}
	return generate.NewCloud(chatModel), llmNorm, deterministic, pingers, nil
}

// buildDispatcher assembles the extractor stack. The OCR extractor is wired
// only when DOCINTEL_ENDPOINT is configured; without it PDF and image
// uploads fail with a clear extraction error.
func buildDispatcher(log *slog.Logger) (*extract.Dispatcher, error) {
	var ocr extract.Extractor
	if endpoint := os.Getenv("DOCINTEL_ENDPOINT"); endpoint != "" {
		o, err := extract.NewOCRExtractor(&extract.OCRConfig{
			Endpoint: endpoint,
			APIKey:   os.Getenv("DOCINTEL_API_KEY"),
		}, blob.NewLocalResolver(""))
		if err != nil {
			return nil, fmt.Errorf("failed to initialise OCR extractor: %w", err)
		}
		ocr = o
		log.Info("ocr extractor enabled", slog.String("endpoint", endpoint))
	} else {
		log.Info("ocr extractor disabled (DOCINTEL_ENDPOINT not set)")
	}
	return extract.NewDispatcher(extract.NewTextExtractor(), extract.NewContainerExtractor(), ocr)
}

// pipelineConfigFromEnv builds pipeline tuning from the environment.
func pipelineConfigFromEnv() pipeline.Config {
	return pipeline.Config{
		MaxFileBytes: int64(getEnvInt("HANDOFF_MAX_FILE_MB", 20)) << 20,
		MaxWorkers:   getEnvInt("HANDOFF_MAX_WORKERS", 4),
		TaskTimeout:  time.Duration(getEnvInt("HANDOFF_TASK_TIMEOUT", 300)) * time.Second,
	}
}
