// Package index defines the chunk schema and the index backend contract for
// storing and querying normalized document chunks. Two implementations
// satisfy the contract: a Qdrant-backed vector store with semantic
// re-ranking, and a fully in-process keyword store that needs no
// credentials. Callers cannot tell which variant is active from the shape
// of the results — substituting one for the other is a configuration
// choice, never a call-site branch.
package index

import (
	"context"
	"errors"
	"strings"
)

// ErrIndexUnavailable is returned by backend operations when the backing
// service is unreachable after bounded retries. The in-memory backend never
// returns it.
var ErrIndexUnavailable = errors.New("index: backend unavailable")

// DefaultIndexName is the index used when an upload or query does not name one.
const DefaultIndexName = "documents-index"

// Chunk is a schema-normalized, independently retrievable unit of document
// content. A chunk belongs to exactly one index at a time; upserting a chunk
// with an existing id into the same index replaces it.
type Chunk struct {
	// ID is unique within the chunk's index.
	ID string `json:"id"`
	// SourceFile is the originating file name.
	SourceFile string `json:"fileName"`
	// Content is the raw chunk text. Always non-empty after normalization —
	// empty-text chunks are dropped before indexing.
	Content string `json:"content"`
	// ParentSummary is a short summary of the whole source document.
	ParentSummary string `json:"parentSummary"`
	// ChunkSummary is a one-line summary of this chunk.
	ChunkSummary string `json:"chunkSummary"`
	// Tags are keyword labels extracted during normalization.
	Tags []string `json:"tags"`
	// RelatedSection maps the chunk to a handover-document section
	// (e.g. "risks", "roadmap", "stakeholders", "resources").
	RelatedSection string `json:"relatedSection"`
	// Meta holds auxiliary key-value fields. Backends preserve it opaquely:
	// what goes in at upsert comes back byte-identical from a query.
	Meta map[string]string `json:"meta,omitempty"`
	// Embedding is the dense vector for this chunk. Present only when a
	// vector-capable backend computed one; nil (not zero-filled) otherwise.
	Embedding []float32 `json:"-"`
}

// ScoredChunk is a chunk with the relevance score assigned by a query.
type ScoredChunk struct {
	Chunk
	// Score is backend-relative: higher is more relevant. Scores from
	// different backends are not comparable with each other.
	Score float32 `json:"score"`
}

// Backend is the contract both index variants satisfy. Implementations must
// be safe for concurrent use: upserts from different jobs targeting the same
// index must not lose chunks, and queries may run concurrently with upserts.
type Backend interface {
	// Upsert writes chunks into the named index, creating the index on first
	// use. Idempotent per chunk id: re-upserting an id replaces the previous
	// chunk (last writer wins, no duplication).
	Upsert(ctx context.Context, indexName string, chunks []Chunk) error

	// Query returns up to topK chunks ranked most relevant first. Ties are
	// broken by most-recently-upserted first. Querying a nonexistent index
	// returns an empty slice, not an error.
	Query(ctx context.Context, indexName, query string, topK int) ([]ScoredChunk, error)

	// ListIndexes returns the names of all indexes known to the backend.
	ListIndexes(ctx context.Context) ([]string, error)

	// Count returns the number of chunks stored in the named index. An
	// unknown index counts as zero, not an error.
	Count(ctx context.Context, indexName string) (uint64, error)

	// List returns up to limit stored chunks from the named index in
	// insertion order, oldest first. An unknown index returns an empty
	// slice, not an error.
	List(ctx context.Context, indexName string, limit int) ([]Chunk, error)

	// DeleteIndex removes the named index and all of its chunks. Deleting an
	// unknown index is a no-op.
	DeleteIndex(ctx context.Context, indexName string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Embedder converts text into dense vector embeddings. Implementations must
// be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NormalizeIndexName maps an empty or whitespace name to DefaultIndexName.
func NormalizeIndexName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultIndexName
	}
	return name
}
