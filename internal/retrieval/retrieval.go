// Package retrieval assembles the grounding context for chat and report
// generation: query the index, order the hits, and render them into a single
// citation-bearing context block.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/54b3r/handoff-go/internal/index"
)

// DefaultTopK is the number of chunks retrieved when the caller does not ask
// for a specific count.
const DefaultTopK = 5

// maxContextChars caps the rendered context block so one oversized document
// cannot blow the prompt budget.
const maxContextChars = 24_000

// Orchestrator runs retrieval against a single index backend.
type Orchestrator struct {
	backend index.Backend
}

// New returns an Orchestrator over the given backend.
func New(backend index.Backend) *Orchestrator {
	return &Orchestrator{backend: backend}
}

// Result is the retrieval output: the scored chunks plus the rendered
// context text handed to the completer.
type Result struct {
	// Chunks are the retrieved chunks, most relevant first.
	Chunks []index.ScoredChunk
	// ContextText is the citation-bearing block built from Chunks. Empty when
	// nothing matched.
	ContextText string
}

// AnswerContext retrieves up to topK chunks for the query and renders them
// into a context block. An unknown or empty index yields an empty Result and
// no error; generation proceeds without grounding in that case.
func (o *Orchestrator) AnswerContext(ctx context.Context, indexName, query string, topK int) (Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	name := index.NormalizeIndexName(indexName)

	hits, err := o.backend.Query(ctx, name, query, topK)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: query index %q: %w", name, err)
	}
	if len(hits) == 0 {
		return Result{}, nil
	}
	return Result{Chunks: hits, ContextText: renderContext(hits)}, nil
}

// renderContext formats each chunk as a source-attributed block. The source
// file name leads every block so the completer can cite it.
func renderContext(hits []index.ScoredChunk) string {
	var b strings.Builder
	for i, h := range hits {
		block := formatChunk(i+1, h.Chunk)
		if b.Len()+len(block) > maxContextChars {
			break
		}
		b.WriteString(block)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatChunk(n int, c index.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] source: %s", n, c.SourceFile)
	if c.RelatedSection != "" {
		fmt.Fprintf(&b, " (section: %s)", c.RelatedSection)
	}
	b.WriteString("\n")
	if c.ChunkSummary != "" {
		fmt.Fprintf(&b, "summary: %s\n", c.ChunkSummary)
	}
	b.WriteString(c.Content)
	b.WriteString("\n\n")
	return b.String()
}
