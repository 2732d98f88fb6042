package normalize

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/handoff-go/internal/index"
)

// chunkMaxChars is the target size of one chunk's content.
const chunkMaxChars = 1200

// tagLimit caps the number of tags per chunk.
const tagLimit = 8

// paragraphSplit matches one or more blank lines.
var paragraphSplit = regexp.MustCompile(`\n\s*\n+`)

// Deterministic is the credential-free Normalizer variant. It packs
// paragraphs into fixed-size chunks and derives summaries, tags, and
// section labels lexically. Identical input always yields identical chunks
// apart from the generated ids.
type Deterministic struct {
	// opts holds the shared budget settings.
	opts Options
	// fileType labels chunks as "code" or "doc" in Meta.
	fileType string
}

// NewDeterministic constructs a Deterministic normalizer. fileType should be
// "code" for source files and "doc" otherwise.
func NewDeterministic(opts Options, fileType string) *Deterministic {
	if fileType == "" {
		fileType = "doc"
	}
	return &Deterministic{opts: opts.withDefaults(), fileType: fileType}
}

// Normalize packs the text's paragraphs into chunks. Empty or
// whitespace-only input yields an empty slice, which is not an error.
func (n *Deterministic) Normalize(_ context.Context, sourceFile, rawText string) ([]index.Chunk, error) {
	text, dropped, err := clampInput(strings.TrimSpace(rawText), n.opts)
	if err != nil {
		return nil, err
	}
	parts := splitChunks(text)
	if len(parts) == 0 {
		return nil, nil
	}

	parentSummary := clip(flatten(text), 400)
	out := make([]index.Chunk, 0, len(parts))
	for i, content := range parts {
		summary := firstLine(content)
		if summary == "" {
			summary = flatten(content)
		}
		out = append(out, index.Chunk{
			ID:             uuid.NewString(),
			SourceFile:     sourceFile,
			Content:        content,
			ParentSummary:  parentSummary,
			ChunkSummary:   clip(summary, 160),
			Tags:           extractTags(content, tagLimit),
			RelatedSection: classifySection(content),
			Meta:           truncMeta(i, len(parts), dropped, n.fileType),
		})
	}
	return out, nil
}

// splitChunks splits text on blank lines and packs consecutive paragraphs
// into chunks of at most chunkMaxChars characters. A single paragraph larger
// than the budget becomes its own oversized chunk rather than being cut
// mid-sentence.
func splitChunks(text string) []string {
	var paras []string
	for _, p := range paragraphSplit.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	if len(paras) == 0 {
		return nil
	}

	var chunks []string
	var buf []string
	size := 0
	for _, p := range paras {
		if size+len(p)+2 > chunkMaxChars && len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf = []string{p}
			size = len(p)
			continue
		}
		buf = append(buf, p)
		size += len(p) + 2
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n\n"))
	}
	return chunks
}
