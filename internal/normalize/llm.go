package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/54b3r/handoff-go/internal/index"
)

// llmSystemPrompt instructs the chat model to emit the chunk schema as a
// bare JSON array. Field names must match llmChunk's json tags exactly.
const llmSystemPrompt = `You are a document preprocessor for a knowledge-handover system.
Split the document into coherent chunks of roughly 1000 characters and return
ONLY a JSON array — no markdown fencing, no commentary. Each element must have
exactly these fields:

  "content":        the chunk text, verbatim from the document
  "parentSummary":  a summary of the whole document, at most 400 characters
  "chunkSummary":   a one-line summary of this chunk, at most 160 characters
  "tags":           an array of up to 8 lowercase keyword strings
  "relatedSection": one of "risks", "roadmap", "stakeholders", "resources", "general"

Every chunk's "content" must be non-empty. Cover the entire document.`

// llmChunk is the JSON element shape the model is asked to produce.
type llmChunk struct {
	Content        string   `json:"content"`
	ParentSummary  string   `json:"parentSummary"`
	ChunkSummary   string   `json:"chunkSummary"`
	Tags           []string `json:"tags"`
	RelatedSection string   `json:"relatedSection"`
}

// LLM is the model-assisted Normalizer variant. It sends the raw text to a
// chat model and parses the structured response into chunks. Output that
// fails to parse or violates the schema surfaces ErrSchemaViolation — the
// pipeline then decides whether to degrade to the deterministic fallback.
type LLM struct {
	// chatModel generates the structured chunk JSON.
	chatModel model.ToolCallingChatModel
	// opts holds the shared budget settings.
	opts Options
	// fileType labels chunks as "code" or "doc" in Meta.
	fileType string
}

// NewLLM constructs an LLM normalizer over the given chat model.
func NewLLM(chatModel model.ToolCallingChatModel, opts Options, fileType string) (*LLM, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("normalize: chat model must not be nil")
	}
	if fileType == "" {
		fileType = "doc"
	}
	return &LLM{chatModel: chatModel, opts: opts.withDefaults(), fileType: fileType}, nil
}

// Normalize asks the model for structured chunks and validates the result
// against the schema.
func (n *LLM) Normalize(ctx context.Context, sourceFile, rawText string) ([]index.Chunk, error) {
	text, dropped, err := clampInput(strings.TrimSpace(rawText), n.opts)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	msgs := []*schema.Message{
		schema.SystemMessage(llmSystemPrompt),
		schema.UserMessage(text),
	}
	resp, err := n.chatModel.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("normalize: model generate failed: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: model returned empty response", ErrSchemaViolation)
	}

	raw := stripFences(resp.Content)
	var parsed []llmChunk
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("%w: model returned zero chunks for non-empty input", ErrSchemaViolation)
	}

	out := make([]index.Chunk, 0, len(parsed))
	for i, p := range parsed {
		if strings.TrimSpace(p.Content) == "" {
			return nil, fmt.Errorf("%w: chunk %d has empty content", ErrSchemaViolation, i)
		}
		out = append(out, index.Chunk{
			ID:             uuid.NewString(),
			SourceFile:     sourceFile,
			Content:        p.Content,
			ParentSummary:  clip(p.ParentSummary, 400),
			ChunkSummary:   clip(p.ChunkSummary, 160),
			Tags:           p.Tags,
			RelatedSection: normalizeSection(p.RelatedSection),
			Meta:           truncMeta(i, len(parsed), dropped, n.fileType),
		})
	}
	return out, nil
}

// normalizeSection maps unknown section labels from the model to "general".
func normalizeSection(section string) string {
	switch section {
	case "risks", "roadmap", "stakeholders", "resources", "general":
		return section
	}
	return "general"
}

// stripFences removes a surrounding markdown code fence, if present. Models
// frequently wrap JSON in ```json blocks despite instructions not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
