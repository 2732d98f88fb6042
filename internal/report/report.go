// Package report generates the structured handover document from indexed
// content. The document shape is fixed; model output that does not parse
// into it is rejected rather than passed through.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/54b3r/handoff-go/internal/generate"
	"github.com/54b3r/handoff-go/internal/retrieval"
)

// ErrMalformed is returned when the completer output cannot be parsed into a
// valid handover document.
var ErrMalformed = errors.New("report: malformed document")

// Party identifies one side of the handover.
type Party struct {
	Name     string `json:"name"`
	Position string `json:"position"`
	Contact  string `json:"contact"`
}

// Overview summarises the handover itself.
type Overview struct {
	Transferor Party  `json:"transferor"`
	Transferee Party  `json:"transferee"`
	Background string `json:"background"`
	Period     string `json:"period"`
}

// Priority is one ranked work item carried over to the incoming owner.
type Priority struct {
	Rank     int    `json:"rank"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Deadline string `json:"deadline"`
}

// Stakeholders lists the people the incoming owner will deal with.
type Stakeholders struct {
	Manager  string   `json:"manager"`
	Internal []string `json:"internal"`
	External []string `json:"external"`
}

// Risks captures open issues and anticipated risks.
type Risks struct {
	Issues string `json:"issues"`
	Risks  string `json:"risks"`
}

// Resources lists the documents, systems, and contacts to hand over.
type Resources struct {
	Docs     []string `json:"docs"`
	Systems  []string `json:"systems"`
	Contacts []string `json:"contacts"`
}

// Document is the complete six-section handover report.
type Document struct {
	Overview         Overview     `json:"overview"`
	Responsibilities []string     `json:"responsibilities"`
	Priorities       []Priority   `json:"priorities"`
	Stakeholders     Stakeholders `json:"stakeholders"`
	Risks            Risks        `json:"risks"`
	Resources        Resources    `json:"resources"`
}

const reportPrompt = `Produce a handover report for the incoming owner based on
the provided context. Respond with a single JSON object with exactly these
keys: "overview" (object with "transferor", "transferee", "background",
"period"), "responsibilities" (array of strings), "priorities" (array of
objects with "rank", "title", "status", "deadline"), "stakeholders" (object
with "manager", "internal", "external"), "risks" (object with "issues",
"risks"), "resources" (object with "docs", "systems", "contacts"). Use empty
strings or empty arrays for anything the context does not cover. Do not invent
names or contacts.`

// Builder retrieves grounding context and asks a completer for the document.
type Builder struct {
	retriever *retrieval.Orchestrator
	completer generate.Completer
}

// NewBuilder wires retrieval and generation together.
func NewBuilder(retriever *retrieval.Orchestrator, completer generate.Completer) *Builder {
	return &Builder{retriever: retriever, completer: completer}
}

// Build generates the handover document from the named index. An empty index
// still produces a document — the completer fills in a skeleton — but output
// that fails to parse is an error, never a silently empty success.
func (b *Builder) Build(ctx context.Context, indexName, focus string) (*Document, error) {
	query := focus
	if strings.TrimSpace(query) == "" {
		query = "responsibilities priorities stakeholders risks resources handover"
	}
	res, err := b.retriever.AnswerContext(ctx, indexName, query, retrieval.DefaultTopK*2)
	if err != nil {
		return nil, err
	}

	raw, err := b.completer.Complete(ctx, []generate.Message{
		{Role: "user", Content: reportPrompt},
	}, res.ContextText, generate.FormatJSON)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and validates completer output into a Document. Markdown
// fences around the JSON are tolerated; anything else malformed is not.
func Parse(raw string) (*Document, error) {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("report: empty completer output: %w", ErrMalformed)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &keys); err != nil {
		return nil, fmt.Errorf("report: decode document: %v: %w", err, ErrMalformed)
	}
	for _, required := range []string{"overview", "responsibilities", "priorities", "stakeholders", "risks", "resources"} {
		if _, ok := keys[required]; !ok {
			return nil, fmt.Errorf("report: document missing %q section: %w", required, ErrMalformed)
		}
	}

	var doc Document
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("report: decode document: %v: %w", err, ErrMalformed)
	}

	// Normalize nils so consumers always see arrays.
	if doc.Responsibilities == nil {
		doc.Responsibilities = []string{}
	}
	if doc.Priorities == nil {
		doc.Priorities = []Priority{}
	}
	if doc.Stakeholders.Internal == nil {
		doc.Stakeholders.Internal = []string{}
	}
	if doc.Stakeholders.External == nil {
		doc.Stakeholders.External = []string{}
	}
	if doc.Resources.Docs == nil {
		doc.Resources.Docs = []string{}
	}
	if doc.Resources.Systems == nil {
		doc.Resources.Systems = []string{}
	}
	if doc.Resources.Contacts == nil {
		doc.Resources.Contacts = []string{}
	}
	return &doc, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
