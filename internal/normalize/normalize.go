// Package normalize turns extracted raw text into the fixed chunk schema
// the index backends store. Two implementations satisfy the Normalizer
// contract: a deterministic variant that needs no external calls, and an
// LLM-assisted variant that asks a chat model for structured JSON. The
// pipeline uses the deterministic variant as the fallback when the LLM
// variant produces output that violates the schema.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/54b3r/handoff-go/internal/index"
)

// ErrInputTooLarge is returned in strict mode for inputs over the character
// budget. In non-strict mode the input is truncated instead, visibly: the
// produced chunks carry Meta["truncated"] with the dropped character count.
var ErrInputTooLarge = errors.New("normalize: input exceeds character budget")

// ErrSchemaViolation is returned by the LLM-assisted variant when the model
// response is not valid structured output matching the chunk schema.
var ErrSchemaViolation = errors.New("normalize: response violates chunk schema")

// DefaultMaxChars is the default input character budget.
const DefaultMaxChars = 50_000

// MetaTruncated is the Meta key recording visible truncation. Its value is
// the number of characters dropped, so downstream consumers can detect
// partial coverage.
const MetaTruncated = "truncated"

// Normalizer converts raw text into schema-normalized chunks.
// Implementations must be safe to call from multiple goroutines.
// Non-empty input yields at least one chunk; empty input yields an empty
// slice and no error.
type Normalizer interface {
	// Normalize produces the chunk sequence for one source file.
	Normalize(ctx context.Context, sourceFile, rawText string) ([]index.Chunk, error)
}

// Options are shared settings for both normalizer variants.
type Options struct {
	// MaxChars is the input character budget. Defaults to DefaultMaxChars.
	MaxChars int
	// Strict makes over-budget input fail with ErrInputTooLarge instead of
	// being visibly truncated.
	Strict bool
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	return o
}

// clampInput enforces the character budget. It returns the (possibly
// truncated) text and the number of characters dropped, or ErrInputTooLarge
// in strict mode.
func clampInput(text string, opts Options) (string, int, error) {
	runes := []rune(text)
	if len(runes) <= opts.MaxChars {
		return text, 0, nil
	}
	if opts.Strict {
		return "", 0, fmt.Errorf("%w: %d chars over a budget of %d", ErrInputTooLarge, len(runes), opts.MaxChars)
	}
	return string(runes[:opts.MaxChars]), len(runes) - opts.MaxChars, nil
}

// wordPattern tokenizes text for tag extraction.
var wordPattern = regexp.MustCompile(`[^0-9A-Za-z가-힣]+`)

// stopwords are common tokens excluded from extracted tags. English plus the
// Korean particles that dominate handover documents.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true,
	"that": true, "from": true, "into": true, "have": true, "has": true,
	"will": true, "are": true, "was": true, "were": true, "you": true,
	"your": true, "our": true, "their": true, "they": true, "them": true,
	"있습니다": true, "합니다": true, "그리고": true, "하지만": true,
	"또는": true, "에서": true, "으로": true, "입니다": true,
}

// extractTags returns up to limit distinct lowercase keyword tokens of
// length >= 3, in order of first appearance.
func extractTags(text string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range wordPattern.Split(strings.ToLower(text), -1) {
		if len([]rune(tok)) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// sectionKeywords maps handover-document section labels to the keywords
// that classify a chunk into them. Evaluation order is fixed so the same
// text always gets the same label.
var sectionKeywords = []struct {
	section  string
	keywords []string
}{
	{"risks", []string{"risk", "issue", "현안", "리스크"}},
	{"roadmap", []string{"roadmap", "계획", "마일스톤", "milestone"}},
	{"stakeholders", []string{"owner", "담당", "contact", "연락"}},
	{"resources", []string{"system", "tool", "계정", "접속", "url", "credential"}},
}

// classifySection maps chunk text to a handover-document section label.
// Text matching none of the known sections is labeled "general".
func classifySection(text string) string {
	lower := strings.ToLower(text)
	for _, sk := range sectionKeywords {
		for _, kw := range sk.keywords {
			if strings.Contains(lower, kw) {
				return sk.section
			}
		}
	}
	return "general"
}

// truncMeta builds the shared Meta map for one chunk.
func truncMeta(i, total, dropped int, fileType string) map[string]string {
	m := map[string]string{
		"chunk_index": strconv.Itoa(i + 1),
		"chunk_total": strconv.Itoa(total),
		"file_type":   fileType,
	}
	if dropped > 0 {
		m[MetaTruncated] = strconv.Itoa(dropped)
	}
	return m
}

// firstLine returns the first non-empty line of text, trimmed.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

// clip shortens s to at most max runes.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// flatten collapses all whitespace runs in s to single spaces.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
