package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	tokenSplit   = regexp.MustCompile(`[^0-9A-Za-z가-힣]+`)
)

const localContextCap = 20_000

// Local is a deterministic completer that answers from the retrieved context
// alone. Chat answers quote matching context lines as evidence; report
// requests produce a filled-in handover skeleton. Same inputs always produce
// the same output, which the tests rely on.
type Local struct{}

// NewLocal returns the zero-configuration local completer.
func NewLocal() *Local {
	return &Local{}
}

// Complete answers deterministically. The ctx deadline is still honoured so
// the local variant behaves like a real backend under cancellation.
func (l *Local) Complete(ctx context.Context, messages []Message, contextText string, format Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(err)
	}
	if format == FormatJSON {
		return localHandover(contextText)
	}
	return localAnswer(lastUserMessage(messages), contextText), nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// localAnswer picks up to five context lines containing a query token and
// presents them as bulleted evidence.
func localAnswer(query, contextText string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return "Please enter a question."
	}

	var tokens []string
	for _, t := range tokenSplit.Split(strings.ToLower(q), -1) {
		if len([]rune(t)) >= 2 {
			tokens = append(tokens, t)
		}
	}

	var hits []string
	for _, line := range strings.Split(contextText, "\n") {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		ll := strings.ToLower(l)
		for _, t := range tokens {
			if strings.Contains(ll, t) {
				hits = append(hits, l)
				break
			}
		}
		if len(hits) >= 5 {
			break
		}
	}

	if len(hits) == 0 {
		return "Not found in the indexed documents. Check whether the uploaded material covers this topic."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Answer from document evidence\n\nQuestion: %s\n\nEvidence:\n", q)
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return strings.TrimRight(b.String(), "\n")
}

// localHandover builds the six-section handover document from light
// heuristics over the context: bullet lines become responsibilities, the
// first email address becomes the outgoing owner's contact.
func localHandover(contextText string) (string, error) {
	text := contextText
	if len([]rune(text)) > localContextCap {
		text = string([]rune(text)[:localContextCap])
	}

	contact := ""
	if m := emailPattern.FindString(text); m != "" {
		contact = m
	}

	var responsibilities []string
	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if len(s) > 4 && (strings.HasPrefix(s, "-") || strings.HasPrefix(s, "*") || strings.HasPrefix(s, "•")) {
			responsibilities = append(responsibilities, strings.TrimSpace(strings.TrimLeft(s, "-*• ")))
		}
		if len(responsibilities) >= 5 {
			break
		}
	}
	if len(responsibilities) == 0 {
		responsibilities = []string{
			"Review uploaded documents and confirm owners and timelines.",
			"Validate access to systems, credentials, and runbooks.",
			"Track open risks and next milestones.",
		}
	}

	background := strings.Join(strings.Fields(text), " ")
	if len([]rune(background)) > 600 {
		background = string([]rune(background)[:600])
	}

	doc := map[string]any{
		"overview": map[string]any{
			"transferor": map[string]string{"name": "", "position": "", "contact": contact},
			"transferee": map[string]string{"name": "", "position": "", "contact": ""},
			"background": background,
			"period":     "",
		},
		"responsibilities": responsibilities,
		"priorities": []map[string]any{
			{"rank": 1, "title": "Confirm key stakeholders and escalation path", "status": "TODO", "deadline": ""},
			{"rank": 2, "title": "Validate system access and deployment environment variables", "status": "TODO", "deadline": ""},
			{"rank": 3, "title": "Run a dry-run handover Q&A session and capture gaps", "status": "TODO", "deadline": ""},
		},
		"stakeholders": map[string]any{"manager": "", "internal": []string{}, "external": []string{}},
		"risks":        map[string]any{"issues": "", "risks": ""},
		"resources":    map[string]any{"docs": []string{}, "systems": []string{}, "contacts": []string{}},
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("generate: marshal handover document: %w", err)
	}
	return string(out), nil
}
