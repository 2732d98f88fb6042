// Package generate abstracts the completion capability behind one Completer
// contract with two variants: a cloud chat model (via the eino model
// abstraction and the provider factory) and a deterministic local stub that
// answers from the retrieved context without any network calls. The local
// variant keeps the whole system exercisable without credentials.
package generate

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the completion backend is unreachable.
var ErrUnavailable = errors.New("generate: backend unavailable")

// ErrTimeout is returned when a completion exceeds its deadline.
var ErrTimeout = errors.New("generate: timed out")

// ErrRateLimited is returned when the backend explicitly signals rate
// limiting. Kept distinct from ErrUnavailable so the boundary layer can map
// it to a retry-later response instead of a generic failure.
var ErrRateLimited = errors.New("generate: rate limited")

// Format hints the expected response shape.
type Format string

const (
	// FormatText requests a plain prose answer.
	FormatText Format = "text"
	// FormatJSON requests a structured JSON document.
	FormatJSON Format = "json"
)

// Message is one turn of the conversation passed to the completer.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
}

// Completer produces a completion from conversation messages plus a
// retrieved-context block. Implementations must be safe to call from
// multiple goroutines.
type Completer interface {
	// Complete returns the model response. contextText may be empty — "no
	// sources found" is a valid input, and implementations must still answer.
	// Fails with ErrUnavailable, ErrTimeout, or ErrRateLimited.
	Complete(ctx context.Context, messages []Message, contextText string, format Format) (string, error)
}
