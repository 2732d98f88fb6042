package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const cloudSystemPrompt = `You are a handover assistant. Answer using only the
provided context. Cite the source file name for every claim taken from the
context. If the context does not contain the answer, say so plainly instead of
inventing one.`

const cloudJSONSuffix = `
Respond with the requested JSON document only. No markdown fences, no prose
before or after the JSON.`

// Cloud completes through a provider-backed chat model.
type Cloud struct {
	chatModel model.ToolCallingChatModel
}

// NewCloud wraps an already-constructed chat model.
func NewCloud(chatModel model.ToolCallingChatModel) *Cloud {
	return &Cloud{chatModel: chatModel}
}

// Complete sends the conversation plus retrieved context to the chat model.
func (c *Cloud) Complete(ctx context.Context, messages []Message, contextText string, format Format) (string, error) {
	sys := cloudSystemPrompt
	if format == FormatJSON {
		sys += cloudJSONSuffix
	}
	if contextText != "" {
		sys += "\n\nContext:\n" + contextText
	} else {
		sys += "\n\nContext: (no matching sources were found)"
	}

	in := make([]*schema.Message, 0, len(messages)+1)
	in = append(in, schema.SystemMessage(sys))
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			in = append(in, schema.AssistantMessage(m.Content, nil))
		case "system":
			in = append(in, schema.SystemMessage(m.Content))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}

	resp, err := c.chatModel.Generate(ctx, in)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("generate: empty model response: %w", ErrUnavailable)
	}
	return resp.Content, nil
}

// classify maps transport errors onto the package sentinels so callers can
// branch without string matching.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("generate: completion deadline exceeded: %w", ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("generate: completion cancelled: %w", ErrTimeout)
	case isRateLimit(err):
		return fmt.Errorf("generate: %v: %w", err, ErrRateLimited)
	default:
		return fmt.Errorf("generate: %v: %w", err, ErrUnavailable)
	}
}

func isRateLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota")
}
