package extract

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// TextExtractor decodes text and code files directly. Invalid UTF-8 is an
// extraction failure — producing mojibake and indexing it would poison
// retrieval, so the file is rejected instead.
type TextExtractor struct{}

// NewTextExtractor constructs a TextExtractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Extract returns content decoded as UTF-8 text.
func (e *TextExtractor) Extract(_ context.Context, content []byte, fileName, _ string) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrExtractionFailed, fileName)
	}
	return string(content), nil
}
