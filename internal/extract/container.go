package extract

import (
	"bytes"
	"context"
	"fmt"

	"code.sajari.com/docconv/v2"
)

// ContainerExtractor parses structured document containers (DOCX) locally,
// with no external services. A container that parses but holds no text is an
// empty-but-successful result — deciding what "nothing useful" means is the
// pipeline's job, not the extractor's.
type ContainerExtractor struct{}

// NewContainerExtractor constructs a ContainerExtractor.
func NewContainerExtractor() *ContainerExtractor { return &ContainerExtractor{} }

// Extract converts a DOCX container into plain text via docconv.
func (e *ContainerExtractor) Extract(_ context.Context, content []byte, fileName, _ string) (string, error) {
	text, _, err := docconv.ConvertDocx(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: docx parse of %s: %w", ErrExtractionFailed, fileName, err)
	}
	return text, nil
}
