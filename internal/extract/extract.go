// Package extract converts uploaded file bytes into plain text. Three
// variants sit behind one Extractor contract: direct UTF-8 decoding for
// text and code files, local document-container parsing for DOCX, and a
// remote OCR/layout service for PDFs and scanned images. Variant selection
// is driven purely by the declared file extension — payload contents are
// never sniffed.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for file types no variant handles.
var ErrUnsupportedFormat = errors.New("extract: unsupported format")

// ErrExtractionFailed is returned when a supported file cannot be converted
// to text (bad encoding, broken container, OCR service failure).
var ErrExtractionFailed = errors.New("extract: extraction failed")

// textExtensions are handled by direct UTF-8 decoding.
var textExtensions = map[string]bool{
	"txt": true, "text": true, "md": true,
	"py": true, "js": true, "java": true, "c": true, "cpp": true,
	"h": true, "cs": true, "ts": true, "tsx": true,
	"html": true, "css": true, "json": true,
}

// containerExtensions are handled by local document-container parsing.
var containerExtensions = map[string]bool{
	"docx": true,
}

// ocrExtensions are handled by the remote OCR/layout service.
var ocrExtensions = map[string]bool{
	"pdf": true, "png": true, "jpg": true, "jpeg": true, "tiff": true,
}

// codeExtensions marks source-code files so normalization can label them.
var codeExtensions = map[string]bool{
	"py": true, "js": true, "java": true, "cpp": true,
	"ts": true, "tsx": true, "cs": true, "c": true, "h": true,
}

// Ext returns the lowercase extension of fileName without the dot, or empty.
func Ext(fileName string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
}

// Supported reports whether any variant handles the given file name.
func Supported(fileName string) bool {
	ext := Ext(fileName)
	return textExtensions[ext] || containerExtensions[ext] || ocrExtensions[ext]
}

// IsCode reports whether the file name looks like source code.
func IsCode(fileName string) bool {
	return codeExtensions[Ext(fileName)]
}

// Extractor converts file bytes into plain text.
// Implementations must be safe to call from multiple goroutines.
type Extractor interface {
	// Extract returns the plain text of content. The declared file name and
	// MIME type drive variant selection; content bytes are never sniffed.
	// Fails with ErrUnsupportedFormat or ErrExtractionFailed.
	Extract(ctx context.Context, content []byte, fileName, mimeType string) (string, error)
}

// Dispatcher routes each file to the variant that owns its extension.
type Dispatcher struct {
	// text handles plain text and code files.
	text Extractor
	// container handles local document-container formats (DOCX).
	container Extractor
	// ocr handles PDFs and images via the remote layout service. May be nil
	// when no OCR service is configured; those files then fail with
	// ErrExtractionFailed rather than silently degrading.
	ocr Extractor
}

// NewDispatcher constructs a Dispatcher. text and container must not be nil;
// ocr may be nil for credential-free local runs.
func NewDispatcher(text, container, ocr Extractor) (*Dispatcher, error) {
	if text == nil {
		return nil, fmt.Errorf("extract: text extractor must not be nil")
	}
	if container == nil {
		return nil, fmt.Errorf("extract: container extractor must not be nil")
	}
	return &Dispatcher{text: text, container: container, ocr: ocr}, nil
}

// Extract routes content to the owning variant by declared extension.
func (d *Dispatcher) Extract(ctx context.Context, content []byte, fileName, mimeType string) (string, error) {
	ext := Ext(fileName)
	switch {
	case textExtensions[ext]:
		return d.text.Extract(ctx, content, fileName, mimeType)
	case containerExtensions[ext]:
		return d.container.Extract(ctx, content, fileName, mimeType)
	case ocrExtensions[ext]:
		if d.ocr == nil {
			return "", fmt.Errorf("%w: .%s requires the OCR service and none is configured", ErrExtractionFailed, ext)
		}
		return d.ocr.Extract(ctx, content, fileName, mimeType)
	default:
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
}
