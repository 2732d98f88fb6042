// Package blob provides the narrow blob-reference boundary the OCR
// extraction variant consumes: given raw file bytes, produce a reference
// (URL) the external document-intelligence service can fetch. Blob
// persistence mechanics live outside the core — this package only shapes
// the handoff.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Resolver stages file bytes somewhere fetchable and returns a reference
// URL plus a release function that discards the staged copy.
// Implementations must be safe to call from multiple goroutines.
type Resolver interface {
	// Resolve stages content under a name derived from fileName and returns
	// a URL the OCR service can read, plus a cleanup function. The URL is
	// temporary; callers must invoke cleanup once the reference is no
	// longer needed.
	Resolve(ctx context.Context, fileName string, content []byte) (url string, cleanup func(), err error)
}

// LocalResolver stages bytes in a temporary directory and returns file://
// URLs. It exists so the whole pipeline runs without cloud storage — only
// OCR services that can read local paths (or tests) can consume the result.
type LocalResolver struct {
	// dir is the staging directory. Empty means the OS temp dir.
	dir string
}

// NewLocalResolver constructs a LocalResolver staging into dir.
// An empty dir falls back to the OS temp directory.
func NewLocalResolver(dir string) *LocalResolver {
	return &LocalResolver{dir: dir}
}

// Resolve writes content to a temp file and returns its file:// URL.
func (r *LocalResolver) Resolve(_ context.Context, fileName string, content []byte) (string, func(), error) {
	dir := r.dir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "handoff-*-"+filepath.Base(fileName))
	if err != nil {
		return "", nil, fmt.Errorf("blob: stage %s: %w", fileName, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("blob: write %s: %w", fileName, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("blob: close %s: %w", fileName, err)
	}

	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	return "file://" + path, cleanup, nil
}
