package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/54b3r/handoff-go/internal/index"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestSaveAndByTaskRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []index.Chunk{
		{
			ID:             "c1",
			SourceFile:     "runbook.md",
			Content:        "Rollback requires approval.",
			ChunkSummary:   "rollback",
			Tags:           []string{"rollback", "oncall"},
			RelatedSection: "risks",
			Meta:           map[string]string{"chunk_index": "1", "chunk_total": "2"},
		},
		{ID: "c2", SourceFile: "runbook.md", Content: "Deploys run through CI."},
	}
	if err := s.Save(ctx, "task-1", "project-atlas", chunks); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := s.ByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ByTask: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	first := recs[0]
	if first.TaskID != "task-1" || first.IndexName != "project-atlas" {
		t.Errorf("expected provenance preserved, got task %q index %q", first.TaskID, first.IndexName)
	}
	if first.Chunk.ID != "c1" || first.Chunk.Content != "Rollback requires approval." {
		t.Errorf("expected chunk round-tripped, got %+v", first.Chunk)
	}
	if len(first.Chunk.Tags) != 2 || first.Chunk.Meta["chunk_total"] != "2" {
		t.Errorf("expected tags and meta round-tripped, got %+v", first.Chunk)
	}
	if first.ArchivedAt.IsZero() {
		t.Error("expected archived timestamp set")
	}
	if recs[1].Chunk.ID != "c2" {
		t.Errorf("expected insertion order, got %q second", recs[1].Chunk.ID)
	}
}

func TestByTaskUnknownTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	recs, err := s.ByTask(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("ByTask: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestSaveEmptyChunksIsNoOp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "task-1", "docs", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	recs, err := s.ByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ByTask: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestSaveSeparatesTasks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "task-a", "docs", []index.Chunk{{ID: "a1", Content: "x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "task-b", "docs", []index.Chunk{{ID: "b1", Content: "y"}, {ID: "b2", Content: "z"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := s.ByTask(ctx, "task-b")
	if err != nil {
		t.Fatalf("ByTask: %v", err)
	}
	if len(recs) != 2 || recs[0].Chunk.ID != "b1" {
		t.Fatalf("expected only task-b records in order, got %+v", recs)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "archive.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Save(context.Background(), "task-1", "docs", []index.Chunk{{ID: "c1", Content: "persisted"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs the migration again and sees the old rows.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	recs, err := s2.ByTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("ByTask: %v", err)
	}
	if len(recs) != 1 || recs[0].Chunk.Content != "persisted" {
		t.Fatalf("expected persisted record after reopen, got %+v", recs)
	}
}
