package task

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	id := r.Create("notes.md", "text/markdown", "documents-index")
	got, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected status %q, got %q", StatusPending, got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("expected progress 0, got %d", got.Progress)
	}
	if got.FileName != "notes.md" {
		t.Errorf("expected file name notes.md, got %q", got.FileName)
	}
	if got.Message != "queued" {
		t.Errorf("expected message queued, got %q", got.Message)
	}
}

func TestGetUnknownID(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	_, err := r.Get("no-such-task")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create("a.txt", "text/plain", "documents-index")

	if err := r.Update(id, Update{Status: StatusProcessing, Progress: ProgressTo(60)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update(id, Update{Progress: ProgressTo(30)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := r.Get(id)
	if got.Progress != 60 {
		t.Errorf("expected progress to stay at 60, got %d", got.Progress)
	}
}

func TestProgressClampedTo100(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create("a.txt", "text/plain", "documents-index")

	if err := r.Update(id, Update{Progress: ProgressTo(250)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := r.Get(id)
	if got.Progress != 100 {
		t.Errorf("expected progress clamped to 100, got %d", got.Progress)
	}
}

func TestUpdateAfterTerminalIsNoOp(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create("a.txt", "text/plain", "documents-index")

	if err := r.Update(id, Update{Status: StatusFailed, Message: "extraction failed"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update(id, Update{Status: StatusCompleted, Progress: ProgressTo(100)}); err != nil {
		t.Fatalf("Update after terminal: %v", err)
	}

	got, _ := r.Get(id)
	if got.Status != StatusFailed {
		t.Errorf("expected status to stay %q, got %q", StatusFailed, got.Status)
	}
	if got.Message != "extraction failed" {
		t.Errorf("expected message preserved, got %q", got.Message)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create("a.txt", "text/plain", "documents-index")

	if err := r.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := r.Get(id)
	if got.Status != StatusCancelled {
		t.Errorf("expected status %q, got %q", StatusCancelled, got.Status)
	}

	// Cancelled is terminal: progress updates are dropped.
	if err := r.Update(id, Update{Status: StatusProcessing, Progress: ProgressTo(50)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = r.Get(id)
	if got.Status != StatusCancelled || got.Progress != 0 {
		t.Errorf("expected cancelled task untouched, got status %q progress %d", got.Status, got.Progress)
	}
}

func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := r.Create("a.txt", "text/plain", "documents-index")

	if err := r.Update(id, Update{Status: StatusCompleted}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Cancel(id); err != nil {
		t.Fatalf("Cancel on terminal task: %v", err)
	}
	got, _ := r.Get(id)
	if got.Status != StatusCompleted {
		t.Errorf("expected status %q, got %q", StatusCompleted, got.Status)
	}
}

func TestCancelUnknownID(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.Cancel("no-such-task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalUnknownIDReportsTrue(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if !r.Terminal("no-such-task") {
		t.Error("expected unknown id to report terminal")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	const tasks = 20
	const updatesPerTask = 50

	ids := make([]string, tasks)
	for i := range ids {
		ids[i] = r.Create(fmt.Sprintf("file-%d.txt", i), "text/plain", "documents-index")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for p := 1; p <= updatesPerTask; p++ {
			wg.Add(1)
			go func(id string, p int) {
				defer wg.Done()
				_ = r.Update(id, Update{Status: StatusProcessing, Progress: ProgressTo(p * 2)})
			}(id, p)
		}
	}
	wg.Wait()

	for _, id := range ids {
		got, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if got.Progress != updatesPerTask*2 {
			t.Errorf("task %s: expected progress %d, got %d", id, updatesPerTask*2, got.Progress)
		}
	}
}
