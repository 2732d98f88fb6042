package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/handoff-go/internal/extract"
	"github.com/54b3r/handoff-go/internal/index"
	"github.com/54b3r/handoff-go/internal/normalize"
	"github.com/54b3r/handoff-go/internal/task"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// failingNormalizer always reports a schema violation, driving the fallback.
type failingNormalizer struct{}

func (failingNormalizer) Normalize(_ context.Context, _, _ string) ([]index.Chunk, error) {
	return nil, normalize.ErrSchemaViolation
}

// brokenNormalizer fails with an error the fallback does not cover.
type brokenNormalizer struct{}

func (brokenNormalizer) Normalize(_ context.Context, _, _ string) ([]index.Chunk, error) {
	return nil, errors.New("model connection lost")
}

// emptyNormalizer produces zero chunks for any input.
type emptyNormalizer struct{}

func (emptyNormalizer) Normalize(_ context.Context, _, _ string) ([]index.Chunk, error) {
	return nil, nil
}

// sleepyNormalizer ignores the context deadline and sleeps before
// delegating, simulating a step stuck past the task budget.
type sleepyNormalizer struct {
	delay time.Duration
	inner normalize.Normalizer
}

func (n sleepyNormalizer) Normalize(ctx context.Context, sourceFile, text string) ([]index.Chunk, error) {
	time.Sleep(n.delay)
	return n.inner.Normalize(ctx, sourceFile, text)
}

// blockingNormalizer parks until released, so tests can cancel mid-run.
type blockingNormalizer struct {
	started chan struct{}
	release chan struct{}
	inner   normalize.Normalizer
	once    sync.Once
}

func (n *blockingNormalizer) Normalize(ctx context.Context, sourceFile, text string) ([]index.Chunk, error) {
	n.once.Do(func() { close(n.started) })
	select {
	case <-n.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return n.inner.Normalize(ctx, sourceFile, text)
}

func newDispatcher(t *testing.T) *extract.Dispatcher {
	t.Helper()
	d, err := extract.NewDispatcher(extract.NewTextExtractor(), extract.NewContainerExtractor(), nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func newCoordinator(t *testing.T, normalizer, fallback normalize.Normalizer) (*Coordinator, *task.Registry, *index.MemoryBackend) {
	t.Helper()
	registry := task.NewRegistry()
	backend := index.NewMemoryBackend()
	c := New(Config{TaskTimeout: 10 * time.Second}, registry, newDispatcher(t), normalizer, fallback, backend, nil)
	t.Cleanup(c.Wait)
	return c, registry, backend
}

func awaitTerminal(t *testing.T, registry *task.Registry, id string) task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := registry.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal status in time")
	return task.Task{}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()
	c, registry, backend := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "runbook.md",
		MimeType: "text/markdown",
		Content:  []byte("Deploys go through CI.\n\nRollback requires manual approval."),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected %q, got %q (%s)", task.StatusCompleted, got.Status, got.Message)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if !strings.Contains(got.Message, "indexed") {
		t.Errorf("expected chunk count in message, got %q", got.Message)
	}

	hits, err := backend.Query(context.Background(), index.DefaultIndexName, "rollback approval", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected ingested content retrievable")
	}
	if hits[0].SourceFile != "runbook.md" {
		t.Errorf("expected source runbook.md, got %q", hits[0].SourceFile)
	}
}

func TestSubmitCustomIndexName(t *testing.T) {
	t.Parallel()
	c, registry, backend := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName:  "a.txt",
		IndexName: "project-atlas",
		Content:   []byte("Atlas service handover notes."),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitTerminal(t, registry, id)

	hits, err := backend.Query(context.Background(), "project-atlas", "atlas handover", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected chunks in the named index")
	}
}

func TestSubmitLabelsCodeFiles(t *testing.T) {
	t.Parallel()
	c, registry, backend := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "deploy.py",
		Content:  []byte("def rollback():\n    approve()"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitTerminal(t, registry, id)

	hits, err := backend.Query(context.Background(), index.DefaultIndexName, "rollback", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected code chunk indexed")
	}
	if hits[0].Meta["file_type"] != "code" {
		t.Errorf("expected file_type code, got %q", hits[0].Meta["file_type"])
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	c, _, _ := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	cases := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"empty file name", SubmitRequest{FileName: "", Content: []byte("x")}, ErrInvalidRequest},
		{"path separator", SubmitRequest{FileName: "../etc/passwd.txt", Content: []byte("x")}, ErrInvalidRequest},
		{"file name too long", SubmitRequest{FileName: strings.Repeat("a", 300) + ".txt", Content: []byte("x")}, ErrInvalidRequest},
		{"empty content", SubmitRequest{FileName: "a.txt"}, ErrInvalidRequest},
		{"bad index name", SubmitRequest{FileName: "a.txt", IndexName: "UPPER CASE", Content: []byte("x")}, ErrInvalidRequest},
		{"single char index", SubmitRequest{FileName: "a.txt", IndexName: "x", Content: []byte("x")}, ErrInvalidRequest},
		{"unsupported format", SubmitRequest{FileName: "a.zip", Content: []byte("x")}, extract.ErrUnsupportedFormat},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Submit(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSubmitOversizedFile(t *testing.T) {
	t.Parallel()
	registry := task.NewRegistry()
	c := New(Config{MaxFileBytes: 100}, registry, newDispatcher(t), normalize.NewDeterministic(normalize.Options{}, "doc"), nil, index.NewMemoryBackend(), nil)
	t.Cleanup(c.Wait)

	_, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "big.txt",
		Content:  []byte(strings.Repeat("a", 200)),
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Degradation paths
// ---------------------------------------------------------------------------

func TestNormalizerFallbackCompletesWithWarning(t *testing.T) {
	t.Parallel()
	c, registry, backend := newCoordinator(t, failingNormalizer{}, normalize.NewDeterministic(normalize.Options{}, "doc"))

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "notes.txt",
		Content:  []byte("Escalation goes to the on-call lead."),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusCompletedWithWarning {
		t.Fatalf("expected %q, got %q (%s)", task.StatusCompletedWithWarning, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "deterministic chunking used") {
		t.Errorf("expected fallback warning in message, got %q", got.Message)
	}

	hits, err := backend.Query(context.Background(), index.DefaultIndexName, "escalation", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected fallback chunks indexed")
	}
}

func TestNonSchemaErrorFailsWithoutFallback(t *testing.T) {
	t.Parallel()
	c, registry, _ := newCoordinator(t, brokenNormalizer{}, normalize.NewDeterministic(normalize.Options{}, "doc"))

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "notes.txt",
		Content:  []byte("some text"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected %q, got %q (%s)", task.StatusFailed, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "model connection lost") {
		t.Errorf("expected cause in message, got %q", got.Message)
	}
}

func TestZeroChunksCompletesWithWarning(t *testing.T) {
	t.Parallel()
	c, registry, _ := newCoordinator(t, emptyNormalizer{}, nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "notes.txt",
		Content:  []byte("some text"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusCompletedWithWarning {
		t.Fatalf("expected %q, got %q (%s)", task.StatusCompletedWithWarning, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "nothing was indexed") {
		t.Errorf("expected zero-chunk warning, got %q", got.Message)
	}
}

func TestExtractionFailureFailsTask(t *testing.T) {
	t.Parallel()
	c, registry, _ := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "broken.txt",
		Content:  []byte{0xff, 0xfe, 0x01},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected %q, got %q (%s)", task.StatusFailed, got.Status, got.Message)
	}
}

func TestWhitespaceOnlyDocumentFailsTask(t *testing.T) {
	t.Parallel()
	c, registry, _ := newCoordinator(t, normalize.NewDeterministic(normalize.Options{}, "doc"), nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "blank.txt",
		Content:  []byte("   \n\n\t  "),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := awaitTerminal(t, registry, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected %q, got %q (%s)", task.StatusFailed, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "no extractable text") {
		t.Errorf("expected blank-document cause, got %q", got.Message)
	}
}

func TestTaskDeadlineForcesFailure(t *testing.T) {
	t.Parallel()
	registry := task.NewRegistry()
	backend := index.NewMemoryBackend()
	slow := sleepyNormalizer{delay: 300 * time.Millisecond, inner: normalize.NewDeterministic(normalize.Options{}, "doc")}
	c := New(Config{TaskTimeout: 50 * time.Millisecond}, registry, newDispatcher(t), slow, nil, backend, nil)
	t.Cleanup(c.Wait)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "stuck.txt",
		Content:  []byte("content the stuck step would have indexed"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait()

	got, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected %q past the deadline, got %q (%s)", task.StatusFailed, got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "deadline") {
		t.Errorf("expected timeout message, got %q", got.Message)
	}

	hits, err := backend.Query(context.Background(), index.DefaultIndexName, "stuck step", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Error("expected no chunks indexed after the deadline fired")
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelMidRunStopsProcessing(t *testing.T) {
	t.Parallel()
	blocking := &blockingNormalizer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		inner:   normalize.NewDeterministic(normalize.Options{}, "doc"),
	}
	c, registry, backend := newCoordinator(t, blocking, nil)

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName: "slow.txt",
		Content:  []byte("content that would be indexed"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-blocking.started
	if err := registry.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(blocking.release)
	c.Wait()

	got, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected %q to stick, got %q", task.StatusCancelled, got.Status)
	}

	hits, err := backend.Query(context.Background(), index.DefaultIndexName, "content indexed", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Error("expected no chunks indexed after cancellation")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentSubmissions(t *testing.T) {
	t.Parallel()
	registry := task.NewRegistry()
	backend := index.NewMemoryBackend()
	c := New(Config{MaxWorkers: 2, TaskTimeout: 10 * time.Second}, registry, newDispatcher(t), normalize.NewDeterministic(normalize.Options{}, "doc"), nil, backend, nil)
	t.Cleanup(c.Wait)

	const n = 8
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.Submit(context.Background(), SubmitRequest{
			FileName: "doc.txt",
			Content:  []byte("shared corpus entry about incident response"),
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		got := awaitTerminal(t, registry, id)
		if got.Status != task.StatusCompleted {
			t.Errorf("task %s: expected completed, got %q (%s)", id, got.Status, got.Message)
		}
	}
}
