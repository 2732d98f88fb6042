// Package task provides the process-wide registry of ingestion task state.
// Each uploaded file is tracked by one Task from creation until the process
// exits — tasks are never evicted, so polling clients always get a stable
// answer for any id they were issued. The registry is sharded by task id so
// updates to unrelated tasks never contend on the same lock.
package task

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get, Update, and Cancel for a task id that was
// never issued by this registry.
var ErrNotFound = errors.New("task: not found")

// shardCount is the number of lock shards in the registry. Must be a power
// of two so the shard index can be computed with a mask.
const shardCount = 32

// Status is the lifecycle state of an ingestion task.
type Status string

const (
	// StatusPending means the task has been accepted but processing has not started.
	StatusPending Status = "pending"
	// StatusProcessing means the pipeline is actively working on the task.
	StatusProcessing Status = "processing"
	// StatusCompleted means every pipeline step succeeded and at least one
	// chunk was indexed.
	StatusCompleted Status = "completed"
	// StatusCompletedWithWarning means the task finished and is usable, but a
	// step degraded (fallback normalizer used, or nothing ended up indexed).
	StatusCompletedWithWarning Status = "completed_with_warning"
	// StatusFailed means a step raised a non-recoverable error.
	StatusFailed Status = "failed"
	// StatusCancelled means the caller cancelled the task before it reached a
	// terminal state. Further updates are silently dropped.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status. No transition exists out
// of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarning, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one file's ingestion job, from upload acceptance to its terminal
// state. FileName, MimeType, and IndexName are immutable after creation.
type Task struct {
	// ID is the opaque unique identifier issued at creation. Never reused.
	ID string
	// FileName is the original name of the uploaded file.
	FileName string
	// MimeType is the MIME type declared by the uploader.
	MimeType string
	// IndexName is the target index the file's chunks are written to.
	IndexName string
	// Status is the current lifecycle state.
	Status Status
	// Progress is 0–100 and never decreases while the task is non-terminal.
	Progress int
	// Message is a human-readable description of the last step, overwritten
	// on every transition.
	Message string
	// CreatedAt is when the task was accepted.
	CreatedAt time.Time
	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time
}

// Update describes a partial state transition applied by Registry.Update.
// Zero-valued fields are left unchanged on the task.
type Update struct {
	// Status, if non-empty, is the new lifecycle state.
	Status Status
	// Progress, if non-nil, is the new progress value. Values below the
	// task's current progress are clamped up — progress never moves backwards.
	Progress *int
	// Message, if non-empty, replaces the task's message.
	Message string
}

// ProgressTo returns a *int for use in an Update literal.
func ProgressTo(p int) *int { return &p }

// shard is one lock-striped segment of the registry.
type shard struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// Registry is the concurrent task store. It is the only shared mutable
// structure the pipeline writes to; the Coordinator is its sole writer by
// convention, and the registry itself serializes concurrent updates per id.
type Registry struct {
	shards [shardCount]shard
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].tasks = make(map[string]*Task)
	}
	return r
}

// shardFor maps a task id to its lock shard.
func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()&(shardCount-1)]
}

// Create registers a new pending task and returns its id. The id is a fresh
// UUID, so collisions with prior ids do not occur in practice.
func (r *Registry) Create(fileName, mimeType, indexName string) string {
	id := uuid.NewString()
	now := time.Now().UTC()

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[id] = &Task{
		ID:        id,
		FileName:  fileName,
		MimeType:  mimeType,
		IndexName: indexName,
		Status:    StatusPending,
		Progress:  0,
		Message:   "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// Get returns a copy of the task with the given id, or ErrNotFound.
// Returning a copy keeps callers from mutating registry state directly.
func (r *Registry) Get(id string) (Task, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task: %q: %w", id, ErrNotFound)
	}
	return *t, nil
}

// Update applies a transition atomically. Updates for the same id serialize
// on the shard lock; updates for different ids on different shards do not
// block each other. An update against a terminal task is a no-op rather than
// an error, so duplicate completion signals from a retried step are harmless.
func (r *Registry) Update(id string, u Update) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task: %q: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil
	}

	if u.Status != "" {
		t.Status = u.Status
	}
	if u.Progress != nil {
		p := *u.Progress
		if p > 100 {
			p = 100
		}
		if p > t.Progress {
			t.Progress = p
		}
	}
	if u.Message != "" {
		t.Message = u.Message
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel marks the task cancelled. Cancellation is cooperative: the pipeline
// may still be running, but every subsequent Update for this id becomes a
// no-op, so the cancelled status is the last externally visible state.
// Cancelling an already-terminal task is a no-op. Returns ErrNotFound for an
// unknown id.
func (r *Registry) Cancel(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task: %q: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = StatusCancelled
	t.Message = "cancelled by caller"
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminal reports whether the task with the given id has reached a terminal
// status. Unknown ids report true so pipeline steps bail out rather than
// writing state for a task that does not exist.
func (r *Registry) Terminal(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return true
	}
	return t.Status.Terminal()
}
