package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do with a task.
type TaskType string

const (
	// TaskTypeStart instantiates a template and advances the new instance.
	TaskTypeStart TaskType = "start"
	// TaskTypeAdvance drives an existing instance forward.
	TaskTypeAdvance TaskType = "advance"
	// TaskTypeCancel requests cancellation and advances into the unwind.
	TaskTypeCancel TaskType = "cancel"
)

// Task is one unit of work for a worker.
type Task struct {
	ID   string
	Type TaskType

	// For start tasks.
	TemplateID string
	TenantID   string
	Input      map[string]any

	// For advance and cancel tasks.
	InstanceID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for processing.
	// Zero means immediately. Workers use it to back off advance tasks that
	// lost the lease race.
	NotBefore time.Time

	// Attempts counts how many times a worker has picked this task up.
	Attempts int
}

// Queue is an async task queue. Dequeue claims a task exclusively; a claimed
// task is gone from the queue, so a worker that wants to retry re-enqueues.
type Queue interface {
	// Enqueue adds a task to the queue, respecting ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
