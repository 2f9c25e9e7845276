package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meridianpay/saga/internal/taskqueue"
	"github.com/meridianpay/saga/pkg/api"
)

const (
	// DefaultRetryDelay is the base delay before an advance task that lost
	// the lease race is retried. The delay doubles per attempt.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultMaxRetryDelay caps the contention backoff.
	DefaultMaxRetryDelay = 5 * time.Second
	// DefaultMaxAttempts bounds how often a contended task is re-enqueued
	// before it is dropped with an error.
	DefaultMaxAttempts = 10
)

// Worker pulls tasks from a Queue and executes them against an Engine.
// Multiple workers can safely consume the same queue; the engine's
// per-instance lease guarantees only one of them drives a given instance.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxAttempts   int
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger for task-level failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithRetryDelay tunes the contention backoff.
func WithRetryDelay(base, max time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.retryDelay = base
		}
		if max > 0 {
			w.maxRetryDelay = max
		}
	}
}

// WithMaxAttempts bounds re-enqueues of a contended task.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		engine:        engine,
		queue:         queue,
		logger:        slog.Default(),
		retryDelay:    DefaultRetryDelay,
		maxRetryDelay: DefaultMaxRetryDelay,
		maxAttempts:   DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnqueueStart enqueues a task that instantiates templateID for tenantID and
// drives the new instance to completion. It does not run anything itself;
// that happens in ProcessOne.
func (w *Worker) EnqueueStart(ctx context.Context, templateID, tenantID string, input map[string]any) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeStart,
		TemplateID: templateID,
		TenantID:   tenantID,
		Input:      input,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueStartAt enqueues a start task eligible no earlier than at.
func (w *Worker) EnqueueStartAt(ctx context.Context, templateID, tenantID string, input map[string]any, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeStart,
		TemplateID: templateID,
		TenantID:   tenantID,
		Input:      input,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueAdvance enqueues a task that drives an existing instance forward,
// for example after recovery found it non-terminal.
func (w *Worker) EnqueueAdvance(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeAdvance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueCancel enqueues a task that requests cancellation of an instance and
// then drives the unwind.
func (w *Worker) EnqueueCancel(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancel,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (dequeue failed or ctx done).
//   - processed == true: a task was handled; err reports the outcome. A task
//     that lost the lease race is re-enqueued with backoff and counts as
//     processed with a nil error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	// Queues without delayed delivery hand out future tasks immediately.
	if wait := time.Until(task.NotBefore); wait > 0 {
		select {
		case <-ctx.Done():
			// Not processed; put it back for another worker.
			_ = w.queue.Enqueue(context.WithoutCancel(ctx), *task)
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}

	switch task.Type {
	case taskqueue.TaskTypeStart:
		id, err := w.engine.Start(ctx, task.TemplateID, task.TenantID, task.Input)
		if err != nil {
			return true, err
		}
		return true, w.advance(ctx, *task, id)

	case taskqueue.TaskTypeAdvance:
		return true, w.advance(ctx, *task, task.InstanceID)

	case taskqueue.TaskTypeCancel:
		if err := w.engine.Cancel(ctx, task.InstanceID); err != nil {
			// Already terminal: nothing left to cancel.
			if errors.Is(err, api.ErrInvalidState) {
				return true, nil
			}
			return true, err
		}
		return true, w.advance(ctx, *task, task.InstanceID)

	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// advance drives instanceID and converts lease contention into a delayed
// re-enqueue instead of an error.
func (w *Worker) advance(ctx context.Context, task taskqueue.Task, instanceID string) error {
	_, err := w.engine.Advance(ctx, instanceID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrInvalidState):
		// Terminal already; someone else finished it.
		return nil
	case errors.Is(err, api.ErrConcurrentExecution):
		return w.requeue(ctx, task, instanceID)
	default:
		return err
	}
}

func (w *Worker) requeue(ctx context.Context, task taskqueue.Task, instanceID string) error {
	if task.Attempts+1 >= w.maxAttempts {
		return errors.New("instance " + instanceID + " still leased elsewhere after max attempts")
	}

	delay := w.retryDelay << uint(task.Attempts)
	if delay > w.maxRetryDelay {
		delay = w.maxRetryDelay
	}

	retry := taskqueue.Task{
		Type:       taskqueue.TaskTypeAdvance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  time.Now().Add(delay),
		Attempts:   task.Attempts + 1,
	}
	w.logger.Debug("instance leased elsewhere, backing off",
		"instance_id", instanceID, "attempts", retry.Attempts, "delay", delay)
	return w.queue.Enqueue(ctx, retry)
}

// Run processes tasks until ctx is cancelled. Task-level failures are logged
// and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if processed {
				w.logger.Error("task failed", "err", err)
				continue
			}
			return err
		}
	}
}
