package taskqueue

import (
	"context"
	"sync"
)

// InMemoryQueue is a process-local Queue: a mutex-guarded FIFO with a wake
// channel for blocked consumers. It is safe for concurrent use and loses its
// contents on process exit. NotBefore is not enforced here; workers wait for
// it after dequeuing.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []Task

	// wake carries at most one token; Enqueue deposits it, a blocked
	// Dequeue consumes it and re-deposits while tasks remain.
	wake chan struct{}
}

// NewInMemoryQueue creates an empty queue. capacity sizes the initial
// backing buffer; the queue grows past it as needed.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		tasks: make([]Task, 0, capacity),
		wake:  make(chan struct{}, 1),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t, ok := q.pop(); ok {
			return t, nil
		}
		select {
		case <-q.wake:
			// Loop; another consumer may have claimed the task first.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// pop claims the head task. When more remain, the wake token is re-armed so
// one Enqueue waking one consumer cannot strand the rest of the backlog.
func (q *InMemoryQueue) pop() (*Task, bool) {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	remaining := len(q.tasks)
	q.mu.Unlock()

	if remaining > 0 {
		q.signal()
	}
	return &t, true
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
