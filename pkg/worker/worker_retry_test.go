package worker

import (
	"context"
	"testing"
	"time"

	"github.com/meridianpay/saga/internal/engine"
	"github.com/meridianpay/saga/internal/persistence"
	"github.com/meridianpay/saga/internal/taskqueue"
	"github.com/meridianpay/saga/pkg/api"
)

// newContendedSetup builds an engine over persistence the test can reach
// into, so it can hold an instance's lease like a rival worker would.
func newContendedSetup(t *testing.T) (api.Engine, persistence.Persistence, *taskqueue.InMemoryQueue, *api.Registry) {
	t.Helper()

	mem := persistence.NewInMemoryStore()
	p := persistence.Persistence{
		Definitions: mem,
		Instances:   mem,
		Events:      persistence.NewInMemoryEventStore(),
	}
	reg := api.NewRegistry()
	eng := engine.NewEngine(p, reg)
	registerOrderWorkflow(t, eng, reg)
	return eng, p, taskqueue.NewInMemoryQueue(10), reg
}

func TestWorker_LeaseContentionBacksOffAndRetries(t *testing.T) {
	eng, p, queue, _ := newContendedSetup(t)
	w := New(eng, queue, WithRetryDelay(20*time.Millisecond, time.Second))
	ctx := context.Background()

	id, err := eng.Start(ctx, "async-order-tpl", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	acquired, err := p.Instances.TryAcquireLease(ctx, id, "rival-worker", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("seed lease: acquired=%v err=%v", acquired, err)
	}

	if err := w.EnqueueAdvance(ctx, id); err != nil {
		t.Fatalf("EnqueueAdvance: %v", err)
	}

	// The contended task is swallowed and re-enqueued with backoff.
	processed, err := w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("ProcessOne: processed=%v err=%v", processed, err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the task back on the queue, Len=%d", queue.Len())
	}

	if err := p.Instances.ReleaseLease(ctx, id, "rival-worker"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	// Second round waits out the backoff and completes the instance.
	processed, err = w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("ProcessOne retry: processed=%v err=%v", processed, err)
	}
	inst, err := eng.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
}

func TestWorker_LeaseContentionGivesUpAfterMaxAttempts(t *testing.T) {
	eng, p, queue, _ := newContendedSetup(t)
	w := New(eng, queue, WithRetryDelay(time.Millisecond, time.Millisecond), WithMaxAttempts(2))
	ctx := context.Background()

	id, err := eng.Start(ctx, "async-order-tpl", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	acquired, err := p.Instances.TryAcquireLease(ctx, id, "rival-worker", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("seed lease: acquired=%v err=%v", acquired, err)
	}

	if err := w.EnqueueAdvance(ctx, id); err != nil {
		t.Fatalf("EnqueueAdvance: %v", err)
	}

	// Attempt 0 re-enqueues; attempt 1 hits the cap and errors out.
	processed, err := w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("ProcessOne: processed=%v err=%v", processed, err)
	}
	processed, err = w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the retry task to be processed")
	}
	if err == nil {
		t.Fatalf("expected an error once max attempts are exhausted")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected the task dropped, Len=%d", queue.Len())
	}
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	eng, _, queue, _ := newContendedSetup(t)
	w := New(eng, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := w.EnqueueStart(ctx, "async-order-tpl", "acme", nil); err != nil {
		t.Fatalf("EnqueueStart: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		instances, err := eng.ListInstances(context.Background(), api.InstanceListOptions{Status: api.StatusCompleted})
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		if len(instances) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never completed the instance")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
}
