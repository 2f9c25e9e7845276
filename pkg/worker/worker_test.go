package worker

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/meridianpay/saga/internal/engine"
	"github.com/meridianpay/saga/internal/taskqueue"
	"github.com/meridianpay/saga/pkg/api"
)

type engineFactory func(t *testing.T, reg *api.Registry) api.Engine

func inMemoryEngine(t *testing.T, reg *api.Registry) api.Engine {
	t.Helper()
	return engine.NewInMemoryEngine(reg)
}

func sqliteEngine(t *testing.T, reg *api.Registry) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	eng, err := engine.NewSQLiteEngine(db, reg)
	if err != nil {
		t.Fatalf("NewSQLiteEngine: %v", err)
	}
	return eng
}

// registerOrderWorkflow wires a one-step definition and template backed by an
// always-succeeding participant.
func registerOrderWorkflow(t *testing.T, eng api.Engine, reg *api.Registry) {
	t.Helper()

	err := reg.Register("inventory", api.ParticipantFunc(
		func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}))
	if err != nil {
		t.Fatalf("Register participant: %v", err)
	}

	def := api.WorkflowDefinition{
		Name:    "async-order",
		Version: "v1",
		Steps: []api.StepDefinition{
			{ID: "reserve", Participant: "inventory", Action: "reserve"},
		},
	}
	if err := eng.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	tpl := api.WorkflowTemplate{ID: "async-order-tpl", DefinitionName: "async-order", DefinitionVersion: "v1"}
	if err := eng.RegisterTemplate(tpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
}

func TestWorker_ProcessesStartTasks(t *testing.T) {
	factories := map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := api.NewRegistry()
			eng := factory(t, reg)
			registerOrderWorkflow(t, eng, reg)

			queue := taskqueue.NewInMemoryQueue(10)
			w := New(eng, queue)

			before, err := eng.ListInstances(ctx, api.InstanceListOptions{DefinitionName: "async-order"})
			if err != nil {
				t.Fatalf("ListInstances before enqueue: %v", err)
			}
			if len(before) != 0 {
				t.Fatalf("expected 0 instances before enqueue, got %d", len(before))
			}

			// Enqueuing alone must not create an instance.
			if err := w.EnqueueStart(ctx, "async-order-tpl", "acme", map[string]any{"order_id": "o-1"}); err != nil {
				t.Fatalf("EnqueueStart: %v", err)
			}
			mid, err := eng.ListInstances(ctx, api.InstanceListOptions{DefinitionName: "async-order"})
			if err != nil {
				t.Fatalf("ListInstances after enqueue: %v", err)
			}
			if len(mid) != 0 {
				t.Fatalf("expected 0 instances before processing, got %d", len(mid))
			}

			processed, err := w.ProcessOne(ctx)
			if err != nil {
				t.Fatalf("ProcessOne: %v", err)
			}
			if !processed {
				t.Fatalf("expected a task to be processed")
			}

			after, err := eng.ListInstances(ctx, api.InstanceListOptions{DefinitionName: "async-order"})
			if err != nil {
				t.Fatalf("ListInstances after processing: %v", err)
			}
			if len(after) != 1 {
				t.Fatalf("expected 1 instance after processing, got %d", len(after))
			}
			if after[0].Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %s", after[0].Status)
			}
			if after[0].TenantID != "acme" {
				t.Fatalf("expected tenant acme, got %s", after[0].TenantID)
			}
		})
	}
}

func TestWorker_ProcessesCancelTasks(t *testing.T) {
	ctx := context.Background()
	reg := api.NewRegistry()
	eng := inMemoryEngine(t, reg)
	registerOrderWorkflow(t, eng, reg)

	queue := taskqueue.NewInMemoryQueue(10)
	w := New(eng, queue)

	id, err := eng.Start(ctx, "async-order-tpl", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := w.EnqueueCancel(ctx, id); err != nil {
		t.Fatalf("EnqueueCancel: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne: processed=%v err=%v", processed, err)
	}

	inst, err := eng.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != api.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", inst.Status)
	}
}

func TestWorker_CancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := api.NewRegistry()
	eng := inMemoryEngine(t, reg)
	registerOrderWorkflow(t, eng, reg)

	queue := taskqueue.NewInMemoryQueue(10)
	w := New(eng, queue)

	id, err := eng.Start(ctx, "async-order-tpl", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.Advance(ctx, id); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := w.EnqueueCancel(ctx, id); err != nil {
		t.Fatalf("EnqueueCancel: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("expected terminal cancel to be swallowed: processed=%v err=%v", processed, err)
	}
}

func TestWorker_UnknownTaskType(t *testing.T) {
	reg := api.NewRegistry()
	eng := inMemoryEngine(t, reg)
	queue := taskqueue.NewInMemoryQueue(10)
	w := New(eng, queue)

	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: "compact"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the task to count as processed")
	}
	if err == nil {
		t.Fatalf("expected an error for an unknown task type")
	}
}
