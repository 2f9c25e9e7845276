package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	return q
}

func TestSQLiteQueue_FIFO(t *testing.T) {
	q := newSQLiteQueue(t)
	ctx := context.Background()

	tasks := []Task{
		{ID: "1", Type: TaskTypeStart, TemplateID: "standard-order", TenantID: "acme", Input: map[string]any{"order_id": "o-1"}},
		{ID: "2", Type: TaskTypeAdvance, InstanceID: "w-1"},
		{ID: "3", Type: TaskTypeCancel, InstanceID: "w-2"},
	}
	for _, task := range tasks {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s: %v", task.ID, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range tasks {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.ID != want.ID || got.Type != want.Type {
			t.Fatalf("expected %s/%s, got %s/%s", want.ID, want.Type, got.ID, got.Type)
		}
		if got.TemplateID != want.TemplateID || got.TenantID != want.TenantID || got.InstanceID != want.InstanceID {
			t.Fatalf("task %s fields mangled: %#v", want.ID, got)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected Len 0, got %d", q.Len())
	}
}

func TestSQLiteQueue_InputSurvivesRoundTrip(t *testing.T) {
	q := newSQLiteQueue(t)
	ctx := context.Background()

	in := map[string]any{"order_id": "o-9", "qty": int64(3)}
	if err := q.Enqueue(ctx, Task{ID: "t", Type: TaskTypeStart, TemplateID: "tpl", Input: in}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.Input["order_id"] != "o-9" || got.Input["qty"] != int64(3) {
		t.Fatalf("input mangled: %#v", got.Input)
	}
}

func TestSQLiteQueue_NotBeforeDelaysDelivery(t *testing.T) {
	q := newSQLiteQueue(t)
	ctx := context.Background()

	delay := 80 * time.Millisecond
	if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeAdvance, InstanceID: "w-1", NotBefore: time.Now().Add(delay)}); err != nil {
		t.Fatalf("Enqueue later: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeAdvance, InstanceID: "w-2"}); err != nil {
		t.Fatalf("Enqueue now: %v", err)
	}

	// The eligible task comes first even though it was enqueued second.
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "now" {
		t.Fatalf("expected the eligible task first, got %s", got.ID)
	}

	start := time.Now()
	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "later" {
		t.Fatalf("expected the delayed task, got %s", got.ID)
	}
	if waited := time.Since(start); waited < delay/2 {
		t.Fatalf("delayed task delivered too early after %v", waited)
	}
}

func TestSQLiteQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := newSQLiteQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to fail on an empty queue when the context expires")
	}
}

func TestSQLiteQueue_SurvivesReopen(t *testing.T) {
	db, err := sql.Open("sqlite", "file:queue_reopen?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	q1, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	ctx := context.Background()
	if err := q1.Enqueue(ctx, Task{ID: "persisted", Type: TaskTypeAdvance, InstanceID: "w-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A second queue over the same database sees the task.
	q2, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	got, err := q2.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "persisted" {
		t.Fatalf("expected the persisted task, got %s", got.ID)
	}
}
