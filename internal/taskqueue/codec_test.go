package taskqueue

import (
	"reflect"
	"testing"
	"time"
)

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	task := Task{
		ID:         "t-1",
		Type:       TaskTypeStart,
		TemplateID: "standard-order",
		TenantID:   "acme",
		Input: map[string]any{
			"order_id": "o-42",
			"amount":   int64(1999),
		},
		EnqueuedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		NotBefore:  time.Date(2026, 5, 1, 12, 0, 5, 0, time.UTC),
		Attempts:   2,
	}

	data, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if !reflect.DeepEqual(*got, task) {
		t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", task, *got)
	}
}

func TestDecodeTask_Garbage(t *testing.T) {
	if _, err := DecodeTask([]byte("not a gob stream")); err == nil {
		t.Fatalf("expected decode error for garbage input")
	}
}
