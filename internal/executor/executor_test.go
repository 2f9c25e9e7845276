package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

func newRegistry(t *testing.T, name string, fn api.ParticipantFunc) *api.Registry {
	t.Helper()
	reg := api.NewRegistry()
	if err := reg.Register(name, fn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestExecutor_Success(t *testing.T) {
	var gotKey atomic.Value
	reg := newRegistry(t, "payments", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		gotKey.Store(key)
		return map[string]any{"charge_id": "c-1"}, nil
	})
	x := New(reg)

	result, err := x.Execute(context.Background(), Request{
		Participant: "payments",
		Action:      "charge",
		Input:       map[string]any{"amount": 100},
		Key:         api.IdempotencyKey("i1", "charge"),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["charge_id"] != "c-1" {
		t.Fatalf("unexpected result: %v", result)
	}
	if gotKey.Load() != api.IdempotencyKey("i1", "charge") {
		t.Fatalf("idempotency key not forwarded: %v", gotKey.Load())
	}
}

func TestExecutor_RetriesUnavailableThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	reg := newRegistry(t, "inventory", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return map[string]any{"ok": true}, nil
	})
	x := New(reg)

	result, err := x.Execute(context.Background(), Request{
		Participant: "inventory",
		Action:      "reserve",
		Key:         "k1",
		Retry:       &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result: %v", result)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestExecutor_RejectedNeverRetried(t *testing.T) {
	var calls atomic.Int64
	reg := newRegistry(t, "payments", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		calls.Add(1)
		return nil, api.Rejected("payments", action, errors.New("card declined"))
	})
	x := New(reg)

	_, err := x.Execute(context.Background(), Request{
		Participant: "payments",
		Action:      "charge",
		Key:         "k1",
		Retry:       &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
	})
	execErr, ok := api.AsExecutionError(err)
	if !ok || execErr.Kind != api.KindRejected {
		t.Fatalf("expected REJECTED, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestExecutor_TimeoutClassified(t *testing.T) {
	reg := newRegistry(t, "shipping", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	x := New(reg)

	_, err := x.Execute(context.Background(), Request{
		Participant: "shipping",
		Action:      "dispatch",
		Key:         "k1",
		Timeout:     10 * time.Millisecond,
	})
	execErr, ok := api.AsExecutionError(err)
	if !ok || execErr.Kind != api.KindTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestExecutor_ExhaustedRetriesReturnLastError(t *testing.T) {
	var calls atomic.Int64
	reg := newRegistry(t, "inventory", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("still down")
	})
	x := New(reg)

	_, err := x.Execute(context.Background(), Request{
		Participant: "inventory",
		Action:      "reserve",
		Key:         "k1",
		Retry:       &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
	execErr, ok := api.AsExecutionError(err)
	if !ok || execErr.Kind != api.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestExecutor_UnknownParticipant(t *testing.T) {
	x := New(api.NewRegistry())
	_, err := x.Execute(context.Background(), Request{Participant: "ghost", Action: "noop", Key: "k1"})
	execErr, ok := api.AsExecutionError(err)
	if !ok || execErr.Kind != api.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE for unknown participant, got %v", err)
	}
}

func TestExecutor_CircuitOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int64
	reg := newRegistry(t, "inventory", func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	x := New(reg, WithBreaker(2, time.Minute))

	req := Request{Participant: "inventory", Action: "reserve", Key: "k1"}

	for i := 0; i < 2; i++ {
		if _, err := x.Execute(context.Background(), req); err == nil {
			t.Fatalf("expected failure")
		}
	}
	before := calls.Load()

	// Threshold reached: the next call must fail fast without an attempt.
	_, err := x.Execute(context.Background(), req)
	if !errors.Is(err, api.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("expected no participant call while open")
	}

	execErr, ok := api.AsExecutionError(err)
	if !ok || execErr.Kind != api.KindUnavailable {
		t.Fatalf("expected open circuit to classify as UNAVAILABLE, got %v", err)
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)

	b.RecordFailure()
	if err := b.AllowRequest(); !errors.Is(err, api.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// First caller after cooldown gets the probe; a second is still blocked.
	if err := b.AllowRequest(); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	if err := b.AllowRequest(); !errors.Is(err, api.ErrCircuitOpen) {
		t.Fatalf("expected second caller to be blocked, got %v", err)
	}

	b.RecordSuccess()
	if err := b.AllowRequest(); err != nil {
		t.Fatalf("expected closed circuit after probe success, got %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if err := b.AllowRequest(); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	b.RecordFailure()

	if err := b.AllowRequest(); !errors.Is(err, api.ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}
