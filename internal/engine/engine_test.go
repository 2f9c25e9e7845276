package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// recordingParticipant records every invocation and fails the actions listed
// in failures with the configured error.
type recordingParticipant struct {
	mu       sync.Mutex
	calls    []participantCall
	failures map[string]error
}

type participantCall struct {
	action string
	key    string
}

func newRecordingParticipant() *recordingParticipant {
	return &recordingParticipant{failures: make(map[string]error)}
}

func (p *recordingParticipant) failOn(action string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[action] = err
}

func (p *recordingParticipant) Invoke(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, participantCall{action: action, key: key})
	err := p.failures[action]
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return map[string]any{"done": action}, nil
}

func (p *recordingParticipant) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.action
	}
	return out
}

func (p *recordingParticipant) keyFor(action string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.action == action {
			return c.key
		}
	}
	return ""
}

func orderDefinition(strategy api.CompensationStrategy) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:     "order-fulfillment",
		Version:  "v1",
		Strategy: strategy,
		Steps: []api.StepDefinition{
			{ID: "reserve", Participant: "inventory", Action: "reserve", CompensationAction: "release"},
			{ID: "charge", Participant: "payments", Action: "charge", CompensationAction: "refund"},
			{ID: "ship", Participant: "shipping", Action: "dispatch", CompensationAction: "recall"},
		},
	}
}

// newOrderEngine wires an in-memory engine with one recording participant
// per service and registers the order definition plus a template for it.
func newOrderEngine(t *testing.T, strategy api.CompensationStrategy) (api.Engine, map[string]*recordingParticipant) {
	t.Helper()

	reg := api.NewRegistry()
	participants := make(map[string]*recordingParticipant)
	for _, name := range []string{"inventory", "payments", "shipping"} {
		p := newRecordingParticipant()
		participants[name] = p
		if err := reg.Register(name, p); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	eng := NewInMemoryEngine(reg)
	if err := eng.RegisterDefinition(orderDefinition(strategy)); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.RegisterTemplate(api.WorkflowTemplate{
		ID:                "standard-order",
		Name:              "standard order",
		DefinitionName:    "order-fulfillment",
		DefinitionVersion: "v1",
		Defaults:          map[string]any{"priority": "normal"},
	}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	return eng, participants
}

func TestEngine_HappyPath(t *testing.T) {
	eng, participants := newOrderEngine(t, api.CompensateSequential)
	ctx := context.Background()

	id, err := eng.Start(ctx, "standard-order", "acme", map[string]any{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	created, err := eng.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if created.Status != api.StatusPending {
		t.Fatalf("expected PENDING before Advance, got %s", created.Status)
	}
	if len(participants["inventory"].actions()) != 0 {
		t.Fatalf("no participant may be called before Advance")
	}

	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (err=%s)", inst.Status, inst.Err)
	}
	if inst.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}

	for _, step := range inst.Steps {
		if step.Status != api.StepSucceeded {
			t.Fatalf("expected step %s SUCCEEDED, got %s", step.ID, step.Status)
		}
	}

	// Template defaults merge under bound inputs.
	input, ok := inst.Context["input"].(map[string]any)
	if !ok {
		t.Fatalf("expected bound input in context, got %v", inst.Context)
	}
	if input["order_id"] != "o-1" || input["priority"] != "normal" {
		t.Fatalf("unexpected bound input: %v", input)
	}

	// Step results accumulate in the instance context.
	if _, ok := inst.Context["reserve"]; !ok {
		t.Fatalf("expected reserve result in context")
	}

	// Idempotency keys are stable derivations from instance and step.
	if got, want := participants["payments"].keyFor("charge"), api.IdempotencyKey(id, "charge"); got != want {
		t.Fatalf("charge key mismatch: got %s want %s", got, want)
	}

	events, err := eng.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	wantTypes := []api.EventType{
		api.EventWorkflowCreated,
		api.EventWorkflowStarted,
		api.EventStepExecuting, api.EventStepSucceeded,
		api.EventStepExecuting, api.EventStepSucceeded,
		api.EventStepExecuting, api.EventStepSucceeded,
		api.EventWorkflowCompleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.Type, wantTypes[i])
		}
		if ev.Sequence != int64(i)+1 {
			t.Fatalf("event %d: expected gapless sequence, got %d", i, ev.Sequence)
		}
	}

	// Terminal instances reject further transitions.
	if _, err := eng.Advance(ctx, id); !errors.Is(err, api.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on a terminal instance, got %v", err)
	}
	if err := eng.Cancel(ctx, id); !errors.Is(err, api.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on Cancel of a terminal instance, got %v", err)
	}
}

func TestEngine_FailureCompensatesSequentiallyLIFO(t *testing.T) {
	eng, participants := newOrderEngine(t, api.CompensateSequential)
	ctx := context.Background()

	// Step 3 is rejected; steps 1 and 2 must be undone newest-first.
	participants["shipping"].failOn("dispatch", api.Rejected("shipping", "dispatch", errors.New("no carrier")))

	order := make(chan string, 4)
	track := func(name string, p *recordingParticipant) api.ParticipantFunc {
		return func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
			res, err := p.Invoke(ctx, action, input, key)
			if action == "refund" || action == "release" {
				order <- action
			}
			return res, err
		}
	}
	reg := api.NewRegistry()
	for name, p := range participants {
		if err := reg.Register(name, track(name, p)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	eng = NewInMemoryEngine(reg)
	if err := eng.RegisterDefinition(orderDefinition(api.CompensateSequential)); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.RegisterTemplate(api.WorkflowTemplate{ID: "standard-order", DefinitionName: "order-fulfillment", DefinitionVersion: "v1"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	id, err := eng.Start(ctx, "standard-order", "acme", map[string]any{"order_id": "o-2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inst.Status != api.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}

	close(order)
	var got []string
	for a := range order {
		got = append(got, a)
	}
	if len(got) != 2 || got[0] != "refund" || got[1] != "release" {
		t.Fatalf("expected LIFO compensation [refund release], got %v", got)
	}

	// The failed step itself is never compensated.
	if recall := participants["shipping"].keyFor("recall"); recall != "" {
		t.Fatalf("failed step must not be compensated")
	}
	if got, want := participants["payments"].keyFor("refund"), api.CompensationKey(id, "charge"); got != want {
		t.Fatalf("refund key mismatch: got %s want %s", got, want)
	}

	if charge := inst.Step("charge"); charge.Status != api.StepCompensated {
		t.Fatalf("expected charge COMPENSATED, got %s", charge.Status)
	}
	if ship := inst.Step("ship"); ship.Status != api.StepFailed {
		t.Fatalf("expected ship FAILED, got %s", ship.Status)
	}
}

func TestEngine_CompensationFailureIsTerminal(t *testing.T) {
	eng, participants := newOrderEngine(t, api.CompensateSequential)
	ctx := context.Background()

	participants["shipping"].failOn("dispatch", api.Rejected("shipping", "dispatch", errors.New("no carrier")))
	participants["payments"].failOn("refund", api.Rejected("payments", "refund", errors.New("refund window closed")))

	id, err := eng.Start(ctx, "standard-order", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inst.Status != api.StatusCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %s", inst.Status)
	}
	if inst.Err == "" {
		t.Fatalf("expected the failure reason to be recorded")
	}

	// Sequential compensation halts at the first failure: release is never
	// attempted after refund fails.
	if key := participants["inventory"].keyFor("release"); key != "" {
		t.Fatalf("expected halt after failed refund, but release ran")
	}

	// Never auto-retried: terminal means terminal.
	if _, err := eng.Advance(ctx, id); !errors.Is(err, api.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEngine_ParallelCompensationAggregatesPartialFailure(t *testing.T) {
	eng, participants := newOrderEngine(t, api.CompensateParallel)
	ctx := context.Background()

	participants["shipping"].failOn("dispatch", api.Rejected("shipping", "dispatch", errors.New("no carrier")))
	participants["inventory"].failOn("release", api.Rejected("inventory", "release", errors.New("hold already consumed")))

	id, err := eng.Start(ctx, "standard-order", "acme", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inst.Status != api.StatusCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %s", inst.Status)
	}

	// Parallel mode still attempts every compensation despite the failure.
	if key := participants["payments"].keyFor("refund"); key == "" {
		t.Fatalf("expected refund to run despite release failing")
	}

	if charge := inst.Step("charge"); charge.Status != api.StepCompensated {
		t.Fatalf("expected charge COMPENSATED, got %s", charge.Status)
	}
	if reserve := inst.Step("reserve"); reserve.Status != api.StepCompensationFailed {
		t.Fatalf("expected reserve COMPENSATION_FAILED, got %s", reserve.Status)
	}

	// Both per-step outcomes land in the history, in reverse execution order.
	events, err := eng.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var compensationEvents []api.Event
	for _, ev := range events {
		if ev.Type == api.EventStepCompensated || ev.Type == api.EventStepCompensationFailed {
			compensationEvents = append(compensationEvents, ev)
		}
	}
	if len(compensationEvents) != 2 {
		t.Fatalf("expected 2 per-step compensation events, got %d", len(compensationEvents))
	}
	if compensationEvents[0].StepID != "charge" || compensationEvents[1].StepID != "reserve" {
		t.Fatalf("unexpected compensation event order: %s, %s",
			compensationEvents[0].StepID, compensationEvents[1].StepID)
	}
}

func TestEngine_StepsWithoutCompensationAreSkipped(t *testing.T) {
	reg := api.NewRegistry()
	p := newRecordingParticipant()
	if err := reg.Register("notify", p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng := NewInMemoryEngine(reg)

	def := api.WorkflowDefinition{
		Name:    "notify-flow",
		Version: "v1",
		Steps: []api.StepDefinition{
			{ID: "send", Participant: "notify", Action: "send"}, // no compensation
			{ID: "confirm", Participant: "notify", Action: "confirm"},
		},
	}
	if err := eng.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.RegisterTemplate(api.WorkflowTemplate{ID: "tpl", DefinitionName: "notify-flow", DefinitionVersion: "v1"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	p.failOn("confirm", api.Rejected("notify", "confirm", errors.New("nope")))

	ctx := context.Background()
	id, err := eng.Start(ctx, "tpl", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Nothing to undo, so compensation succeeds trivially.
	if inst.Status != api.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}
	for _, call := range p.actions() {
		if call != "send" && call != "confirm" {
			t.Fatalf("unexpected compensation call %q", call)
		}
	}
}

func TestEngine_ConcurrentAdvanceExactlyOneWinner(t *testing.T) {
	reg := api.NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := reg.Register("slow", api.ParticipantFunc(
		func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return map[string]any{}, nil
		})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng := NewInMemoryEngine(reg)

	def := api.WorkflowDefinition{
		Name:    "slow-flow",
		Version: "v1",
		Steps:   []api.StepDefinition{{ID: "s1", Participant: "slow", Action: "work"}},
	}
	if err := eng.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.RegisterTemplate(api.WorkflowTemplate{ID: "tpl", DefinitionName: "slow-flow", DefinitionVersion: "v1"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	ctx := context.Background()
	id, err := eng.Start(ctx, "tpl", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.Advance(ctx, id)
		firstDone <- err
	}()

	<-started

	// The losing worker fails fast without waiting.
	if _, err := eng.Advance(ctx, id); !errors.Is(err, api.ErrConcurrentExecution) {
		t.Fatalf("expected ErrConcurrentExecution, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("winning Advance: %v", err)
	}

	inst, err := eng.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	eng, _ := newOrderEngine(t, api.CompensateSequential)
	ctx := context.Background()

	if _, err := eng.Start(ctx, "missing-template", "acme", nil); err == nil {
		t.Fatalf("expected error for unknown template")
	}

	if err := eng.RegisterTemplate(api.WorkflowTemplate{
		ID: "broken", DefinitionName: "order-fulfillment", DefinitionVersion: "v99",
	}); err == nil {
		t.Fatalf("expected error for template referencing unknown definition version")
	}
}

func TestEngine_RegisterDefinitionValidation(t *testing.T) {
	eng, _ := newOrderEngine(t, api.CompensateSequential)

	cases := []api.WorkflowDefinition{
		{Version: "v1", Steps: []api.StepDefinition{{ID: "a", Participant: "p", Action: "x"}}},
		{Name: "d", Steps: []api.StepDefinition{{ID: "a", Participant: "p", Action: "x"}}},
		{Name: "d", Version: "v1"},
		{Name: "d", Version: "v1", Steps: []api.StepDefinition{{ID: "", Participant: "p", Action: "x"}}},
		{Name: "d", Version: "v1", Steps: []api.StepDefinition{
			{ID: "a", Participant: "p", Action: "x"},
			{ID: "a", Participant: "p", Action: "y"},
		}},
		{Name: "d", Version: "v1", Steps: []api.StepDefinition{{ID: "a", Action: "x"}}},
		{Name: "d", Version: "v1", Strategy: "SIDEWAYS", Steps: []api.StepDefinition{{ID: "a", Participant: "p", Action: "x"}}},
	}
	for i, def := range cases {
		if err := eng.RegisterDefinition(def); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, def)
		}
	}

	// Registered versions are immutable.
	if err := eng.RegisterDefinition(orderDefinition(api.CompensateSequential)); !errors.Is(err, api.ErrDefinitionConflict) {
		t.Fatalf("expected ErrDefinitionConflict, got %v", err)
	}
}

func TestEngine_RetryPolicyRetriesUnavailable(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	reg := api.NewRegistry()
	if err := reg.Register("flaky", api.ParticipantFunc(
		func(ctx context.Context, action string, input map[string]any, key string) (map[string]any, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, fmt.Errorf("connection refused")
			}
			return map[string]any{}, nil
		})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng := NewInMemoryEngine(reg)

	def := api.WorkflowDefinition{
		Name:    "flaky-flow",
		Version: "v1",
		Steps: []api.StepDefinition{{
			ID: "s1", Participant: "flaky", Action: "work",
			Retry: &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
		}},
	}
	if err := eng.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.RegisterTemplate(api.WorkflowTemplate{ID: "tpl", DefinitionName: "flaky-flow", DefinitionVersion: "v1"}); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}

	ctx := context.Background()
	id, err := eng.Start(ctx, "tpl", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst, err := eng.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after retries, got %s", inst.Status)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
