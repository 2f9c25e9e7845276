package engine

import (
	"context"
	"sync"

	"github.com/meridianpay/saga/internal/executor"
	"github.com/meridianpay/saga/pkg/api"
)

// Compensator runs the compensating actions for an instance's succeeded
// steps. It only invokes participants; the caller owns the event log and
// appends the per-step and terminal events from the returned result, so the
// single-writer rule holds even for the parallel strategy.
type Compensator struct {
	exec *executor.Executor
}

// NewCompensator creates a Compensator invoking participants through exec.
func NewCompensator(exec *executor.Executor) *Compensator {
	return &Compensator{exec: exec}
}

// compensationTarget is one step that needs undoing, in reverse order of
// original execution.
type compensationTarget struct {
	step  api.StepDefinition
	state *api.SagaStep
}

// targets collects the steps to compensate: succeeded (or already marked
// compensating) steps with a compensating action, newest first. Steps
// without a CompensationAction have nothing to undo and are skipped.
func targets(def api.WorkflowDefinition, inst *api.WorkflowInstance) []compensationTarget {
	var out []compensationTarget
	for i := len(def.Steps) - 1; i >= 0; i-- {
		state := inst.Step(def.Steps[i].ID)
		if state == nil {
			continue
		}
		if state.Status != api.StepSucceeded && state.Status != api.StepCompensating {
			continue
		}
		if def.Steps[i].CompensationAction == "" {
			continue
		}
		out = append(out, compensationTarget{step: def.Steps[i], state: state})
	}
	return out
}

// Run compensates inst according to the definition's strategy and returns
// the aggregated result. Outcomes are ordered by compensation order (reverse
// execution order) for both strategies.
func (c *Compensator) Run(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) api.CompensationResult {
	strategy := def.Strategy
	if strategy == "" {
		strategy = api.CompensateSequential
	}

	result := api.CompensationResult{
		InstanceID: inst.ID,
		Strategy:   strategy,
		Status:     api.StepCompensated,
	}

	list := targets(def, inst)
	if len(list) == 0 {
		return result
	}

	switch strategy {
	case api.CompensateParallel:
		result.Steps = c.runParallel(ctx, inst, list)
	default:
		result.Steps = c.runSequential(ctx, inst, list)
	}

	for _, outcome := range result.Steps {
		if outcome.Outcome == api.StepCompensationFailed {
			result.Status = api.StepCompensationFailed
			break
		}
	}
	return result
}

// runSequential undoes steps strictly newest-first and halts on the first
// failure: once a compensation fails, later (older) effects are left for an
// operator rather than blindly unwound on top of a known inconsistency.
func (c *Compensator) runSequential(ctx context.Context, inst *api.WorkflowInstance, list []compensationTarget) []api.CompensationOutcome {
	var outcomes []api.CompensationOutcome
	for _, target := range list {
		outcome := c.compensateOne(ctx, inst, target)
		outcomes = append(outcomes, outcome)
		if outcome.Outcome == api.StepCompensationFailed {
			break
		}
	}
	return outcomes
}

// runParallel dispatches every compensation concurrently and always waits
// for all of them; partial failures are collected, never dropped. Outcomes
// come back in the same deterministic reverse order as sequential mode.
func (c *Compensator) runParallel(ctx context.Context, inst *api.WorkflowInstance, list []compensationTarget) []api.CompensationOutcome {
	outcomes := make([]api.CompensationOutcome, len(list))

	var wg sync.WaitGroup
	for i, target := range list {
		wg.Add(1)
		go func(i int, target compensationTarget) {
			defer wg.Done()
			outcomes[i] = c.compensateOne(ctx, inst, target)
		}(i, target)
	}
	wg.Wait()

	return outcomes
}

func (c *Compensator) compensateOne(ctx context.Context, inst *api.WorkflowInstance, target compensationTarget) api.CompensationOutcome {
	input := map[string]any{
		"result": target.state.Result,
	}
	if bound, ok := inst.Context["input"]; ok {
		input["input"] = bound
	}

	_, err := c.exec.Execute(ctx, executor.Request{
		Participant: target.step.Participant,
		Action:      target.step.CompensationAction,
		Input:       input,
		Key:         api.CompensationKey(inst.ID, target.step.ID),
		Retry:       target.step.Retry,
		Timeout:     target.step.Timeout,
	})
	if err != nil {
		return api.CompensationOutcome{
			StepID:  target.step.ID,
			Outcome: api.StepCompensationFailed,
			Err:     err.Error(),
		}
	}
	return api.CompensationOutcome{
		StepID:  target.step.ID,
		Outcome: api.StepCompensated,
	}
}
