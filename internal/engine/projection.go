package engine

import (
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// Rebuild folds an instance's full event stream into a projection. The fold
// is deterministic: the same stream always yields the same instance, which
// is what makes the event log the source of truth after a crash.
//
// def supplies the step order; events supply everything else.
func Rebuild(def api.WorkflowDefinition, events []api.Event) *api.WorkflowInstance {
	inst := &api.WorkflowInstance{
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            api.StatusPending,
		Steps:             make([]api.SagaStep, len(def.Steps)),
		Context:           make(map[string]any),
	}
	for i, step := range def.Steps {
		inst.Steps[i] = api.SagaStep{ID: step.ID, Status: api.StepPending}
	}

	for i := range events {
		Apply(inst, events[i])
	}
	return inst
}

// Apply folds a single event into the projection, in place.
func Apply(inst *api.WorkflowInstance, ev api.Event) {
	inst.LastSequence = ev.Sequence
	inst.UpdatedAt = ev.At

	switch ev.Type {
	case api.EventWorkflowCreated:
		inst.ID = ev.InstanceID
		inst.CreatedAt = ev.At
		if name, ok := ev.Payload["definition_name"].(string); ok {
			inst.DefinitionName = name
		}
		if version, ok := ev.Payload["definition_version"].(string); ok {
			inst.DefinitionVersion = version
		}
		if tenant, ok := ev.Payload["tenant_id"].(string); ok {
			inst.TenantID = tenant
		}
		if input, ok := ev.Payload["input"].(map[string]any); ok {
			inst.Context["input"] = input
		}
		inst.Status = api.StatusPending

	case api.EventWorkflowStarted:
		inst.Status = api.StatusRunning

	case api.EventStepExecuting:
		if step := inst.Step(ev.StepID); step != nil {
			step.Status = api.StepExecuting
			step.Attempts++
			if key, ok := ev.Payload["idempotency_key"].(string); ok {
				step.IdempotencyKey = key
			}
		}

	case api.EventStepSucceeded:
		if step := inst.Step(ev.StepID); step != nil {
			step.Status = api.StepSucceeded
			if result, ok := ev.Payload["result"].(map[string]any); ok {
				step.Result = result
				inst.Context[ev.StepID] = result
			}
		}
		inst.CurrentStep = stepIndex(inst, ev.StepID) + 1

	case api.EventStepFailed:
		if step := inst.Step(ev.StepID); step != nil {
			step.Status = api.StepFailed
		}
		if msg, ok := ev.Payload["error"].(string); ok {
			inst.Err = msg
		}
		inst.Status = api.StatusFailed

	case api.EventWorkflowCompensating:
		inst.Status = api.StatusCompensating
		markCompensating(inst)

	case api.EventStepCompensated:
		if step := inst.Step(ev.StepID); step != nil {
			step.Status = api.StepCompensated
		}

	case api.EventStepCompensationFailed:
		if step := inst.Step(ev.StepID); step != nil {
			step.Status = api.StepCompensationFailed
		}

	case api.EventWorkflowCompensated:
		inst.Status = api.StatusCompensated
		setCompleted(inst, ev.At)

	case api.EventWorkflowCompensationFailed:
		inst.Status = api.StatusCompensationFailed
		if msg, ok := ev.Payload["error"].(string); ok {
			inst.Err = msg
		}
		setCompleted(inst, ev.At)

	case api.EventWorkflowCompleted:
		inst.Status = api.StatusCompleted
		setCompleted(inst, ev.At)

	case api.EventWorkflowCancelling:
		inst.Status = api.StatusCancelling
		inst.CancelRequested = true

	case api.EventWorkflowCancelled:
		inst.Status = api.StatusCancelled
		setCompleted(inst, ev.At)

	case api.EventWorkflowFailed:
		inst.Status = api.StatusFailed
		if msg, ok := ev.Payload["error"].(string); ok {
			inst.Err = msg
		}
	}
}

func stepIndex(inst *api.WorkflowInstance, stepID string) int {
	for i := range inst.Steps {
		if inst.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// markCompensating flips every succeeded step to COMPENSATING; they resolve
// to COMPENSATED or COMPENSATION_FAILED as the per-step events arrive.
func markCompensating(inst *api.WorkflowInstance) {
	for i := range inst.Steps {
		if inst.Steps[i].Status == api.StepSucceeded {
			inst.Steps[i].Status = api.StepCompensating
		}
	}
}

func setCompleted(inst *api.WorkflowInstance, at time.Time) {
	t := at
	inst.CompletedAt = &t
}
