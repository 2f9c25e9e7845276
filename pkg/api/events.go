package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowCreated      EventType = "workflow.created"
	EventWorkflowStarted      EventType = "workflow.started"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowCancelling   EventType = "workflow.cancelling"
	EventWorkflowCancelled    EventType = "workflow.cancelled"
	EventWorkflowCompensating EventType = "workflow.compensating"
	EventWorkflowCompensated  EventType = "workflow.compensated"

	// EventWorkflowCompensationFailed and EventWorkflowFailed are the two
	// event types an external alerting collaborator must page on.
	EventWorkflowCompensationFailed EventType = "workflow.compensation_failed"
	EventWorkflowFailed             EventType = "workflow.failed"

	EventStepExecuting          EventType = "step.executing"
	EventStepSucceeded          EventType = "step.succeeded"
	EventStepFailed             EventType = "step.failed"
	EventStepCompensated        EventType = "step.compensated"
	EventStepCompensationFailed EventType = "step.compensation_failed"
)

// Event is an immutable, append-only history record. Sequence is strictly
// increasing per instance with no gaps; only the event store assigns it.
type Event struct {
	ID         string
	InstanceID string
	Sequence   int64
	Type       EventType
	At         time.Time

	// StepID is set for step.* events, empty for workflow.* events.
	StepID string

	// Payload carries small, event-specific detail: bound inputs for
	// workflow.created, the step result for step.succeeded, the error
	// string for failures. Keep it low-volume.
	Payload map[string]any
}
