package api

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusCancelling         Status = "CANCELLING"
	StatusCancelled          Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
// COMPENSATION_FAILED is terminal on purpose: retrying a failed compensating
// action against a payment or shipment without an operator looking first
// risks making the inconsistency worse.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single saga step.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepExecuting          StepStatus = "EXECUTING"
	StepSucceeded          StepStatus = "SUCCEEDED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepDefinition describes one step of a saga: the participant service to
// call, the action to invoke, and the compensating action that semantically
// undoes it. A step with an empty CompensationAction is skipped during
// compensation (nothing to undo).
type StepDefinition struct {
	ID                 string
	Participant        string
	Action             string
	CompensationAction string
	Retry              *RetryPolicy
	Timeout            time.Duration
}

// WorkflowDefinition describes a saga as an ordered sequence of steps.
// Definitions are immutable once registered; behavioral changes require a
// new Version.
type WorkflowDefinition struct {
	Name     string
	Version  string
	Steps    []StepDefinition
	Strategy CompensationStrategy
}

// WorkflowTemplate is a named, instantiable reference to a definition
// version. Defaults are merged under the bound inputs at instantiation.
type WorkflowTemplate struct {
	ID                string
	Name              string
	DefinitionName    string
	DefinitionVersion string
	Defaults          map[string]any
}

// SagaStep is the runtime state of a StepDefinition within one instance.
type SagaStep struct {
	ID             string
	Status         StepStatus
	Attempts       int
	Result         map[string]any
	IdempotencyKey string
}

// WorkflowInstance is the projection of one saga run. It is owned
// exclusively by the engine; stores only persist and return it.
type WorkflowInstance struct {
	ID                string
	DefinitionName    string
	DefinitionVersion string
	TenantID          string
	Status            Status
	Steps             []SagaStep

	// Context accumulates step inputs/outputs keyed by step ID. The bound
	// workflow inputs live under the "input" key.
	Context map[string]any

	// CurrentStep only advances on a succeeded step; once the instance
	// enters compensation it walks backward instead.
	CurrentStep int

	// LastSequence is the sequence number of the last event folded into
	// this projection. A store whose stream is ahead of it means the
	// projection is stale and must be rebuilt.
	LastSequence int64

	// CancelRequested is the cancellation marker consulted by the engine
	// before starting the next step. It never interrupts an in-flight
	// participant call.
	CancelRequested bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Err string
}

// Step returns the runtime step with the given ID, or nil.
func (w *WorkflowInstance) Step(id string) *SagaStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	DefinitionName string
	TenantID       string
	Status         Status
}

// RetryPolicy controls how a participant call is retried. MaxAttempts
// includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Only TIMEOUT and UNAVAILABLE outcomes are retried; a REJECTED outcome
// fails the step immediately regardless of the policy.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// CompensationStrategy selects how compensating actions for the already
// succeeded steps are run after a step failure.
type CompensationStrategy string

const (
	// CompensateSequential runs compensations in strict reverse order of
	// the original execution; a failed compensation halts the chain.
	CompensateSequential CompensationStrategy = "SEQUENTIAL"

	// CompensateParallel dispatches all compensations concurrently and
	// waits for every one of them regardless of individual failures.
	CompensateParallel CompensationStrategy = "PARALLEL"
)

// CompensationOutcome records the result of compensating a single step.
type CompensationOutcome struct {
	StepID  string
	Outcome StepStatus // StepCompensated or StepCompensationFailed
	Err     string
}

// CompensationResult aggregates a compensation run. Partial failures are
// preserved per step for operator remediation; they are never dropped.
type CompensationResult struct {
	InstanceID string
	Strategy   CompensationStrategy
	Steps      []CompensationOutcome
	Status     StepStatus // StepCompensated or StepCompensationFailed
}

// Failed reports whether any step failed to compensate.
func (r CompensationResult) Failed() bool {
	return r.Status == StepCompensationFailed
}

// idempotencyNamespace is the fixed UUID namespace for deriving keys.
var idempotencyNamespace = uuid.MustParse("b9c7e3a4-52fd-4be1-9f05-6a7c40d1b2e8")

// IdempotencyKey derives the stable key for invoking a step's action. It
// depends only on the instance and step identity, so retries and crash
// recovery re-send the same key and a conforming participant treats the
// repeat as a no-op.
func IdempotencyKey(instanceID, stepID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(instanceID+"/"+stepID)).String()
}

// CompensationKey derives the stable key for a step's compensating action.
func CompensationKey(instanceID, stepID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(instanceID+"/"+stepID+"/compensate")).String()
}
