package api

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentExecution is returned when another worker holds the
	// execution lease for an instance. Callers should back off and retry;
	// it is not fatal.
	ErrConcurrentExecution = errors.New("instance is being advanced by another worker")

	// ErrSequenceConflict is returned by the event store when the expected
	// last sequence does not match the stream. The caller's projection is
	// stale: reload and retry.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrInvalidState is returned for operations attempted on a terminal
	// instance. It is surfaced to the caller and never retried.
	ErrInvalidState = errors.New("instance is in a terminal state")

	// ErrDefinitionConflict is returned when saving a definition or
	// template whose name+version already exists. Published versions are
	// immutable; register a new version instead.
	ErrDefinitionConflict = errors.New("definition version already exists")

	// ErrCircuitOpen is returned when a participant's circuit breaker is
	// open and calls fail fast without a network attempt.
	ErrCircuitOpen = errors.New("participant circuit open")
)

// ErrorKind classifies the outcome of a participant call.
type ErrorKind string

const (
	// KindTimeout: the call did not complete within the step timeout.
	// Retried with backoff.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindRejected: the participant explicitly refused the action (for
	// example a validation failure). Never retried.
	KindRejected ErrorKind = "REJECTED"

	// KindUnavailable: the participant could not be reached, or its
	// circuit is open. Retried with backoff.
	KindUnavailable ErrorKind = "UNAVAILABLE"
)

// ExecutionError is the classified failure of a participant call.
type ExecutionError struct {
	Participant string
	Action      string
	Kind        ErrorKind
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s %s: %v", e.Participant, e.Action, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s/%s %s", e.Participant, e.Action, e.Kind)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether the executor may retry this outcome.
func (e *ExecutionError) Retryable() bool { return e.Kind != KindRejected }

// NewExecutionError builds a classified participant failure.
func NewExecutionError(participant, action string, kind ErrorKind, err error) *ExecutionError {
	return &ExecutionError{Participant: participant, Action: action, Kind: kind, Err: err}
}

// Rejected is a convenience for participants to refuse an action without
// it being retried.
func Rejected(participant, action string, err error) *ExecutionError {
	return NewExecutionError(participant, action, KindRejected, err)
}

// AsExecutionError returns (execErr, true) if err carries a classified
// participant failure.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
