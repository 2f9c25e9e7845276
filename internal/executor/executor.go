// Package executor invokes saga participants with per-call timeouts,
// exponential-backoff retries, and per-participant circuit breaking.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// DefaultTimeout bounds a single participant call when the step definition
// does not set one.
const DefaultTimeout = 30 * time.Second

// Executor drives individual participant calls. It is stateless apart from
// the circuit breakers and safe for concurrent use.
type Executor struct {
	registry *api.Registry
	breakers *breakerSet
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreaker overrides the circuit breaker's consecutive-failure threshold
// and open-state cooldown.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(x *Executor) {
		x.breakers = newBreakerSet(threshold, cooldown)
	}
}

// New creates an Executor resolving participants from registry.
func New(registry *api.Registry, opts ...Option) *Executor {
	x := &Executor{
		registry: registry,
		breakers: newBreakerSet(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Request is one logical participant invocation. Key must be the stable
// idempotency key for this (instance, step, direction) so retries and
// crash-recovery re-sends deduplicate on the participant side.
type Request struct {
	Participant string
	Action      string
	Input       map[string]any
	Key         string
	Retry       *api.RetryPolicy
	Timeout     time.Duration
}

// Execute invokes the request's action, retrying TIMEOUT and UNAVAILABLE
// outcomes per the retry policy. REJECTED outcomes are never retried. The
// returned error, when non-nil, is always an *api.ExecutionError carrying
// the final classified outcome.
func (x *Executor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	participant, err := x.registry.Get(req.Participant)
	if err != nil {
		return nil, api.NewExecutionError(req.Participant, req.Action, api.KindUnavailable, err)
	}

	maxAttempts := 1
	var (
		backoff    time.Duration
		maxBackoff time.Duration
		multiplier float64
	)
	if req.Retry != nil {
		if req.Retry.MaxAttempts > 0 {
			maxAttempts = req.Retry.MaxAttempts
		}
		backoff = req.Retry.InitialBackoff
		maxBackoff = req.Retry.MaxBackoff

		// Default to standard exponential backoff when unset.
		multiplier = req.Retry.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
	}

	breaker := x.breakers.get(req.Participant)

	var lastErr *api.ExecutionError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, api.NewExecutionError(req.Participant, req.Action, api.KindTimeout, err)
		}

		result, execErr := x.invokeOnce(ctx, participant, breaker, req)
		if execErr == nil {
			return result, nil
		}
		lastErr = execErr

		if !execErr.Retryable() || attempt == maxAttempts {
			return nil, execErr
		}

		if backoff > 0 {
			delay := backoff
			if maxBackoff > 0 && delay > maxBackoff {
				delay = maxBackoff
			}

			select {
			case <-ctx.Done():
				return nil, api.NewExecutionError(req.Participant, req.Action, api.KindTimeout, ctx.Err())
			case <-time.After(delay):
			}

			next := time.Duration(float64(backoff) * multiplier)
			if maxBackoff > 0 && next > maxBackoff {
				backoff = maxBackoff
			} else {
				backoff = next
			}
		}
	}
	return nil, lastErr
}

// invokeOnce performs a single breaker-guarded, timeout-bounded call.
func (x *Executor) invokeOnce(ctx context.Context, participant api.Participant, breaker *Breaker, req Request) (map[string]any, *api.ExecutionError) {
	if err := breaker.AllowRequest(); err != nil {
		// Fail fast without touching the participant; still UNAVAILABLE so
		// the retry policy applies and the cooldown can elapse in between.
		return nil, api.NewExecutionError(req.Participant, req.Action, api.KindUnavailable, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := participant.Invoke(callCtx, req.Action, req.Input, req.Key)
	if err == nil {
		breaker.RecordSuccess()
		return result, nil
	}

	execErr := classify(req.Participant, req.Action, err)
	// A rejection means the participant answered; only transport-level
	// outcomes count against the circuit.
	if execErr.Kind == api.KindRejected {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	return nil, execErr
}

// classify maps a raw participant error to its ExecutionError kind.
// Unclassified errors default to UNAVAILABLE.
func classify(participant, action string, err error) *api.ExecutionError {
	if execErr, ok := api.AsExecutionError(err); ok {
		return execErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewExecutionError(participant, action, api.KindTimeout, err)
	}
	return api.NewExecutionError(participant, action, api.KindUnavailable, err)
}
