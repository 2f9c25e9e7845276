package saga

import "time"

// RetryBuilder accumulates retry settings for a participant action and
// assembles them into a RetryPolicy. The zero builder is not useful; start
// from Retry.
type RetryBuilder struct {
	attempts   int
	initial    time.Duration
	multiplier float64
	cap        time.Duration
}

// Retry starts a builder allowing maxAttempts invocations of a participant
// action. The count includes the first call, so Retry(3) means the initial
// call plus two retries. Values below 1 are treated as a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryBuilder{attempts: maxAttempts}
}

// WithExponentialBackoff waits initial before the first retry and multiplies
// the wait by multiplier for each further retry, never exceeding max. A
// multiplier of zero or less falls back to doubling; max <= 0 leaves the
// growth uncapped.
//
//	saga.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	r.initial = initial
	r.multiplier = multiplier
	r.cap = max
	return r
}

// WithConstantBackoff waits the same delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.initial = delay
	r.multiplier = 1.0
	r.cap = 0
	return r
}

// Immediate retries without waiting. The attempt count still applies.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.initial = 0
	r.multiplier = 0
	r.cap = 0
	return r
}

// Policy assembles the RetryPolicy for use with WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       r.attempts,
		InitialBackoff:    r.initial,
		BackoffMultiplier: r.multiplier,
		MaxBackoff:        r.cap,
	}
}
