package executor

import (
	"sync"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// Breaker is a consecutive-failure circuit breaker for a single participant.
//
// Closed: requests flow, consecutive failures are counted. Once the count
// reaches the threshold the circuit opens and requests fail fast with
// api.ErrCircuitOpen until the cooldown elapses. The first request after the
// cooldown is a probe: success closes the circuit, failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures  int
	openUntil time.Time
	probing   bool
}

// NewBreaker creates a Breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// AllowRequest reports whether a call may proceed. It returns
// api.ErrCircuitOpen while the circuit is open.
func (b *Breaker) AllowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return nil
	}
	if time.Now().Before(b.openUntil) {
		return api.ErrCircuitOpen
	}
	if b.probing {
		// One probe at a time; everyone else keeps failing fast.
		return api.ErrCircuitOpen
	}
	b.probing = true
	return nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
	b.probing = false
}

// RecordFailure counts a failure, opening (or re-opening) the circuit when
// the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probing {
		// Failed probe: reopen for another cooldown.
		b.probing = false
		b.openUntil = time.Now().Add(b.cooldown)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.failures = 0
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// breakerSet keeps one Breaker per participant.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*Breaker
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

func (s *breakerSet) get(participant string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[participant]
	if !ok {
		b = NewBreaker(s.threshold, s.cooldown)
		s.breakers[participant] = b
	}
	return b
}
