package api

import (
	"context"
	"fmt"
	"sync"
)

// Participant is a service taking part in a saga. One Participant handles
// every action and compensating action registered under its name.
//
// Invoke must treat idempotencyKey as the deduplication handle: the engine
// sends the same key for every retry and crash-recovery re-send of the same
// logical request, and a conforming participant returns the original result
// instead of applying the effect twice.
//
// Rejections (validation failures, business refusals) should be returned via
// Rejected so they are not retried.
type Participant interface {
	Invoke(ctx context.Context, action string, input map[string]any, idempotencyKey string) (map[string]any, error)
}

// ParticipantFunc adapts a function to the Participant interface.
type ParticipantFunc func(ctx context.Context, action string, input map[string]any, idempotencyKey string) (map[string]any, error)

func (f ParticipantFunc) Invoke(ctx context.Context, action string, input map[string]any, idempotencyKey string) (map[string]any, error) {
	return f(ctx, action, input, idempotencyKey)
}

// Registry holds the participants available to an engine, keyed by the name
// referenced from step definitions.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]Participant)}
}

// Register adds a participant under name. Re-registering a name replaces the
// previous participant; this supports swapping in fakes for tests.
func (r *Registry) Register(name string, p Participant) error {
	if name == "" {
		return fmt.Errorf("participant name is required")
	}
	if p == nil {
		return fmt.Errorf("participant %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[name] = p
	return nil
}

// Get returns the participant registered under name.
func (r *Registry) Get(name string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[name]
	if !ok {
		return nil, fmt.Errorf("unknown participant: %s", name)
	}
	return p, nil
}

// Names returns the registered participant names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.participants))
	for name := range r.participants {
		names = append(names, name)
	}
	return names
}
