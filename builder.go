package saga

import (
	"fmt"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// DefinitionBuilder provides a fluent API for defining sagas:
//
//	def := saga.NewDefinition("order-fulfillment", "v1").
//	    Step("reserve", "inventory", "reserve", saga.WithCompensation("release")).
//	    Step("charge", "payments", "charge",
//	        saga.WithCompensation("refund"),
//	        saga.WithRetry(saga.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second).Policy()),
//	    ).
//	    Step("ship", "shipping", "dispatch", saga.WithCompensation("recall"))
//
//	if err := def.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
type DefinitionBuilder struct {
	def api.WorkflowDefinition
}

// NewDefinition creates a builder for the given definition name and version.
func NewDefinition(name, version string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: api.WorkflowDefinition{
			Name:    name,
			Version: version,
			Steps:   make([]api.StepDefinition, 0),
		},
	}
}

// StepOption customizes a single step.
type StepOption func(*api.StepDefinition)

// WithCompensation sets the compensating action that semantically undoes the
// step. Steps without one are skipped during compensation.
func WithCompensation(action string) StepOption {
	return func(s *api.StepDefinition) { s.CompensationAction = action }
}

// WithRetry sets the retry policy for the step's forward and compensating
// calls.
func WithRetry(policy RetryPolicy) StepOption {
	return func(s *api.StepDefinition) {
		p := policy
		s.Retry = &p
	}
}

// WithTimeout sets the per-call timeout for the step's participant calls.
func WithTimeout(d time.Duration) StepOption {
	return func(s *api.StepDefinition) { s.Timeout = d }
}

// Name returns the definition name.
func (b *DefinitionBuilder) Name() string {
	return b.def.Name
}

// Version returns the definition version.
func (b *DefinitionBuilder) Version() string {
	return b.def.Version
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *DefinitionBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Step appends a step calling action on the named participant.
func (b *DefinitionBuilder) Step(id, participant, action string, opts ...StepOption) *DefinitionBuilder {
	if id == "" {
		panic("saga: step id must not be empty")
	}
	if participant == "" || action == "" {
		panic(fmt.Sprintf("saga: step %q needs a participant and an action", id))
	}

	step := api.StepDefinition{
		ID:          id,
		Participant: participant,
		Action:      action,
	}
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithCompensationStrategy selects how compensations run after a failure.
// The default is sequential, strict reverse order.
func (b *DefinitionBuilder) WithCompensationStrategy(strategy CompensationStrategy) *DefinitionBuilder {
	b.def.Strategy = strategy
	return b
}

// Register registers the built definition with the given engine.
func (b *DefinitionBuilder) Register(eng Engine) error {
	return eng.RegisterDefinition(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *DefinitionBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Template builds a WorkflowTemplate referencing this definition. Defaults
// are merged under the bound inputs at instantiation.
func (b *DefinitionBuilder) Template(id string, defaults map[string]any) WorkflowTemplate {
	return WorkflowTemplate{
		ID:                id,
		Name:              id,
		DefinitionName:    b.def.Name,
		DefinitionVersion: b.def.Version,
		Defaults:          defaults,
	}
}
