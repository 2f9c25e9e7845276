package api

import "context"

// Engine is the high-level orchestration API.
type Engine interface {
	// RegisterDefinition registers an immutable definition version.
	// Registering an existing name+version fails with ErrDefinitionConflict.
	RegisterDefinition(def WorkflowDefinition) error

	// RegisterTemplate registers an instantiable template referencing a
	// registered definition version.
	RegisterTemplate(tpl WorkflowTemplate) error

	// Start instantiates a template with bound inputs for a tenant and
	// returns the new instance ID. The instance is created PENDING; no
	// participant is called until Advance.
	Start(ctx context.Context, templateID, tenantID string, inputs map[string]any) (string, error)

	// Advance drives the instance forward until it reaches a terminal
	// state or the context is cancelled. It fails fast with
	// ErrConcurrentExecution if another worker holds the instance's
	// execution right, and with ErrInvalidState on terminal instances.
	Advance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Cancel requests cancellation of a non-terminal instance. The marker
	// is consulted before the next step starts; an in-flight participant
	// call is never interrupted.
	Cancel(ctx context.Context, instanceID string) error

	// GetInstance looks up an instance by ID. The returned state always
	// reflects the last durably recorded event.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the ordered event stream of an instance, for audit
	// and debugging.
	History(ctx context.Context, instanceID string) ([]Event, error)

	// RecoverExpired scans for RUNNING or COMPENSATING instances whose
	// execution lease has expired (for example after a process crash),
	// rebuilds each from its event stream, and re-invokes Advance.
	//
	// It returns the number of instances it resumed and is intended to be
	// called on process startup before starting workers.
	RecoverExpired(ctx context.Context) (int, error)
}
