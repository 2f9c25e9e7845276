package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a definition version is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrTemplateNotFound is returned when a workflow template is not found.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")
)

// DefinitionStore handles storage of definitions and templates. Both are
// versioned, immutable records: saving over an existing version fails with
// api.ErrDefinitionConflict.
type DefinitionStore interface {
	SaveDefinition(def api.WorkflowDefinition) error
	GetDefinition(name, version string) (api.WorkflowDefinition, error)
	ListDefinitionVersions(name string) ([]string, error)

	SaveTemplate(tpl api.WorkflowTemplate) error
	GetTemplate(id string) (api.WorkflowTemplate, error)
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	DefinitionName string
	TenantID       string
	Status         api.Status
}

// InstanceStore handles storage of workflow instance projections.
//
// The projection is only ever written by the engine, after a successful
// event append; the lease methods are what make "only ever one writer"
// true across a pool of workers.
type InstanceStore interface {
	SaveInstance(inst *api.WorkflowInstance) error
	UpdateInstance(inst *api.WorkflowInstance) error
	GetInstance(id string) (*api.WorkflowInstance, error)
	ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// RequestCancel sets the cancellation marker on an instance. It does
	// not require the lease: the marker is only consulted by the lease
	// holder before starting the next step.
	RequestCancel(ctx context.Context, instanceID string) error

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// EventStore is the append-only history store. It is the sole assigner of
// sequence numbers and the sole source of truth; projections are derived.
type EventStore interface {
	// Append writes ev with sequence expectedLastSeq+1 and returns the
	// assigned sequence. It fails with api.ErrSequenceConflict if the
	// stream's current last sequence differs from expectedLastSeq. The
	// store fills in Sequence and, when zero, At.
	Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error)

	// Read returns the full ordered event stream of an instance. Appended
	// events are never mutated or deleted.
	Read(ctx context.Context, instanceID string) ([]api.Event, error)

	// LastSequence returns the current last sequence for an instance,
	// 0 if no events exist.
	LastSequence(ctx context.Context, instanceID string) (int64, error)
}

// Persistence bundles the stores an engine needs.
type Persistence struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Events      EventStore
}
