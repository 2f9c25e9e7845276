package saga

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meridianpay/saga/internal/engine"
	"github.com/meridianpay/saga/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowTemplate     = api.WorkflowTemplate
	WorkflowInstance     = api.WorkflowInstance
	StepDefinition       = api.StepDefinition
	SagaStep             = api.SagaStep
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	StepStatus           = api.StepStatus
	RetryPolicy          = api.RetryPolicy
	CompensationStrategy = api.CompensationStrategy
	CompensationResult   = api.CompensationResult
	Participant          = api.Participant
	ParticipantFunc      = api.ParticipantFunc
	Registry             = api.Registry
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	Event                = api.Event
	EventType            = api.EventType
	ExecutionError       = api.ExecutionError
)

// Re-export common helpers.

var (
	NewRegistry          = api.NewRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	IdempotencyKey       = api.IdempotencyKey
	CompensationKey      = api.CompensationKey
	Rejected             = api.Rejected
	AsExecutionError     = api.AsExecutionError
)

// Re-export status and strategy values for convenience.

const (
	StatusPending            = api.StatusPending
	StatusRunning            = api.StatusRunning
	StatusCompleted          = api.StatusCompleted
	StatusFailed             = api.StatusFailed
	StatusCompensating       = api.StatusCompensating
	StatusCompensated        = api.StatusCompensated
	StatusCompensationFailed = api.StatusCompensationFailed
	StatusCancelling         = api.StatusCancelling
	StatusCancelled          = api.StatusCancelled

	CompensateSequential = api.CompensateSequential
	CompensateParallel   = api.CompensateParallel
)

// Sentinel errors callers are expected to branch on.

var (
	ErrConcurrentExecution = api.ErrConcurrentExecution
	ErrSequenceConflict    = api.ErrSequenceConflict
	ErrInvalidState        = api.ErrInvalidState
	ErrDefinitionConflict  = api.ErrDefinitionConflict
	ErrCircuitOpen         = api.ErrCircuitOpen
)

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(registry *Registry) Engine {
	return engine.NewInMemoryEngine(registry)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(registry *Registry, obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(registry, obs)
}

// NewSQLiteEngine returns an Engine that persists instances and events in a
// SQLite database. Definitions are kept in-memory; they are code-owned and
// re-registered on process start.
func NewSQLiteEngine(db *sql.DB, registry *Registry) (Engine, error) {
	return engine.NewSQLiteEngine(db, registry)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, registry *Registry, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, registry, obs)
}

// NewPostgresEngine returns an Engine that persists instances and events in
// PostgreSQL.
func NewPostgresEngine(db *sql.DB, registry *Registry) (Engine, error) {
	return engine.NewPostgresEngine(db, registry)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, registry *Registry, obs Observer) (Engine, error) {
	return engine.NewPostgresEngineWithObserver(db, registry, obs)
}

// NewRedisEngine returns an Engine that persists instances and events in Redis.
func NewRedisEngine(client *redis.Client, registry *Registry) Engine {
	return engine.NewRedisEngine(client, registry)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, registry *Registry, obs Observer) Engine {
	return engine.NewRedisEngineWithObserver(client, registry, obs)
}

// NewMongoEngine returns an Engine that persists instances and events in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, registry *Registry) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName, registry)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, dbName string, registry *Registry, obs Observer) (Engine, error) {
	return engine.NewMongoEngineWithObserver(ctx, client, dbName, registry, obs)
}

// Convenience helpers that forward to the underlying Engine.

// Start instantiates a template for a tenant and returns the new instance ID.
func Start(ctx context.Context, eng Engine, templateID, tenantID string, inputs map[string]any) (string, error) {
	return eng.Start(ctx, templateID, tenantID, inputs)
}

// Advance drives an instance until it reaches a terminal state.
func Advance(ctx context.Context, eng Engine, instanceID string) (*WorkflowInstance, error) {
	return eng.Advance(ctx, instanceID)
}

// Cancel requests cancellation of a non-terminal instance.
func Cancel(ctx context.Context, eng Engine, instanceID string) error {
	return eng.Cancel(ctx, instanceID)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// History returns an instance's ordered event stream.
func History(ctx context.Context, eng Engine, instanceID string) ([]Event, error) {
	return eng.History(ctx, instanceID)
}

// RecoverExpired delegates to eng.RecoverExpired.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := saga.RecoverExpired(ctx, engine)
func RecoverExpired(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverExpired(ctx)
}
