// Package engine implements the saga orchestration core: it owns the event
// log, derives instance projections from it, and drives participants through
// the executor under a per-instance execution lease.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meridianpay/saga/internal/executor"
	"github.com/meridianpay/saga/internal/persistence"
	"github.com/meridianpay/saga/pkg/api"
)

// DefaultLeaseTTL is how long a worker may sit on one step before its
// execution lease can be stolen by recovery.
const DefaultLeaseTTL = 30 * time.Second

type engineImpl struct {
	definitions persistence.DefinitionStore
	instances   persistence.InstanceStore
	events      persistence.EventStore

	exec     *executor.Executor
	comp     *Compensator
	observer api.Observer

	// owner identifies this engine process; each Advance call extends it
	// with a per-call suffix so concurrent calls contend on the lease.
	owner    string
	leaseTTL time.Duration
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engine.
// External callers normally use the backend helper constructors instead.
type Config struct {
	Persistence persistence.Persistence
	Registry    *api.Registry
	Observer    api.Observer
	LeaseTTL    time.Duration

	// BreakerThreshold and BreakerCooldown tune the per-participant circuit
	// breakers. Zero values use the executor defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	registry := cfg.Registry
	if registry == nil {
		registry = api.NewRegistry()
	}

	var execOpts []executor.Option
	if cfg.BreakerThreshold > 0 || cfg.BreakerCooldown > 0 {
		execOpts = append(execOpts, executor.WithBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown))
	}
	exec := executor.New(registry, execOpts...)

	return &engineImpl{
		definitions: cfg.Persistence.Definitions,
		instances:   cfg.Persistence.Instances,
		events:      cfg.Persistence.Events,
		exec:        exec,
		comp:        NewCompensator(exec),
		observer:    obs,
		owner:       uuid.NewString(),
		leaseTTL:    ttl,
	}
}

// NewEngine returns an Engine over the given persistence with a registry.
func NewEngine(p persistence.Persistence, registry *api.Registry) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p, Registry: registry})
}

// NewInMemoryEngine creates a fully in-memory engine for tests and local
// development.
func NewInMemoryEngine(registry *api.Registry) api.Engine {
	return NewInMemoryEngineWithObserver(registry, nil)
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with an Observer.
func NewInMemoryEngineWithObserver(registry *api.Registry, obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: mem,
			Instances:   mem,
			Events:      persistence.NewInMemoryEventStore(),
		},
		Registry: registry,
		Observer: obs,
	})
}

// NewSQLiteEngine creates an engine with SQLite-backed instances and events.
// Definitions remain in-memory; they are code-owned and re-registered on
// process start.
func NewSQLiteEngine(db *sql.DB, registry *api.Registry) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, registry, nil)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine with an Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, registry *api.Registry, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   inst,
			Events:      events,
		},
		Registry: registry,
		Observer: obs,
	}), nil
}

// NewPostgresEngine creates an engine with PostgreSQL-backed instances and
// events. Definitions remain in-memory, just like SQLite.
func NewPostgresEngine(db *sql.DB, registry *api.Registry) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, registry, nil)
}

// NewPostgresEngineWithObserver is NewPostgresEngine with an Observer.
func NewPostgresEngineWithObserver(db *sql.DB, registry *api.Registry, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   inst,
			Events:      events,
		},
		Registry: registry,
		Observer: obs,
	}), nil
}

// NewRedisEngine creates an engine with Redis-backed instances and events.
func NewRedisEngine(client *redis.Client, registry *api.Registry) api.Engine {
	return NewRedisEngineWithObserver(client, registry, nil)
}

// NewRedisEngineWithObserver is NewRedisEngine with an Observer.
func NewRedisEngineWithObserver(client *redis.Client, registry *api.Registry, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   persistence.NewRedisInstanceStore(client, "saga:"),
			Events:      persistence.NewRedisEventStore(client, "saga:"),
		},
		Registry: registry,
		Observer: obs,
	})
}

// NewMongoEngine creates an engine with MongoDB-backed instances and events.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, registry *api.Registry) (api.Engine, error) {
	return NewMongoEngineWithObserver(ctx, client, dbName, registry, nil)
}

// NewMongoEngineWithObserver is NewMongoEngine with an Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, dbName string, registry *api.Registry, obs api.Observer) (api.Engine, error) {
	events, err := persistence.NewMongoEventStore(ctx, client, dbName, "events")
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   persistence.NewMongoInstanceStore(client, dbName, "instances"),
			Events:      events,
		},
		Registry: registry,
		Observer: obs,
	}), nil
}

func (e *engineImpl) RegisterDefinition(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("definition name is required")
	}
	if def.Version == "" {
		return errors.New("definition version is required")
	}
	if len(def.Steps) == 0 {
		return errors.New("definition must have at least one step")
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("definition %s: step id is required", def.Name)
		}
		if seen[step.ID] {
			return fmt.Errorf("definition %s: duplicate step id %q", def.Name, step.ID)
		}
		seen[step.ID] = true
		if step.Participant == "" || step.Action == "" {
			return fmt.Errorf("definition %s: step %q needs a participant and an action", def.Name, step.ID)
		}
	}

	switch def.Strategy {
	case "", api.CompensateSequential, api.CompensateParallel:
	default:
		return fmt.Errorf("definition %s: unknown compensation strategy %q", def.Name, def.Strategy)
	}

	return e.definitions.SaveDefinition(def)
}

func (e *engineImpl) RegisterTemplate(tpl api.WorkflowTemplate) error {
	if tpl.ID == "" {
		return errors.New("template id is required")
	}
	if _, err := e.definitions.GetDefinition(tpl.DefinitionName, tpl.DefinitionVersion); err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return fmt.Errorf("template %s: unknown definition %s/%s", tpl.ID, tpl.DefinitionName, tpl.DefinitionVersion)
		}
		return err
	}
	return e.definitions.SaveTemplate(tpl)
}

func (e *engineImpl) Start(ctx context.Context, templateID, tenantID string, inputs map[string]any) (string, error) {
	tpl, err := e.definitions.GetTemplate(templateID)
	if err != nil {
		if errors.Is(err, persistence.ErrTemplateNotFound) {
			return "", fmt.Errorf("unknown template: %s", templateID)
		}
		return "", err
	}
	def, err := e.definitions.GetDefinition(tpl.DefinitionName, tpl.DefinitionVersion)
	if err != nil {
		return "", err
	}

	// Template defaults first, bound inputs win.
	bound := make(map[string]any, len(tpl.Defaults)+len(inputs))
	for k, v := range tpl.Defaults {
		bound[k] = v
	}
	for k, v := range inputs {
		bound[k] = v
	}

	id := uuid.NewString()
	ev := api.Event{
		ID:         uuid.NewString(),
		InstanceID: id,
		Type:       api.EventWorkflowCreated,
		At:         time.Now(),
		Payload: map[string]any{
			"definition_name":    def.Name,
			"definition_version": def.Version,
			"tenant_id":          tenantID,
			"input":              bound,
		},
	}
	seq, err := e.events.Append(ctx, id, 0, ev)
	if err != nil {
		return "", err
	}
	ev.Sequence = seq

	inst := Rebuild(def, []api.Event{ev})
	inst.TenantID = tenantID
	if err := e.instances.SaveInstance(inst); err != nil {
		return "", err
	}
	e.observer.OnEventAppended(ctx, ev)

	return id, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance not found: %s", id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(persistence.InstanceFilter{
		DefinitionName: opts.DefinitionName,
		TenantID:       opts.TenantID,
		Status:         opts.Status,
	})
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.Event, error) {
	return e.events.Read(ctx, instanceID)
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID string) error {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return api.ErrInvalidState
	}
	// Only a marker: the lease holder appends workflow.cancelling before
	// the next step, so the event log keeps a single writer.
	return e.instances.RequestCancel(ctx, instanceID)
}

func (e *engineImpl) Advance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, api.ErrInvalidState
	}

	def, err := e.definitions.GetDefinition(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("definition not found for instance %s (%s/%s): %w",
			instanceID, inst.DefinitionName, inst.DefinitionVersion, err)
	}

	// Stores treat acquisition as re-entrant for the same owner, so the
	// owner must be unique per call, not per process. Otherwise two
	// goroutines sharing one engine would both win the lease.
	owner := e.owner + "/" + uuid.NewString()

	acquired, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return inst, api.ErrConcurrentExecution
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.instances.ReleaseLease(releaseCtx, instanceID, owner)
	}()

	// The stream may be ahead of the stored projection (crash between
	// append and update); the log wins.
	inst, err = e.reconcile(ctx, def, inst)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, def, inst, owner)
}

// run drives the instance until a terminal state, holding the lease.
func (e *engineImpl) run(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, owner string) (*api.WorkflowInstance, error) {
	for {
		if err := ctx.Err(); err != nil {
			return inst, err
		}
		if err := e.instances.RenewLease(ctx, inst.ID, owner, e.leaseTTL); err != nil {
			return inst, err
		}

		switch inst.Status {
		case api.StatusPending:
			if inst.CancelRequested {
				next, err := e.append(ctx, def, inst, api.Event{Type: api.EventWorkflowCancelling})
				if err != nil {
					return inst, err
				}
				inst = next
				continue
			}
			next, err := e.append(ctx, def, inst, api.Event{Type: api.EventWorkflowStarted})
			if err != nil {
				return inst, err
			}
			inst = next
			e.observer.OnWorkflowStart(ctx, inst)

		case api.StatusRunning:
			// Refresh the cancellation marker; Cancel sets it without the lease.
			if !inst.CancelRequested {
				stored, err := e.instances.GetInstance(inst.ID)
				if err == nil && stored.CancelRequested {
					inst.CancelRequested = true
				}
			}
			if inst.CancelRequested {
				next, err := e.append(ctx, def, inst, api.Event{Type: api.EventWorkflowCancelling})
				if err != nil {
					return inst, err
				}
				inst = next
				continue
			}

			if inst.CurrentStep >= len(def.Steps) {
				next, err := e.append(ctx, def, inst, api.Event{Type: api.EventWorkflowCompleted})
				if err != nil {
					return inst, err
				}
				inst = next
				e.observer.OnWorkflowCompleted(ctx, inst)
				return inst, nil
			}

			next, err := e.executeStep(ctx, def, inst)
			if err != nil {
				return inst, err
			}
			inst = next

		case api.StatusFailed:
			next, err := e.append(ctx, def, inst, api.Event{Type: api.EventWorkflowCompensating})
			if err != nil {
				return inst, err
			}
			inst = next

		case api.StatusCancelling:
			// Cancellation unwinds completed work the same way a failure
			// does, then lands on CANCELLED instead of COMPENSATED.
			next, err := e.compensate(ctx, def, inst, api.EventWorkflowCancelled)
			if err != nil {
				return inst, err
			}
			inst = next

		case api.StatusCompensating:
			next, err := e.compensate(ctx, def, inst, api.EventWorkflowCompensated)
			if err != nil {
				return inst, err
			}
			inst = next

		default:
			// Terminal.
			return inst, nil
		}
	}
}

// executeStep runs the current forward step and records its outcome.
func (e *engineImpl) executeStep(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	step := def.Steps[inst.CurrentStep]
	stepIdx := inst.CurrentStep
	key := api.IdempotencyKey(inst.ID, step.ID)

	inst, err := e.append(ctx, def, inst, api.Event{
		Type:    api.EventStepExecuting,
		StepID:  step.ID,
		Payload: map[string]any{"idempotency_key": key},
	})
	if err != nil {
		return nil, err
	}

	e.observer.OnStepStart(ctx, inst, step.ID, stepIdx)
	started := time.Now()

	result, execErr := e.exec.Execute(ctx, executor.Request{
		Participant: step.Participant,
		Action:      step.Action,
		Input:       cloneContext(inst.Context),
		Key:         key,
		Retry:       step.Retry,
		Timeout:     step.Timeout,
	})

	e.observer.OnStepCompleted(ctx, inst, step.ID, stepIdx, execErr, time.Since(started))

	if execErr != nil {
		inst, err = e.append(ctx, def, inst, api.Event{
			Type:    api.EventStepFailed,
			StepID:  step.ID,
			Payload: map[string]any{"error": execErr.Error()},
		})
		if err != nil {
			return nil, err
		}
		e.observer.OnWorkflowFailed(ctx, inst, execErr)
		return inst, nil
	}

	payload := map[string]any{}
	if result != nil {
		payload["result"] = result
	}
	return e.append(ctx, def, inst, api.Event{
		Type:    api.EventStepSucceeded,
		StepID:  step.ID,
		Payload: payload,
	})
}

// compensate unwinds the instance's succeeded steps and appends the terminal
// event: terminal on full success, workflow.compensation_failed otherwise.
func (e *engineImpl) compensate(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, terminal api.EventType) (*api.WorkflowInstance, error) {
	list := targets(def, inst)
	stepIDs := make([]string, len(list))
	for i, t := range list {
		stepIDs[i] = t.step.ID
	}
	e.observer.OnCompensationStart(ctx, inst, def.Strategy, stepIDs)

	result := e.comp.Run(ctx, def, inst)

	// Participant calls may have run concurrently, but events land in the
	// deterministic reverse-execution order after the join, preserving the
	// single-writer sequence.
	var err error
	for _, outcome := range result.Steps {
		ev := api.Event{StepID: outcome.StepID}
		if outcome.Outcome == api.StepCompensationFailed {
			ev.Type = api.EventStepCompensationFailed
			ev.Payload = map[string]any{"error": outcome.Err}
		} else {
			ev.Type = api.EventStepCompensated
		}
		inst, err = e.append(ctx, def, inst, ev)
		if err != nil {
			return nil, err
		}
	}

	if result.Failed() {
		inst, err = e.append(ctx, def, inst, api.Event{
			Type:    api.EventWorkflowCompensationFailed,
			Payload: map[string]any{"error": compensationErrorSummary(result)},
		})
	} else {
		inst, err = e.append(ctx, def, inst, api.Event{Type: terminal})
	}
	if err != nil {
		return nil, err
	}

	e.observer.OnCompensationCompleted(ctx, inst, result)
	return inst, nil
}

func compensationErrorSummary(result api.CompensationResult) string {
	for _, outcome := range result.Steps {
		if outcome.Outcome == api.StepCompensationFailed {
			return fmt.Sprintf("step %s: %s", outcome.StepID, outcome.Err)
		}
	}
	return "compensation failed"
}

func (e *engineImpl) RecoverExpired(ctx context.Context) (int, error) {
	recoverable := []api.Status{
		api.StatusRunning,
		api.StatusFailed,
		api.StatusCompensating,
		api.StatusCancelling,
	}

	resumed := 0
	for _, status := range recoverable {
		instances, err := e.instances.ListInstances(persistence.InstanceFilter{Status: status})
		if err != nil {
			return resumed, err
		}
		for _, inst := range instances {
			_, err := e.Advance(ctx, inst.ID)
			switch {
			case err == nil:
				resumed++
			case errors.Is(err, api.ErrConcurrentExecution):
				// Still actively leased; not ours to recover.
			case errors.Is(err, api.ErrInvalidState):
				// Raced to terminal between list and advance.
			default:
				return resumed, err
			}
		}
	}
	return resumed, nil
}

// append writes ev as the next event, folds it into the projection, and
// persists the updated projection. On a sequence conflict the projection is
// rebuilt from the log and the append retried once.
func (e *engineImpl) append(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, ev api.Event) (*api.WorkflowInstance, error) {
	ev.ID = uuid.NewString()
	ev.InstanceID = inst.ID
	ev.At = time.Now()

	seq, err := e.events.Append(ctx, inst.ID, inst.LastSequence, ev)
	if errors.Is(err, api.ErrSequenceConflict) {
		inst, err = e.rebuild(ctx, def, inst)
		if err != nil {
			return nil, err
		}
		seq, err = e.events.Append(ctx, inst.ID, inst.LastSequence, ev)
	}
	if err != nil {
		return nil, err
	}
	ev.Sequence = seq

	Apply(inst, ev)
	if err := e.instances.UpdateInstance(inst); err != nil {
		return nil, err
	}
	e.observer.OnEventAppended(ctx, ev)
	return inst, nil
}

// rebuild folds the full stream into a fresh projection, preserving the
// store-side cancellation marker.
func (e *engineImpl) rebuild(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	events, err := e.events.Read(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	rebuilt := Rebuild(def, events)
	rebuilt.TenantID = inst.TenantID
	rebuilt.CancelRequested = rebuilt.CancelRequested || inst.CancelRequested
	return rebuilt, nil
}

// reconcile returns the stored projection unless the log is ahead of it, in
// which case the projection is rebuilt from the log.
func (e *engineImpl) reconcile(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	last, err := e.events.LastSequence(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if last == inst.LastSequence {
		return inst, nil
	}
	rebuilt, err := e.rebuild(ctx, def, inst)
	if err != nil {
		return nil, err
	}
	if err := e.instances.UpdateInstance(rebuilt); err != nil {
		return nil, err
	}
	return rebuilt, nil
}

func cloneContext(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
