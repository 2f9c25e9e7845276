// Package saga provides an embeddable saga orchestrator for Go services.
//
// A saga coordinates a multi-step business transaction across independent
// participant services. Each step has a forward action and, usually, a
// compensating action that semantically undoes it. When a step fails
// permanently, the engine unwinds the already succeeded steps by invoking
// their compensations in reverse order (or in parallel, per definition).
//
// # Core Concepts
//
//  1. Engine: owns the per-instance event log, derives instance state from
//     it, and drives participants. Every transition is appended to the log
//     before the in-memory state moves, so a crashed instance can always be
//     rebuilt and resumed from its stream.
//  2. Participant: a service adapter implementing a single Invoke method.
//     Participants receive a deterministic idempotency key with every call;
//     retries and crash recovery re-send the same key.
//  3. Definitions and templates: a WorkflowDefinition is an immutable,
//     versioned sequence of steps; a WorkflowTemplate is an instantiable
//     reference to one, carrying input defaults.
//  4. Worker: consumes start/advance/cancel tasks from a queue and executes
//     them against an engine. Workers scale horizontally; a per-instance
//     execution lease guarantees a single writer per instance.
//  5. LocalRunner and bundles: LocalRunner wires the in-memory engine, queue,
//     and worker for development; NewSQLiteBundle, NewPostgresBundle, and
//     NewRedisBundle produce durable combos sharing one backend.
//
// # Persistence
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend stores the event stream with optimistic sequence checks, the
// instance projection, the cancellation marker, and the execution lease.
// SQLite, Postgres, and Redis additionally provide a matching task queue.
//
// # Defining a saga
//
//	def := saga.NewDefinition("order-fulfillment", "v1").
//	    Step("reserve", "inventory", "reserve", saga.WithCompensation("release")).
//	    Step("charge", "payments", "charge",
//	        saga.WithCompensation("refund"),
//	        saga.WithRetry(saga.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second).Policy()),
//	    ).
//	    Step("ship", "shipping", "dispatch", saga.WithCompensation("recall"))
//
//	def.MustRegister(engine)
//	_ = engine.RegisterTemplate(def.Template("standard-order", nil))
//
// # Failure semantics
//
// Participant failures are classified: timeouts and unavailability are
// retried with exponential backoff (and trip a per-participant circuit
// breaker); an explicit rejection fails the step immediately. A permanently
// failed step puts the instance on the compensation path. If a compensating
// action itself fails permanently, the instance lands in the terminal
// COMPENSATION_FAILED state for operator remediation; it is never retried
// automatically.
//
// Cancellation is cooperative: Cancel sets a marker that the engine consults
// before starting the next step. The in-flight step always finishes, its
// effects are compensated, and the instance ends CANCELLED.
//
// On process startup, RecoverExpired scans for non-terminal instances whose
// execution lease has lapsed, rebuilds each from its event stream, and
// resumes it exactly where the log left off.
package saga
