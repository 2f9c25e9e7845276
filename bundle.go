package saga

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meridianpay/saga/internal/taskqueue"
	workerpkg "github.com/meridianpay/saga/pkg/worker"
)

// WorkerBundle wires together an Engine, a task queue, and a Worker that
// consumes tasks from that queue. All three share the same backend so a
// process restart loses nothing (except with the in-memory bundle).
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewMemoryBundle constructs a non-durable Engine + Queue + Worker combo for
// tests and local development.
func NewMemoryBundle(registry *Registry, opts ...workerpkg.Option) *WorkerBundle {
	eng := NewInMemoryEngine(registry)
	q := taskqueue.NewInMemoryQueue(1024)
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, opts...),
		queue:  q,
	}
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Instances, events, and queued tasks are persisted
// in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:saga.db?_journal=WAL")
//	bundle, err := saga.NewSQLiteBundle(db, registry)
//	// register definitions on bundle.Engine
//	// enqueue work via bundle.Worker
func NewSQLiteBundle(db *sql.DB, registry *Registry, opts ...workerpkg.Option) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, registry)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, opts...),
		queue:  q,
	}, nil
}

// NewPostgresBundle constructs a durable Engine + Queue + Worker combo
// sharing the same PostgreSQL database.
func NewPostgresBundle(db *sql.DB, registry *Registry, opts ...workerpkg.Option) (*WorkerBundle, error) {
	eng, err := NewPostgresEngine(db, registry)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, opts...),
		queue:  q,
	}, nil
}

// NewRedisBundle constructs an Engine + Queue + Worker combo sharing the same
// Redis client.
func NewRedisBundle(client *redis.Client, registry *Registry, opts ...workerpkg.Option) *WorkerBundle {
	eng := NewRedisEngine(client, registry)
	q := taskqueue.NewRedisQueue(client, "saga:")
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, opts...),
		queue:  q,
	}
}

// NewMongoBundle constructs a durable Engine + Queue + Worker combo sharing
// the same MongoDB database.
func NewMongoBundle(ctx context.Context, client *mongo.Client, dbName string, registry *Registry, opts ...workerpkg.Option) (*WorkerBundle, error) {
	eng, err := NewMongoEngine(ctx, client, dbName, registry)
	if err != nil {
		return nil, err
	}
	q := taskqueue.NewMongoQueue(client, dbName, "tasks")
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, opts...),
		queue:  q,
	}, nil
}

// QueueLen reports the approximate number of queued tasks. Exposed for
// operational introspection.
func (b *WorkerBundle) QueueLen() int {
	return b.queue.Len()
}
