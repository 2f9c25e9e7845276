// Package worker provides the background worker that drives saga instances
// forward asynchronously.
//
// Workers consume start, advance, and cancel tasks from a task queue and
// execute them against an engine. They are designed to be embedded in
// existing services and scaled horizontally: any number of workers can share
// one queue, and the engine's per-instance execution lease guarantees that
// only one of them advances a given instance at a time. A worker that loses
// the lease race re-enqueues the task with exponential backoff instead of
// failing it.
//
// Most applications construct workers through the bundle helpers in the saga
// package, which wire an engine and a matching queue backend (in-memory,
// SQLite, Redis) together. The worker itself is backend-agnostic; it only
// sees the Queue and Engine interfaces.
package worker
