// Package api contains the public types of the saga engine: definitions,
// templates, instances, events, retry policies, compensation results, the
// Engine interface, and the Observer hooks.
//
// Most applications import the root saga package, which re-exports
// everything here; api exists so that lower-level integrations (custom
// stores, custom observers) do not need the engine constructors.
package api
