// Package engine implements the three simulation-mode drivers described by
// the provider's simulation.mode config: an inert no-op, a local
// per-device simulation, and a locally-run physics core (signal graph,
// models, rules). A fourth driver, backed by an external RPC simulator,
// lives in internal/remote and implements the same Engine interface.
package engine

import "context"

// Command is one device function call an engine wants executed, surfaced
// either by a remote tick's command list or (for future extension) a local
// source. The provider runs these strictly before the next tick's actuator
// collection.
type Command struct {
	DeviceID     string
	FunctionName string
	Args         map[string]any
}

// Engine is the polymorphic simulation driver selected by simulation.mode.
// Start spawns any background scheduling the engine needs (a ticker, for
// every mode but inert); Stop tears it down and blocks until it has
// stopped.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
}
