package engine

import "context"

// NullEngine backs simulation.mode=inert: no ticker is ever spawned, and
// every signal holds whatever value its owning device last reported from
// direct function calls.
type NullEngine struct{}

// NewNullEngine constructs the inert engine.
func NewNullEngine() *NullEngine { return &NullEngine{} }

// Start is a no-op: inert mode never runs a ticker.
func (e *NullEngine) Start(_ context.Context) error { return nil }

// Stop is a no-op.
func (e *NullEngine) Stop() {}
