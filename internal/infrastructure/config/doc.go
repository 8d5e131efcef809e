// Package config loads the provider's YAML configuration: the device
// list, the simulation mode, and (in physics/sim mode) the physics model —
// models, signal graph, and rules.
//
// Load enforces the mode x field matrix from the spec:
//
//	mode             tick_rate_hz   physics_config   physics_bindings
//	inert             forbidden      forbidden        forbidden
//	non_interacting    required       forbidden        forbidden
//	physics / sim      required       required         allowed
//
// A config that violates the matrix, or that contains duplicate model or
// rule ids, duplicate signal-graph edges, or an unsupported rule on_error
// policy, fails to load — there is no partial initialisation.
package config
