// Package config loads and validates the simulated device provider's YAML
// configuration.
//
// Config is the root of the provider's own settings (devices, simulation
// mode, physics model); it is unrelated to the wire protocol's
// request/response schema, which this repository treats as an externally
// defined, opaque type per the spec's Non-goals.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode names a simulation mode. "physics" and "sim" are accepted as
// synonyms on parse and normalised to ModePhysics; the rest of the system
// only ever sees ModePhysics (spec.md §9: "Sim vs. Physics... treat them
// as the same mode").
type Mode string

const (
	ModeInert          Mode = "inert"
	ModeNonInteracting Mode = "non_interacting"
	ModePhysics        Mode = "physics"
)

// MinTickRateHz and MaxTickRateHz bound simulation.tick_rate_hz.
const (
	MinTickRateHz = 0.1
	MaxTickRateHz = 1000.0
)

// Config is the root configuration structure for the provider.
type Config struct {
	Devices    []DeviceConfig   `yaml:"devices"`
	Simulation SimulationConfig `yaml:"simulation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DeviceConfig describes one configured virtual device.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // tempctl, motorctl, relayio, analogsensor

	// Config holds type-specific parameters, validated at device init.
	Config map[string]any `yaml:"config"`

	// PhysicsBindings names signal paths this device exposes to the signal
	// graph. Only meaningful (and only permitted) in physics/sim mode.
	PhysicsBindings map[string]string `yaml:"physics_bindings,omitempty"`
}

// SimulationConfig selects the simulation mode and its parameters.
type SimulationConfig struct {
	Mode              Mode            `yaml:"mode"`
	TickRateHz        float64         `yaml:"tick_rate_hz,omitempty"`
	PhysicsConfig     *PhysicsConfig  `yaml:"physics_config,omitempty"`
	AmbientTempC      *float64        `yaml:"ambient_temp_c,omitempty"`
	AmbientSignalPath string          `yaml:"ambient_signal_path,omitempty"`
	Telemetry         TelemetryConfig `yaml:"telemetry,omitempty"`

	// RemoteServer is the "host:port" of an external simulator. When set,
	// the physics mode delegates ticking to RemoteEngine instead of
	// running the local signal graph. Populated from --sim-server, not
	// from YAML (kept here so the rest of the system has one place to
	// read it from).
	RemoteServer string `yaml:"-"`
}

// PhysicsConfig is the physics.* section: models, the signal graph, and
// rules.
type PhysicsConfig struct {
	Models      []ModelConfig `yaml:"models"`
	SignalGraph []EdgeConfig  `yaml:"signal_graph"`
	Rules       []RuleConfig  `yaml:"rules"`
}

// ModelConfig describes one physics model instance.
type ModelConfig struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// EdgeConfig describes one signal-graph edge.
type EdgeConfig struct {
	SourcePath string          `yaml:"source_path"`
	TargetPath string          `yaml:"target_path"`
	Transform  *TransformConfig `yaml:"transform,omitempty"`
}

// TransformConfig is a tagged transform description: Type selects the
// primitive (first_order_lag, noise, saturation, linear, deadband,
// rate_limiter, delay, moving_average); the remaining keys are inlined as
// that primitive's parameters and are interpreted by internal/physics.
type TransformConfig struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:",inline"`
}

// knownTransformTypes is the config-level sanity list; internal/physics
// owns the authoritative per-type parameter validation.
var knownTransformTypes = map[string]struct{}{
	"first_order_lag": {},
	"noise":           {},
	"saturation":      {},
	"linear":          {},
	"deadband":        {},
	"rate_limiter":    {},
	"delay":           {},
	"moving_average":  {},
}

// RuleConfig describes one threshold rule.
type RuleConfig struct {
	ID        string         `yaml:"id"`
	Condition string         `yaml:"condition"`
	Actions   []ActionConfig `yaml:"actions"`
	OnError   string         `yaml:"on_error"`
}

// ActionConfig describes one device function call triggered by a rule.
type ActionConfig struct {
	DeviceID     string         `yaml:"device_id"`
	FunctionName string         `yaml:"function_name"`
	Args         map[string]any `yaml:"args"`
}

// TelemetryConfig gates the optional MQTT / InfluxDB export side channels.
// These never affect protocol correctness; see SPEC_FULL.md's DOMAIN
// STACK section.
type TelemetryConfig struct {
	MQTT     MQTTTelemetryConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBTelemetryConfig `yaml:"influxdb"`
}

// MQTTTelemetryConfig configures the optional tick/command MQTT bridge.
type MQTTTelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID string `yaml:"client_id"`
}

// InfluxDBTelemetryConfig configures the optional tick exporter.
type InfluxDBTelemetryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	Org                string `yaml:"org"`
	Bucket             string `yaml:"bucket"`
	FlushIntervalMS    int    `yaml:"flush_interval_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Simulation.Mode = normalizeMode(cfg.Simulation.Mode)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// normalizeMode folds the "sim" spelling into ModePhysics.
func normalizeMode(m Mode) Mode {
	switch strings.ToLower(string(m)) {
	case "sim", "physics":
		return ModePhysics
	case "non_interacting":
		return ModeNonInteracting
	case "inert":
		return ModeInert
	default:
		return m
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIMPROVIDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIMPROVIDER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration against the mode x field matrix and
// the physics-config internal invariants.
func (c *Config) Validate() error {
	var errs []string

	switch c.Simulation.Mode {
	case ModeInert, ModeNonInteracting, ModePhysics:
	default:
		errs = append(errs, fmt.Sprintf("simulation.mode %q is not one of inert, non_interacting, physics", c.Simulation.Mode))
	}

	errs = append(errs, validateModeMatrix(c)...)
	errs = append(errs, validateDevices(c.Devices)...)

	if c.Simulation.PhysicsConfig != nil {
		errs = append(errs, validatePhysicsConfig(c.Simulation.PhysicsConfig, c.Devices, c.Simulation.AmbientSignalPath)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateModeMatrix(c *Config) []string {
	var errs []string
	sim := c.Simulation

	hasPhysicsBinding := false
	for _, d := range c.Devices {
		if len(d.PhysicsBindings) > 0 {
			hasPhysicsBinding = true
			break
		}
	}

	switch sim.Mode {
	case ModeNonInteracting:
		if sim.TickRateHz == 0 {
			errs = append(errs, "simulation.tick_rate_hz is required in non_interacting mode")
		}
		if sim.PhysicsConfig != nil {
			errs = append(errs, "simulation.physics_config is forbidden in non_interacting mode")
		}
		if hasPhysicsBinding {
			errs = append(errs, "physics_bindings are forbidden on any device in non_interacting mode")
		}
	case ModeInert:
		if sim.TickRateHz != 0 {
			errs = append(errs, "simulation.tick_rate_hz is forbidden in inert mode")
		}
		if sim.PhysicsConfig != nil {
			errs = append(errs, "simulation.physics_config is forbidden in inert mode")
		}
		if hasPhysicsBinding {
			errs = append(errs, "physics_bindings are forbidden on any device in inert mode")
		}
	case ModePhysics:
		if sim.TickRateHz == 0 {
			errs = append(errs, "simulation.tick_rate_hz is required in physics/sim mode")
		}
		if sim.PhysicsConfig == nil {
			errs = append(errs, "simulation.physics_config is required in physics/sim mode")
		}
	}

	if sim.TickRateHz != 0 && (sim.TickRateHz < MinTickRateHz || sim.TickRateHz > MaxTickRateHz) {
		errs = append(errs, fmt.Sprintf("simulation.tick_rate_hz must be in [%.1f, %.1f]", MinTickRateHz, MaxTickRateHz))
	}

	return errs
}

var knownDeviceTypes = map[string]struct{}{
	"tempctl":      {},
	"motorctl":     {},
	"relayio":      {},
	"analogsensor": {},
}

func validateDevices(devices []DeviceConfig) []string {
	var errs []string
	seen := make(map[string]struct{}, len(devices))

	for _, d := range devices {
		if d.ID == "" {
			errs = append(errs, "device with empty id")
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate device id %q", d.ID))
		}
		seen[d.ID] = struct{}{}

		if _, ok := knownDeviceTypes[d.Type]; !ok {
			errs = append(errs, fmt.Sprintf("device %q: unknown type %q", d.ID, d.Type))
		}
	}
	return errs
}

// validatePhysicsConfig checks pc's internal invariants (duplicate ids,
// known transform types) plus, for every signal-graph edge endpoint, that
// the referenced object resolves to a registered device, a declared model,
// or the configured ambient signal path.
func validatePhysicsConfig(pc *PhysicsConfig, devices []DeviceConfig, ambientSignalPath string) []string {
	var errs []string

	deviceIDs := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		deviceIDs[d.ID] = struct{}{}
	}

	modelIDs := make(map[string]struct{}, len(pc.Models))
	for _, m := range pc.Models {
		if _, dup := modelIDs[m.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate model id %q", m.ID))
		}
		modelIDs[m.ID] = struct{}{}
	}

	edgeEndpointKnown := func(path string) bool {
		if path == ambientSignalPath {
			return true
		}
		objectID, _, ok := strings.Cut(path, "/")
		if !ok {
			return false
		}
		if _, ok := deviceIDs[objectID]; ok {
			return true
		}
		_, ok = modelIDs[objectID]
		return ok
	}

	edgeKeys := make(map[string]struct{}, len(pc.SignalGraph))
	for _, e := range pc.SignalGraph {
		key := e.SourcePath + "->" + e.TargetPath
		if _, dup := edgeKeys[key]; dup {
			errs = append(errs, fmt.Sprintf("duplicate signal graph edge %q -> %q", e.SourcePath, e.TargetPath))
		}
		edgeKeys[key] = struct{}{}

		if !edgeEndpointKnown(e.SourcePath) {
			errs = append(errs, fmt.Sprintf("edge source_path %q: no registered device or model named %q", e.SourcePath, strings.SplitN(e.SourcePath, "/", 2)[0]))
		}
		if !edgeEndpointKnown(e.TargetPath) {
			errs = append(errs, fmt.Sprintf("edge target_path %q: no registered device or model named %q", e.TargetPath, strings.SplitN(e.TargetPath, "/", 2)[0]))
		}

		if e.Transform != nil {
			if _, ok := knownTransformTypes[e.Transform.Type]; !ok {
				errs = append(errs, fmt.Sprintf("edge %q -> %q: unknown transform type %q", e.SourcePath, e.TargetPath, e.Transform.Type))
			}
		}
	}

	ruleIDs := make(map[string]struct{}, len(pc.Rules))
	for _, r := range pc.Rules {
		if _, dup := ruleIDs[r.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		ruleIDs[r.ID] = struct{}{}

		if r.OnError != "" && r.OnError != "log_and_continue" {
			errs = append(errs, fmt.Sprintf("rule %q: on_error must be \"log_and_continue\"", r.ID))
		}
	}

	return errs
}
