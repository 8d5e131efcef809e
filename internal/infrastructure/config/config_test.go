package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_InertMode(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: tc1
    type: tempctl
    config: {}
simulation:
  mode: inert
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Simulation.Mode != ModeInert {
		t.Errorf("Mode = %q, want %q", cfg.Simulation.Mode, ModeInert)
	}
}

func TestLoad_InertMode_RejectsTickRate(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: inert
  tick_rate_hz: 10
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for tick_rate_hz in inert mode, got nil")
	}
}

func TestLoad_NonInteractingMode_RequiresTickRate(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: non_interacting
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for missing tick_rate_hz, got nil")
	}
}

func TestLoad_NonInteractingMode_RejectsPhysicsConfig(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: non_interacting
  tick_rate_hz: 10
  physics_config:
    models: []
    signal_graph: []
    rules: []
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for physics_config in non_interacting mode, got nil")
	}
}

func TestLoad_PhysicsMode_NormalizesSimSpelling(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: sim
  tick_rate_hz: 10
  physics_config:
    models:
      - id: m1
        type: thermal_mass
        params: {}
    signal_graph: []
    rules: []
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Simulation.Mode != ModePhysics {
		t.Errorf("Mode = %q, want %q", cfg.Simulation.Mode, ModePhysics)
	}
}

func TestLoad_PhysicsMode_RequiresPhysicsConfig(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: physics
  tick_rate_hz: 10
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for missing physics_config, got nil")
	}
}

func TestLoad_TickRateOutOfRange(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: non_interacting
  tick_rate_hz: 5000
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for tick_rate_hz out of range, got nil")
	}
}

func TestLoad_DuplicateDeviceID(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: tc1
    type: tempctl
  - id: tc1
    type: motorctl
simulation:
  mode: inert
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for duplicate device id, got nil")
	}
}

func TestLoad_UnknownDeviceType(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: tc1
    type: not_a_real_type
simulation:
  mode: inert
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unknown device type, got nil")
	}
}

func TestLoad_DuplicateModelID(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: physics
  tick_rate_hz: 10
  physics_config:
    models:
      - id: m1
        type: thermal_mass
        params: {}
      - id: m1
        type: thermal_mass
        params: {}
    signal_graph: []
    rules: []
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for duplicate model id, got nil")
	}
}

func TestLoad_DuplicateEdge(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: a
    type: motorctl
  - id: b
    type: motorctl
simulation:
  mode: physics
  tick_rate_hz: 10
  physics_config:
    models: []
    signal_graph:
      - source_path: a/x
        target_path: b/y
      - source_path: a/x
        target_path: b/y
    rules: []
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for duplicate edge, got nil")
	}
}

func TestLoad_UnknownTransformType(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: a
    type: motorctl
  - id: b
    type: motorctl
simulation:
  mode: physics
  tick_rate_hz: 10
  physics_config:
    models: []
    signal_graph:
      - source_path: a/x
        target_path: b/y
        transform:
          type: not_a_real_transform
    rules: []
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unknown transform type, got nil")
	}
}

func TestLoad_RuleOnErrorMustBeLogAndContinue(t *testing.T) {
	path := writeConfig(t, `
simulation:
  mode: physics
  tick_rate_hz: 10
  physics_config:
    models: []
    signal_graph: []
    rules:
      - id: r1
        condition: "a/x > 1"
        on_error: abort
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid on_error policy, got nil")
	}
}

func TestLoad_EdgeEndpointUnknownObject(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: heater0
    type: motorctl
simulation:
  mode: physics
  tick_rate_hz: 10
  physics_config:
    models:
      - id: therm
        type: thermal_mass
        params: {}
    signal_graph:
      - source_path: nope0/motor1_duty
        target_path: therm/heating_power
    rules: []
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for edge endpoint referencing an unregistered device, got nil")
	}
}

func TestLoad_EdgeEndpoints_DeviceAndModelAndAmbientPathAccepted(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: heater0
    type: motorctl
simulation:
  mode: physics
  tick_rate_hz: 10
  ambient_signal_path: environment/ambient_temp
  physics_config:
    models:
      - id: therm
        type: thermal_mass
        params: {}
    signal_graph:
      - source_path: environment/ambient_temp
        target_path: therm/ambient_temp
      - source_path: heater0/motor1_duty
        target_path: therm/heating_power
    rules: []
`)

	if _, err := Load(path); err != nil {
		t.Errorf("Load() error = %v, want nil for edges resolving to a device, a model, and the ambient signal path", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}
