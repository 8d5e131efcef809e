package device

import "fmt"

// RawConfig is the per-device configuration map as decoded from YAML
// (config.DeviceConfig.Config), kept untyped here to avoid an import cycle
// with the config package.
type RawConfig map[string]any

// NewFromConfig constructs a Device of the given type from its raw
// per-device config block. Returns ErrUnknownDeviceType for any type not in
// the known fleet.
func NewFromConfig(id, deviceType string, raw RawConfig) (Device, error) {
	switch deviceType {
	case "tempctl":
		return NewTempCtl(id, TempCtlConfig{
			InitialMode:        stringFromRaw(raw, "initial_mode", tempctlModeOpen),
			InitialSetpointC:   floatFromRaw(raw, "initial_setpoint_c", 20.0),
			InitialTemperature: floatFromRaw(raw, "initial_temperature_c", 20.0),
		}), nil

	case "motorctl":
		return NewMotorCtl(id), nil

	case "relayio":
		return NewRelayIO(id), nil

	case "analogsensor":
		return NewAnalogSensor(id, AnalogSensorConfig{
			InitialValue: floatFromRaw(raw, "initial_value", 0.0),
			DriftPerSec:  floatFromRaw(raw, "drift_per_sec", 0.0),
			NoiseStdDev:  floatFromRaw(raw, "noise_stddev", 0.0),
			Seed:         int64(floatFromRaw(raw, "seed", 0)),
		}), nil

	case "control":
		return NewControl(id), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, deviceType)
	}
}

func floatFromRaw(raw RawConfig, key string, def float64) float64 {
	v, ok := raw[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func stringFromRaw(raw RawConfig, key, def string) string {
	v, ok := raw[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
