package telemetry

import "errors"

// Sentinel errors for the telemetry side channels. Use errors.Is() to
// check for these in calling code.
var (
	// ErrDisabled indicates the relevant TelemetryConfig section has
	// Enabled=false; Connect returns this rather than attempting a dial.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrNotConnected is returned by InfluxExporter.HealthCheck when the
	// exporter is not connected. The publish/write methods return no error;
	// while not connected they drop their input.
	ErrNotConnected = errors.New("telemetry: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)
