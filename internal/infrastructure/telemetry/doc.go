// Package telemetry provides two optional, export-only side channels for
// the simulated device provider: an MQTT bridge that publishes tick values
// and successful call requests, and an InfluxDB exporter that writes tick
// values as time-series points.
//
// Neither channel has a read path back into the provider. The framed
// stdio protocol (internal/protocol) remains the only way to control a
// device or observe its state authoritatively; telemetry is a side mirror
// for dashboards and historians, gated by TelemetryConfig, and always safe
// to leave disabled.
package telemetry
