package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
)

const (
	defaultInfluxConnectTimeout = 10 * time.Second
	defaultInfluxPingTimeout    = 5 * time.Second
	defaultFlushIntervalMS      = 1000

	signalMeasurement = "signal"
)

// InfluxExporter batches physics tick values into InfluxDB line-protocol
// points and writes them through the client's own non-blocking batching
// writer, tagged by signal path so a dashboard can group by device or
// model without a schema migration.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
}

// ConnectInflux dials the configured server and verifies it with a ping.
// Returns ErrDisabled without dialing if cfg.Enabled is false.
func ConnectInflux(cfg config.InfluxDBTelemetryConfig) (*InfluxExporter, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	flushMS := cfg.FlushIntervalMS
	if flushMS <= 0 {
		flushMS = defaultFlushIntervalMS
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		// #nosec G115 -- flushMS validated non-negative above
		influxdb2.DefaultOptions().SetFlushInterval(uint(flushMS)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultInfluxConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	e := &InfluxExporter{client: client, writeAPI: writeAPI, connected: true}

	go e.drainErrors(writeAPI.Errors())

	return e, nil
}

func (e *InfluxExporter) drainErrors(errorsCh <-chan error) {
	for range errorsCh {
		// Async write errors from the batching writer have no tick-level
		// recipient to report to; the physics core must not be slowed or
		// interrupted by a telemetry backend outage.
	}
}

// WriteSignal records one signal path's value at ts. Non-blocking: the
// point is handed to the client's internal batch buffer and flushed on
// its own timer.
func (e *InfluxExporter) WriteSignal(path string, value float64, ts time.Time) {
	if !e.IsConnected() {
		return
	}
	point := write.NewPoint(
		signalMeasurement,
		map[string]string{"path": path},
		map[string]interface{}{"value": value},
		ts,
	)
	e.writeAPI.WritePoint(point)
}

// IsConnected returns the current connection state.
func (e *InfluxExporter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// HealthCheck pings the server, for get_health-style reporting.
func (e *InfluxExporter) HealthCheck(ctx context.Context) error {
	if !e.IsConnected() {
		return ErrNotConnected
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultInfluxPingTimeout)
	defer cancel()
	healthy, err := e.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb telemetry health check failed: server not healthy")
	}
	return nil
}

// Close flushes pending points and closes the underlying client.
func (e *InfluxExporter) Close() error {
	if e.client == nil {
		return nil
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	e.writeAPI.Flush()
	e.client.Close()
	return nil
}
