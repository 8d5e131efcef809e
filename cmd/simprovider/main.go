// Command simprovider is a simulated device provider: a long-running
// process that speaks a framed stdio request/response protocol (see
// internal/protocol) and drives a fleet of virtual devices (temperature
// controllers, motor controllers, relay/IO modules, analog sensors, and a
// fault-injection control device) through one of three simulation modes.
//
// Usage:
//
//	simprovider --config <path> [--sim-server <host:port>] [--crash-after <seconds>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/FEASTorg/anolis-provider-sim/internal/chaos"
	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/engine"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/telemetry"
	"github.com/FEASTorg/anolis-provider-sim/internal/protocol"
	"github.com/FEASTorg/anolis-provider-sim/internal/remote"
	"github.com/FEASTorg/anolis-provider-sim/internal/signalregistry"
)

// Version information, set at build time via ldflags, e.g.:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

const (
	providerName       = "anolis-provider-sim"
	defaultAmbientTemp = 20.0

	// controlDeviceID is the fixed id of the fault-injection control
	// device. It is never configured in YAML: every provider instance
	// carries exactly one, alongside whatever fleet cfg.Devices describes.
	controlDeviceID = "control0"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a Serve-level sentinel error to spec §6's exit code
// table. Any error that isn't one of the protocol package's sentinels is
// treated as a startup/config failure (exit 1). The chaos-timer exit code
// (42) never flows through here: CrashTimer calls os.Exit directly.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrFrameRead):
		return 2
	case errors.Is(err, protocol.ErrParseRequest):
		return 3
	case errors.Is(err, protocol.ErrSerializeResponse):
		return 4
	case errors.Is(err, protocol.ErrFrameWrite):
		return 5
	default:
		return 1
	}
}

func run(ctx context.Context) error {
	log := logging.Default()

	configPath, simServer, crashAfter := parseFlags()
	if configPath == "" {
		return errors.New("--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if simServer != "" {
		cfg.Simulation.RemoteServer = simServer
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting simulated device provider", "version", version, "commit", commit, "mode", cfg.Simulation.Mode)

	devices, err := buildDevices(cfg.Devices)
	if err != nil {
		return fmt.Errorf("building device registry: %w", err)
	}
	log.Info("device registry built", "devices", len(devices.List()))

	// A fresh instance id per process run, so a restarted provider never
	// collides with a session the external simulator still holds open
	// under its previous run's id.
	instanceID := providerName + "-" + uuid.NewString()

	eng, registry, healthFn, err := buildEngine(ctx, cfg, devices, instanceID, log)
	if err != nil {
		return fmt.Errorf("building simulation engine: %w", err)
	}

	mqttPub, influxExp, err := connectTelemetry(cfg.Simulation.Telemetry, log)
	if err != nil {
		return fmt.Errorf("connecting telemetry: %w", err)
	}
	if mqttPub != nil {
		defer mqttPub.Close()
	}
	if influxExp != nil {
		defer influxExp.Close()
	}
	wireTelemetryObservers(eng, mqttPub, influxExp)

	dispatcher := protocol.NewDispatcher(providerName, version, devices, registry, eng, cfg.Simulation.Mode, healthFn, log)
	if mqttPub != nil {
		dispatcher.SetCallObserver(mqttPub.PublishCommand)
	}

	if crashAfter > 0 {
		ct := chaos.NewCrashTimer(time.Duration(crashAfter*float64(time.Second)), log)
		ct.Start()
		defer ct.Stop()
	}

	log.Info("ready, serving framed stdio protocol")
	if err := dispatcher.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return err
	}

	log.Info("clean shutdown")
	return nil
}

func parseFlags() (configPath, simServer string, crashAfterSeconds float64) {
	fs := flag.NewFlagSet("simprovider", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "path to the provider's YAML configuration")
	fs.StringVar(&simServer, "sim-server", "", "host:port of an external simulator (physics mode only)")
	fs.Float64Var(&crashAfterSeconds, "crash-after", 0, "exit(42) after this many seconds, for exercising client reconnect handling")
	_ = fs.Parse(os.Args[1:])
	return configPath, simServer, crashAfterSeconds
}

// buildDevices constructs the configured device fleet plus the
// fault-injection control device, which is never part of cfg.Devices (its
// type is excluded from config.knownDeviceTypes) but is always present in
// list_devices and always the target of inject_*/clear_faults calls.
func buildDevices(cfgs []config.DeviceConfig) (*device.Registry, error) {
	devices := make([]device.Device, 0, len(cfgs)+1)
	for _, dc := range cfgs {
		d, err := device.NewFromConfig(dc.ID, dc.Type, device.RawConfig(dc.Config))
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.ID, err)
		}
		devices = append(devices, d)
	}
	devices = append(devices, device.NewControl(controlDeviceID))
	return device.NewRegistry(devices)
}

// buildEngine selects and constructs the simulation.mode-appropriate
// Engine, the signal registry it shares with the dispatcher (nil outside
// physics/sim mode), and a protocol.HealthFunc closure shaped to that
// engine's own Stats method so the dispatcher never needs to type-switch
// on concrete engine types.
func buildEngine(ctx context.Context, cfg *config.Config, devices *device.Registry, instanceID string, log *logging.Logger) (engine.Engine, *signalregistry.Registry, protocol.HealthFunc, error) {
	sim := cfg.Simulation

	switch sim.Mode {
	case config.ModeInert:
		return engine.NewNullEngine(), nil, constantHealth("OK"), nil

	case config.ModeNonInteracting:
		e := engine.NewLocalEngine(devices, sim.TickRateHz, log)
		return e, nil, constantHealth("OK"), nil

	case config.ModePhysics:
		registry := signalregistry.New()
		registry.SetDeviceReader(devices.ReadPathFloat64)

		if sim.RemoteServer != "" {
			configYAML, err := yaml.Marshal(sim.PhysicsConfig)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("marshalling physics config for remote simulator: %w", err)
			}
			e, err := remote.NewRemoteEngine(ctx, sim.RemoteServer, string(configYAML), instanceID, devices, registry, sim.TickRateHz, log)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("connecting to remote simulator: %w", err)
			}
			health := func() (uint64, string) {
				tickCount, lastSuccess, lastError := e.Stats()
				if !lastSuccess && lastError != "" {
					return tickCount, lastError
				}
				return tickCount, "OK"
			}
			return e, registry, health, nil
		}

		ambientTemp := defaultAmbientTemp
		if sim.AmbientTempC != nil {
			ambientTemp = *sim.AmbientTempC
		}
		e, err := engine.NewPhysicsEngine(sim.PhysicsConfig, sim.AmbientSignalPath, ambientTemp, devices, registry, sim.TickRateHz, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building physics core: %w", err)
		}
		health := func() (uint64, string) {
			tickCount, lastError := e.Stats()
			if lastError != "" {
				return tickCount, lastError
			}
			return tickCount, "OK"
		}
		return e, registry, health, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown simulation mode %q", sim.Mode)
	}
}

func constantHealth(status string) protocol.HealthFunc {
	return func() (uint64, string) { return 0, status }
}

// connectTelemetry dials the optional MQTT/InfluxDB side channels. Either
// or both may be nil if disabled; a dial failure on an enabled channel is a
// fatal startup error, matching how the teacher stack treats its own
// optional infrastructure connections.
func connectTelemetry(cfg config.TelemetryConfig, log *logging.Logger) (*telemetry.MQTTPublisher, *telemetry.InfluxExporter, error) {
	var mqttPub *telemetry.MQTTPublisher
	if cfg.MQTT.Enabled {
		p, err := telemetry.ConnectMQTT(cfg.MQTT, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt telemetry: %w", err)
		}
		mqttPub = p
		log.Info("mqtt telemetry connected", "broker", cfg.MQTT.Broker)
	}

	var influxExp *telemetry.InfluxExporter
	if cfg.InfluxDB.Enabled {
		e, err := telemetry.ConnectInflux(cfg.InfluxDB)
		if err != nil {
			return nil, nil, fmt.Errorf("influxdb telemetry: %w", err)
		}
		influxExp = e
		log.Info("influxdb telemetry connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	return mqttPub, influxExp, nil
}

// tickObserver is implemented by both PhysicsEngine and RemoteEngine.
type tickObserver interface {
	SetTickObserver(fn func(values map[string]float64))
}

// wireTelemetryObservers attaches the tick-value fan-out to eng if it
// exposes SetTickObserver (physics and remote engines do; inert and local
// engines don't produce signal-graph values, so there is nothing to
// mirror) and at least one telemetry side channel is connected.
func wireTelemetryObservers(eng engine.Engine, mqttPub *telemetry.MQTTPublisher, influxExp *telemetry.InfluxExporter) {
	if mqttPub == nil && influxExp == nil {
		return
	}
	obs, ok := eng.(tickObserver)
	if !ok {
		return
	}
	obs.SetTickObserver(func(values map[string]float64) {
		now := time.Now()
		for path, v := range values {
			if mqttPub != nil {
				mqttPub.PublishTick(path, v)
			}
			if influxExp != nil {
				influxExp.WriteSignal(path, v, now)
			}
		}
	})
}
