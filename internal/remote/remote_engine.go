package remote

import (
	"context"
	"sync"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/physics"
	"github.com/FEASTorg/anolis-provider-sim/internal/signalregistry"
)

// minUpdateSignalsTimeout is used when 20/tick_rate would be unreasonably
// short for a sluggish or heavily loaded simulator.
const minUpdateSignalsTimeout = 2 * time.Second

// RemoteEngine backs simulation.mode=physics when a --sim-server is
// configured: it delegates each tick's computation to an external
// simulator over the Adapter, instead of running internal/physics's local
// signal-graph core.
type RemoteEngine struct {
	adapter     *Adapter
	devices     *device.Registry
	registry    *signalregistry.Registry
	ticker      *physics.Ticker
	tickTimeout time.Duration
	log         *logging.Logger

	// onTick, if set, is notified with every sensor value the remote
	// simulator returned this tick, mirroring PhysicsEngine's hook so an
	// optional telemetry exporter can treat both drivers identically.
	onTick func(values map[string]float64)

	statsMu     sync.Mutex
	tickCount   uint64
	lastSuccess bool
	lastError   string
}

// SetTickObserver registers fn to receive the sensor values returned by
// every subsequent successful tick. Passing nil disables the hook.
func (e *RemoteEngine) SetTickObserver(fn func(values map[string]float64)) {
	e.onTick = fn
}

// NewRemoteEngine dials addr, loads and registers the provider's config and
// device set, and returns a RemoteEngine ready to Start.
func NewRemoteEngine(ctx context.Context, addr, configYAML, providerID string, devices *device.Registry, registry *signalregistry.Registry, tickRateHz float64, log *logging.Logger) (*RemoteEngine, error) {
	adapter, err := Dial(addr, log)
	if err != nil {
		return nil, err
	}
	if err := adapter.LoadConfig(ctx, configYAML); err != nil {
		return nil, err
	}
	if err := adapter.RegisterProvider(ctx, providerID, devices.IDs()); err != nil {
		return nil, err
	}

	timeout := time.Duration(20/tickRateHz*float64(time.Second))
	if timeout < minUpdateSignalsTimeout {
		timeout = minUpdateSignalsTimeout
	}

	e := &RemoteEngine{
		adapter:     adapter,
		devices:     devices,
		registry:    registry,
		tickTimeout: timeout,
		log:         log,
	}
	e.ticker = physics.NewTicker(tickRateHz, e.tick, func(missed int) {
		log.Warn("remote engine tick fell behind schedule", "missed_periods", missed)
	})
	return e, nil
}

func (e *RemoteEngine) Start(_ context.Context) error {
	go e.ticker.Run()
	return nil
}

func (e *RemoteEngine) Stop() {
	e.ticker.Stop()
	_ = e.adapter.Close(context.Background())
}

// Stats returns the tick count and whether the most recent tick succeeded.
func (e *RemoteEngine) Stats() (tickCount uint64, lastSuccess bool, lastError string) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.tickCount, e.lastSuccess, e.lastError
}

func (e *RemoteEngine) tick() bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.tickTimeout)
	defer cancel()

	for _, pa := range e.devices.PhysicsAware() {
		func() {
			defer e.recoverTick("device control update")
			pa.ControlUpdate(e.registry.Read)
		}()
	}

	actuators := e.collectActuators()

	sensors, commands, _, err := e.adapter.UpdateSignals(ctx, actuators, e.tickTimeout)
	e.statsMu.Lock()
	e.tickCount++
	e.statsMu.Unlock()

	if err != nil {
		// RPC failures never kill the process: surface as a failed tick,
		// the clock still advances per spec.
		e.log.Error("remote tick failed", "error", err)
		e.recordResult(false, err.Error())
		return false
	}

	for path, v := range sensors {
		e.registry.Write(path, v)
	}

	if e.onTick != nil && len(sensors) > 0 {
		e.onTick(sensors)
	}

	// Commands must run before the next tick's actuator collection.
	for _, cmd := range commands {
		e.runCommand(ctx, cmd)
	}

	e.recordResult(true, "")
	return true
}

func (e *RemoteEngine) recordResult(success bool, errMsg string) {
	e.statsMu.Lock()
	e.lastSuccess = success
	e.lastError = errMsg
	e.statsMu.Unlock()
}

// recoverTick catches a panic from a device's control update, logs it, and
// lets the tick continue: a misbehaving device must never stall the
// exchange with the remote simulator.
func (e *RemoteEngine) recoverTick(stage string) {
	if r := recover(); r != nil {
		e.log.Error("remote tick error, continuing", "stage", stage, "error", r)
	}
}

func (e *RemoteEngine) collectActuators() map[string]float64 {
	actuators := make(map[string]float64)
	for _, pa := range e.devices.PhysicsAware() {
		for _, signalID := range pa.ActuatorSignalIDs() {
			path := pa.ID() + "/" + signalID
			if e.registry.IsPhysicsDriven(path) {
				continue // physics already owns this path
			}
			if v, ok := e.registry.Read(path); ok {
				actuators[path] = v
			}
		}
	}
	return actuators
}

func (e *RemoteEngine) runCommand(ctx context.Context, cmd Command) {
	dev, ok := e.devices.Get(cmd.Device)
	if !ok {
		e.log.Warn("remote command targets unknown device", "device", cmd.Device)
		return
	}
	fnID, ok := dev.FunctionID(cmd.Function)
	if !ok {
		e.log.Warn("remote command targets unknown function", "device", cmd.Device, "function", cmd.Function)
		return
	}
	args := cmd.ToDeviceValues(physics.CoerceValue)
	if err := dev.CallFunction(ctx, fnID, args); err != nil {
		e.log.Warn("remote command failed", "device", cmd.Device, "function", cmd.Function, "error", err)
	}
}
