package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/engine"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/physics"
	"github.com/FEASTorg/anolis-provider-sim/internal/signalregistry"
	"github.com/FEASTorg/anolis-provider-sim/internal/transport/frame"
)

// Serve's frame-level failures, distinguished so the CLI entrypoint can map
// them to the exit codes in spec.md §6.
var (
	ErrFrameRead         = errors.New("protocol: read frame")
	ErrParseRequest      = errors.New("protocol: parse request")
	ErrSerializeResponse = errors.New("protocol: serialize response")
	ErrFrameWrite        = errors.New("protocol: write frame")
)

// lifecycle is the dispatcher's own view of spec.md §4.2's state machine.
// BOOTED isn't modeled here: a Dispatcher is only constructed once config
// has loaded and an engine has been chosen.
type lifecycle int

const (
	stateInitialized lifecycle = iota
	stateReady
	stateStopped
)

// HealthFunc reports the current engine's tick-level health for
// get_health: the number of ticks run so far and a status string ("OK" or
// a description of the most recent failure). Engines without a
// ticker (NullEngine) may be given a HealthFunc that always reports OK.
type HealthFunc func() (tickCount uint64, status string)

// Dispatcher implements the single-threaded framed request loop described
// in spec.md §4.2: one frame in, route by Kind, exactly one frame out.
type Dispatcher struct {
	providerName    string
	providerVersion string

	devices  *device.Registry
	registry *signalregistry.Registry // nil outside physics/sim mode
	faults   device.FaultQuery        // nil if no control device is configured
	eng      engine.Engine
	mode     config.Mode
	health   HealthFunc
	log      *logging.Logger

	randFloat64 func() float64 // overridable for deterministic failure-injection tests

	// onCall, if set, is notified of every successful call request. It
	// exists so an optional telemetry side channel can mirror call
	// activity without the protocol package importing one; it must never
	// block or be allowed to affect the response returned to the caller.
	onCall func(deviceID string, functionID int)

	mu           sync.Mutex
	state        lifecycle
	tickerUp     bool
	frozenValues map[string]SignalValue
}

// SetCallObserver registers fn to be called, best-effort and
// non-blockingly, after every successful call request. Passing nil
// disables the hook. Intended for wiring an optional telemetry publisher
// in cmd/simprovider without coupling this package to it.
func (d *Dispatcher) SetCallObserver(fn func(deviceID string, functionID int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCall = fn
}

// NewDispatcher constructs a Dispatcher in state INITIALIZED. In
// non_interacting mode the ticker is auto-started immediately, per the
// lifecycle diagram; in physics/sim mode it is deferred to the first
// wait_ready; in inert mode no ticker ever runs.
func NewDispatcher(providerName, providerVersion string, devices *device.Registry, registry *signalregistry.Registry, eng engine.Engine, mode config.Mode, health HealthFunc, log *logging.Logger) *Dispatcher {
	var faults device.FaultQuery
	for _, d := range devices.List() {
		if fq, ok := d.(device.FaultQuery); ok {
			faults = fq
			break
		}
	}

	d := &Dispatcher{
		providerName:    providerName,
		providerVersion: providerVersion,
		devices:         devices,
		registry:        registry,
		faults:          faults,
		eng:             eng,
		mode:            mode,
		health:          health,
		log:             log,
		randFloat64:     rand.Float64,
		frozenValues:    make(map[string]SignalValue),
	}

	if mode == config.ModeNonInteracting {
		if err := eng.Start(context.Background()); err != nil {
			log.Error("auto-start of non_interacting ticker failed", "error", err)
		} else {
			d.tickerUp = true
		}
	}
	return d
}

// Serve runs the request loop against r/w until a clean EOF (normal
// shutdown, returns nil) or a protocol-level failure (returned as one of
// the sentinel errors above, wrapped with detail).
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	for {
		payload, err := frame.ReadFrame(r)
		if err != nil {
			if errors.Is(err, frame.ErrCleanEOF) {
				d.shutdown()
				return nil
			}
			return fmt.Errorf("%w: %v", ErrFrameRead, err)
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrParseRequest, err)
		}

		resp := d.handle(ctx, req)

		respBytes, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerializeResponse, err)
		}
		if err := frame.WriteFrame(w, respBytes); err != nil {
			return fmt.Errorf("%w: %v", ErrFrameWrite, err)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateStopped {
		return
	}
	if d.tickerUp {
		d.eng.Stop()
	}
	if d.registry != nil {
		d.registry.ClearOverrides()
	}
	d.state = stateStopped
}

func (d *Dispatcher) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Kind: req.Kind}

	switch req.Kind {
	case KindHello:
		d.handleHello(req, &resp)
	case KindWaitReady:
		d.handleWaitReady(ctx, &resp)
	case KindListDevices:
		d.handleListDevices(&resp)
	case KindDescribeDevice:
		d.handleDescribeDevice(req, &resp)
	case KindReadSignals:
		d.handleReadSignals(req, &resp)
	case KindCall:
		d.handleCall(ctx, req, &resp)
	case KindGetHealth:
		d.handleGetHealth(&resp)
	default:
		resp.Status = errStatus(StatusUnimplemented, fmt.Sprintf("unknown request kind %q", req.Kind))
	}
	return resp
}

func (d *Dispatcher) handleHello(req Request, resp *Response) {
	if req.ProtocolVersion != "" && req.ProtocolVersion != ProtocolVersion {
		resp.Status = errStatus(StatusInvalidArgument, fmt.Sprintf("unsupported protocol_version %q", req.ProtocolVersion))
		return
	}
	resp.ProviderName = d.providerName
	resp.ProviderVersion = d.providerVersion
	resp.Metadata = map[string]string{
		"transport":           "stdio+uint32_le",
		"max_frame_bytes":     strconv.Itoa(frame.MaxPayloadBytes),
		"supports_wait_ready": HelloMetadata["supports_wait_ready"],
	}
	resp.Status = ok()
}

func (d *Dispatcher) handleWaitReady(ctx context.Context, resp *Response) {
	d.mu.Lock()
	if d.state != stateStopped && !d.tickerUp && d.mode != config.ModeInert {
		if err := d.eng.Start(ctx); err != nil {
			d.mu.Unlock()
			resp.Status = errStatus(StatusInternal, fmt.Sprintf("failed to start physics: %v", err))
			return
		}
		d.tickerUp = true
	}
	if d.state == stateInitialized {
		d.state = stateReady
	}
	mode := d.mode
	d.mu.Unlock()

	resp.Diagnostics = map[string]string{"mode": string(mode)}
	resp.Status = ok()
}

func (d *Dispatcher) handleListDevices(resp *Response) {
	var infos []DeviceInfo
	for _, dev := range d.devices.List() {
		if d.faults != nil && d.faults.Unavailable(dev.ID()) {
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:           dev.ID(),
			Type:         dev.Type(),
			Capabilities: capabilityStrings(dev.Capabilities()),
		})
	}
	resp.Devices = infos
	resp.Status = ok()
}

func (d *Dispatcher) handleDescribeDevice(req Request, resp *Response) {
	dev, found := d.devices.Get(req.DeviceID)
	if !found {
		resp.Status = errStatus(StatusNotFound, fmt.Sprintf("unknown device %q", req.DeviceID))
		return
	}
	caps := capabilityStrings(dev.Capabilities())
	if d.faults != nil && d.faults.Unavailable(dev.ID()) {
		caps = []string{}
	}
	resp.Device = &DeviceInfo{ID: dev.ID(), Type: dev.Type(), Capabilities: caps}
	resp.Status = ok()
}

func (d *Dispatcher) handleReadSignals(req Request, resp *Response) {
	dev, found := d.devices.Get(req.DeviceID)
	if !found {
		resp.Status = errStatus(StatusNotFound, fmt.Sprintf("unknown device %q", req.DeviceID))
		return
	}

	signalIDs := req.SignalIDs
	if len(signalIDs) == 0 {
		signalIDs = knownSignalIDs[dev.Type()]
	}

	var out []SignalValue
	for _, sigID := range signalIDs {
		sv, found := d.readOneSignal(dev, sigID)
		if !found {
			continue
		}
		out = append(out, sv)
	}

	if len(req.SignalIDs) > 0 && len(out) == 0 {
		resp.Status = errStatus(StatusNotFound, "no requested signals were found")
		return
	}
	resp.Signals = out
	resp.Status = ok()
}

// readOneSignal resolves one "<device_id>/<signal_id>" reading, preferring
// the signal registry's physics-driven cache (when present) over device
// state, per spec.md §4.3. A signal under an active inject_signal_fault is
// reported at FAULT quality with its value frozen at the reading observed
// when the fault first took effect.
func (d *Dispatcher) readOneSignal(dev device.Device, signalID string) (SignalValue, bool) {
	path := dev.ID() + "/" + signalID

	faulted := d.faults != nil && d.faults.SignalFaulted(dev.ID(), signalID)

	d.mu.Lock()
	if faulted {
		if frozen, ok := d.frozenValues[path]; ok {
			d.mu.Unlock()
			return frozen, true
		}
	} else {
		delete(d.frozenValues, path)
	}
	d.mu.Unlock()

	value, found := d.resolveValue(dev, path, signalID)
	if !found {
		return SignalValue{}, false
	}

	sv := SignalValue{SignalID: signalID, Value: valueToJSON(value), Quality: string(device.QualityGood)}
	if faulted {
		sv.Quality = string(device.QualityFault)
		d.mu.Lock()
		d.frozenValues[path] = sv
		d.mu.Unlock()
	}
	return sv, true
}

func (d *Dispatcher) resolveValue(dev device.Device, path, signalID string) (device.Value, bool) {
	if d.registry != nil && d.registry.IsPhysicsDriven(path) {
		if cached, ok := d.registry.Cached(path); ok {
			return device.DoubleValue(cached), true
		}
		return device.Value{}, false
	}
	return dev.ReadSignal(signalID)
}

func (d *Dispatcher) handleCall(ctx context.Context, req Request, resp *Response) {
	if req.DeviceID == "" {
		resp.Status = errStatus(StatusInvalidArgument, "device_id is required")
		return
	}
	dev, found := d.devices.Get(req.DeviceID)
	if !found {
		resp.Status = errStatus(StatusNotFound, fmt.Sprintf("unknown device %q", req.DeviceID))
		return
	}

	if d.faults != nil {
		if lat := d.faults.CallLatency(req.DeviceID); lat > 0 {
			time.Sleep(lat)
		}
		if rate, injected := d.faults.CallFailureRate(req.DeviceID, req.FunctionID); injected && d.randFloat64() < rate {
			resp.Status = faultStatus(StatusInternal, "call failure injected")
			return
		}
	}

	args := make(map[string]device.Value, len(req.Args))
	for k, v := range req.Args {
		args[k] = physics.CoerceValue(v)
	}

	if err := dev.CallFunction(ctx, req.FunctionID, args); err != nil {
		resp.Status = mapDeviceError(err)
		return
	}
	resp.Status = ok()

	d.mu.Lock()
	onCall := d.onCall
	d.mu.Unlock()
	if onCall != nil {
		go onCall(req.DeviceID, req.FunctionID)
	}
}

func (d *Dispatcher) handleGetHealth(resp *Response) {
	devices := make(map[string]string, len(d.devices.List()))
	for _, dev := range d.devices.List() {
		status := "OK"
		if d.faults != nil && d.faults.Unavailable(dev.ID()) {
			status = "UNAVAILABLE"
		}
		devices[dev.ID()] = status
	}

	report := &HealthReport{Status: "OK", Devices: devices}
	if d.health != nil {
		tickCount, status := d.health()
		report.TickCount = tickCount
		if status != "OK" && status != "" {
			report.Status = "DEGRADED"
			report.LastError = status
		}
	}
	resp.Health = report
	resp.Status = ok()
}

func mapDeviceError(err error) Status {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return errStatus(StatusNotFound, err.Error())
	case errors.Is(err, device.ErrUnknownFunction):
		return errStatus(StatusNotFound, err.Error())
	case errors.Is(err, device.ErrInvalidArgument):
		return errStatus(StatusInvalidArgument, err.Error())
	case errors.Is(err, device.ErrPreconditionFailed):
		return errStatus(StatusFailedPrecondition, err.Error())
	default:
		return errStatus(StatusInternal, err.Error())
	}
}

func capabilityStrings(caps []device.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func valueToJSON(v device.Value) any {
	switch v.Kind {
	case device.ValueBool:
		return v.Bool
	case device.ValueInt:
		return v.Int
	case device.ValueString:
		return v.Str
	default:
		return v.Double
	}
}
