package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var controlFunctions = newFunctionTable(
	"inject_device_unavailable",
	"inject_signal_fault",
	"inject_call_latency",
	"inject_call_failure",
	"clear_faults",
)

// FaultQuery is the narrow interface the dispatcher consults before routing
// a request, implemented by Control. Kept separate from Device so callers
// that only need to check for faults don't need the full function-call
// surface.
type FaultQuery interface {
	// Unavailable reports whether deviceID is currently injected as
	// unavailable.
	Unavailable(deviceID string) bool

	// SignalFaulted reports whether "<deviceID>/<signalID>" currently
	// reads as FAULT quality.
	SignalFaulted(deviceID, signalID string) bool

	// CallLatency returns the artificial delay to apply before routing a
	// call to deviceID, or 0 if none is injected.
	CallLatency(deviceID string) time.Duration

	// CallFailureRate returns the injected failure probability in [0, 1]
	// for (deviceID, functionID), or (0, false) if none is injected.
	CallFailureRate(deviceID string, functionID int) (rate float64, ok bool)
}

type faultEntry struct {
	expiresAt time.Time
}

type latencyEntry struct {
	latency time.Duration
}

type failureEntry struct {
	rate float64
}

// Control is the fault-injection control device: it has no sensors or
// actuators of its own, only functions that perturb how other devices
// respond to requests. Device-unavailable and signal faults expire on a
// monotonic clock; an expired fault is treated as absent and lazily evicted
// on next access. Call-latency and call-failure faults carry no duration
// and stay in effect until clear_faults.
type Control struct {
	id  string
	fns functionTable

	mu               sync.Mutex
	unavailable      map[string]faultEntry
	signalFaults     map[string]faultEntry // key: "<deviceID>/<signalID>"
	callLatencies    map[string]latencyEntry
	callFailures     map[string]failureEntry // key: "<deviceID>/<functionID>"
	now              func() time.Time
}

// NewControl constructs a fault-injection control device with an empty
// fault table.
func NewControl(id string) *Control {
	return &Control{
		id:            id,
		fns:           controlFunctions,
		unavailable:   make(map[string]faultEntry),
		signalFaults:  make(map[string]faultEntry),
		callLatencies: make(map[string]latencyEntry),
		callFailures:  make(map[string]failureEntry),
		now:           time.Now,
	}
}

func (d *Control) ID() string   { return d.id }
func (d *Control) Type() string { return "control" }

func (d *Control) Capabilities() []Capability {
	return []Capability{CapabilityFaultInjection}
}

func (d *Control) FunctionID(name string) (int, bool) { return d.fns.id(name) }

// ReadSignal always fails: the control device exposes no signals.
func (d *Control) ReadSignal(_ string) (Value, bool) { return Value{}, false }

func (d *Control) CallFunction(_ context.Context, functionID int, args map[string]Value) error {
	name, ok := d.fns.name(functionID)
	if !ok {
		return ErrUnknownFunction
	}

	switch name {
	case "inject_device_unavailable":
		return d.injectDeviceUnavailable(args)
	case "inject_signal_fault":
		return d.injectSignalFault(args)
	case "inject_call_latency":
		return d.injectCallLatency(args)
	case "inject_call_failure":
		return d.injectCallFailure(args)
	case "clear_faults":
		d.clearFaults()
		return nil
	default:
		return ErrUnknownFunction
	}
}

func (d *Control) injectDeviceUnavailable(args map[string]Value) error {
	deviceID, durationMS, err := requireDeviceIDAndDuration(args)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.unavailable[deviceID] = faultEntry{expiresAt: d.now().Add(durationMS)}
	d.mu.Unlock()
	return nil
}

func (d *Control) injectSignalFault(args map[string]Value) error {
	deviceID, ok := stringArg(args, "device_id")
	if !ok {
		return fmt.Errorf("%w: inject_signal_fault requires string arg \"device_id\"", ErrInvalidArgument)
	}
	signalID, ok := stringArg(args, "signal_id")
	if !ok {
		return fmt.Errorf("%w: inject_signal_fault requires string arg \"signal_id\"", ErrInvalidArgument)
	}
	durationMS, err := requireDuration(args)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.signalFaults[deviceID+"/"+signalID] = faultEntry{expiresAt: d.now().Add(durationMS)}
	d.mu.Unlock()
	return nil
}

func (d *Control) injectCallLatency(args map[string]Value) error {
	deviceID, ok := stringArg(args, "device_id")
	if !ok {
		return fmt.Errorf("%w: inject_call_latency requires string arg \"device_id\"", ErrInvalidArgument)
	}
	latencyMS, ok := args["latency_ms"]
	if !ok {
		return fmt.Errorf("%w: inject_call_latency requires arg \"latency_ms\"", ErrInvalidArgument)
	}
	d.mu.Lock()
	d.callLatencies[deviceID] = latencyEntry{latency: time.Duration(latencyMS.AsFloat64()) * time.Millisecond}
	d.mu.Unlock()
	return nil
}

func (d *Control) injectCallFailure(args map[string]Value) error {
	deviceID, ok := stringArg(args, "device_id")
	if !ok {
		return fmt.Errorf("%w: inject_call_failure requires string arg \"device_id\"", ErrInvalidArgument)
	}
	functionID, ok := args["function_id"]
	if !ok {
		return fmt.Errorf("%w: inject_call_failure requires arg \"function_id\"", ErrInvalidArgument)
	}
	rate, ok := args["failure_rate"]
	if !ok {
		return fmt.Errorf("%w: inject_call_failure requires arg \"failure_rate\"", ErrInvalidArgument)
	}
	rateVal := rate.AsFloat64()
	if rateVal < 0 || rateVal > 1 {
		return fmt.Errorf("%w: failure_rate must be in [0, 1], got %v", ErrInvalidArgument, rateVal)
	}
	d.mu.Lock()
	d.callFailures[fmt.Sprintf("%s/%d", deviceID, int(functionID.AsFloat64()))] = failureEntry{rate: rateVal}
	d.mu.Unlock()
	return nil
}

func (d *Control) clearFaults() {
	d.mu.Lock()
	d.unavailable = make(map[string]faultEntry)
	d.signalFaults = make(map[string]faultEntry)
	d.callLatencies = make(map[string]latencyEntry)
	d.callFailures = make(map[string]failureEntry)
	d.mu.Unlock()
}

func (d *Control) Unavailable(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return expired(d.unavailable, deviceID, d.now())
}

func (d *Control) SignalFaulted(deviceID, signalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return expired(d.signalFaults, deviceID+"/"+signalID, d.now())
}

func (d *Control) CallLatency(deviceID string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.callLatencies[deviceID]
	if !ok {
		return 0
	}
	return e.latency
}

func (d *Control) CallFailureRate(deviceID string, functionID int) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.callFailures[fmt.Sprintf("%s/%d", deviceID, functionID)]
	if !ok {
		return 0, false
	}
	return e.rate, true
}

// expired reports whether key has a live (non-expired) entry in m, evicting
// it first if it has already expired.
func expired(m map[string]faultEntry, key string, now time.Time) bool {
	e, ok := m[key]
	if !ok {
		return false
	}
	if now.After(e.expiresAt) {
		delete(m, key)
		return false
	}
	return true
}

func stringArg(args map[string]Value, name string) (string, bool) {
	v, ok := args[name]
	if !ok || v.Kind != ValueString {
		return "", false
	}
	return v.Str, true
}

func requireDuration(args map[string]Value) (time.Duration, error) {
	v, ok := args["duration_ms"]
	if !ok {
		return 0, fmt.Errorf("%w: requires arg \"duration_ms\"", ErrInvalidArgument)
	}
	return time.Duration(v.AsFloat64()) * time.Millisecond, nil
}

func requireDeviceIDAndDuration(args map[string]Value) (string, time.Duration, error) {
	deviceID, ok := stringArg(args, "device_id")
	if !ok {
		return "", 0, fmt.Errorf("%w: requires string arg \"device_id\"", ErrInvalidArgument)
	}
	dur, err := requireDuration(args)
	if err != nil {
		return "", 0, err
	}
	return deviceID, dur, nil
}
