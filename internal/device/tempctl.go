package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Bang-bang thresholds for closed-loop control, in degrees C away from
// setpoint. Above errHigh both relays fire; between errHigh and errMid only
// relay1 holds; below errLow both relays drop; the band between errLow and
// errMid holds the prior state (hysteresis).
const (
	tempctlErrHigh = 10.0
	tempctlErrMid  = 2.0
	tempctlErrLow  = -2.0
)

const (
	tempctlModeOpen   = "open"
	tempctlModeClosed = "closed"
)

var tempctlFunctions = newFunctionTable("set_mode", "set_setpoint", "set_relay")

// TempCtl is a temperature controller: a sensed temperature signal, two
// relay-driven actuators, and an optional closed-loop bang-bang controller
// between them.
type TempCtl struct {
	id   string
	fns  functionTable
	ambientDefault float64

	mu          sync.Mutex
	mode        string
	setpoint    float64
	relay1      bool
	relay2      bool
	temperature float64
}

// TempCtlConfig captures a tempctl device's initial state.
type TempCtlConfig struct {
	InitialMode        string
	InitialSetpointC   float64
	InitialTemperature float64
}

// NewTempCtl constructs a temperature controller in its configured initial
// state. An empty InitialMode defaults to open loop.
func NewTempCtl(id string, cfg TempCtlConfig) *TempCtl {
	mode := cfg.InitialMode
	if mode == "" {
		mode = tempctlModeOpen
	}
	return &TempCtl{
		id:             id,
		fns:            tempctlFunctions,
		ambientDefault: cfg.InitialTemperature,
		mode:           mode,
		setpoint:       cfg.InitialSetpointC,
		temperature:    cfg.InitialTemperature,
	}
}

func (d *TempCtl) ID() string   { return d.id }
func (d *TempCtl) Type() string { return "tempctl" }

func (d *TempCtl) Capabilities() []Capability {
	return []Capability{CapabilityTemperatureControl}
}

func (d *TempCtl) FunctionID(name string) (int, bool) { return d.fns.id(name) }

func (d *TempCtl) ReadSignal(signalID string) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch signalID {
	case "temperature":
		return DoubleValue(d.temperature), true
	case "relay1_state":
		return BoolValue(d.relay1), true
	case "relay2_state":
		return BoolValue(d.relay2), true
	case "control_mode":
		return StringValue(d.mode), true
	case "setpoint":
		return DoubleValue(d.setpoint), true
	default:
		return Value{}, false
	}
}

func (d *TempCtl) CallFunction(_ context.Context, functionID int, args map[string]Value) error {
	name, ok := d.fns.name(functionID)
	if !ok {
		return ErrUnknownFunction
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case "set_mode":
		mode, ok := args["mode"]
		if !ok || mode.Kind != ValueString {
			return fmt.Errorf("%w: set_mode requires string arg \"mode\"", ErrInvalidArgument)
		}
		if mode.Str != tempctlModeOpen && mode.Str != tempctlModeClosed {
			return fmt.Errorf("%w: mode must be \"open\" or \"closed\", got %q", ErrInvalidArgument, mode.Str)
		}
		d.mode = mode.Str
		return nil

	case "set_setpoint":
		sp, ok := args["setpoint"]
		if !ok {
			return fmt.Errorf("%w: set_setpoint requires arg \"setpoint\"", ErrInvalidArgument)
		}
		d.setpoint = sp.AsFloat64()
		return nil

	case "set_relay":
		if d.mode != tempctlModeOpen {
			return fmt.Errorf("%w: set_relay requires open-loop mode, device is %q", ErrPreconditionFailed, d.mode)
		}
		relay, ok := args["relay"]
		if !ok {
			return fmt.Errorf("%w: set_relay requires arg \"relay\"", ErrInvalidArgument)
		}
		state, ok := args["state"]
		if !ok || state.Kind != ValueBool {
			return fmt.Errorf("%w: set_relay requires bool arg \"state\"", ErrInvalidArgument)
		}
		switch relay.AsFloat64() {
		case 1:
			d.relay1 = state.Bool
		case 2:
			d.relay2 = state.Bool
		default:
			return fmt.Errorf("%w: relay must be 1 or 2", ErrInvalidArgument)
		}
		return nil

	default:
		return ErrUnknownFunction
	}
}

// ActuatorSignalIDs lists the physics-relevant signals this device drives.
func (d *TempCtl) ActuatorSignalIDs() []string {
	return []string{"relay1_state", "relay2_state"}
}

// ControlUpdate runs the bang-bang controller when in closed-loop mode. read
// resolves "<id>/temperature" through the signal registry, which is
// authoritative over the device's own cached reading whenever physics is
// running.
func (d *TempCtl) ControlUpdate(read func(path string) (float64, bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := read(d.id + "/temperature"); ok {
		d.temperature = t
	}

	if d.mode != tempctlModeClosed {
		return
	}

	err := d.setpoint - d.temperature
	switch {
	case err > tempctlErrHigh:
		d.relay1, d.relay2 = true, true
	case err > tempctlErrMid:
		d.relay1, d.relay2 = true, false
	case err < tempctlErrLow:
		d.relay1, d.relay2 = false, false
	default:
		// Hysteresis band: hold the prior relay state.
	}
}

// LocalUpdate gives the controller a crude thermal response for
// non_interacting mode, where there is no signal graph or thermal model.
// While either relay is on the temperature rises at one fixed rate (one or
// both relays heat alike) up to a fixed ceiling; with no relays active it
// decays toward the device's initial (ambient) reading.
func (d *TempCtl) LocalUpdate(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	const heatRatePerSec = 0.5
	const coolRatePerSec = 0.1
	const heatCeiling = 150.0

	secs := dt.Seconds()
	switch {
	case d.relay1 || d.relay2:
		d.temperature += heatRatePerSec * secs
		if d.temperature > heatCeiling {
			d.temperature = heatCeiling
		}
	case d.temperature > d.ambientDefault:
		d.temperature -= coolRatePerSec * secs
		if d.temperature < d.ambientDefault {
			d.temperature = d.ambientDefault
		}
	}
}
