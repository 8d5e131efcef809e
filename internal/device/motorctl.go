package device

import (
	"context"
	"fmt"
	"sync"
)

var motorctlFunctions = newFunctionTable("set_duty")

// MotorCtl drives two independent PWM-duty actuator channels. It has no
// device-level control loop of its own; duty is set directly and physics
// models (if any) observe it each tick.
type MotorCtl struct {
	id  string
	fns functionTable

	mu    sync.Mutex
	duty1 float64
	duty2 float64
}

// NewMotorCtl constructs a motor controller with both channels at rest.
func NewMotorCtl(id string) *MotorCtl {
	return &MotorCtl{id: id, fns: motorctlFunctions}
}

func (d *MotorCtl) ID() string   { return d.id }
func (d *MotorCtl) Type() string { return "motorctl" }

func (d *MotorCtl) Capabilities() []Capability {
	return []Capability{CapabilityMotorControl}
}

func (d *MotorCtl) FunctionID(name string) (int, bool) { return d.fns.id(name) }

func (d *MotorCtl) ReadSignal(signalID string) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch signalID {
	case "motor1_duty":
		return DoubleValue(d.duty1), true
	case "motor2_duty":
		return DoubleValue(d.duty2), true
	default:
		return Value{}, false
	}
}

func (d *MotorCtl) CallFunction(_ context.Context, functionID int, args map[string]Value) error {
	name, ok := d.fns.name(functionID)
	if !ok {
		return ErrUnknownFunction
	}
	if name != "set_duty" {
		return ErrUnknownFunction
	}

	channel, ok := args["channel"]
	if !ok {
		return fmt.Errorf("%w: set_duty requires arg \"channel\"", ErrInvalidArgument)
	}
	duty, ok := args["duty"]
	if !ok {
		return fmt.Errorf("%w: set_duty requires arg \"duty\"", ErrInvalidArgument)
	}
	dutyVal := duty.AsFloat64()
	if dutyVal < 0 || dutyVal > 1 {
		return fmt.Errorf("%w: duty must be in [0, 1], got %v", ErrInvalidArgument, dutyVal)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch channel.AsFloat64() {
	case 1:
		d.duty1 = dutyVal
	case 2:
		d.duty2 = dutyVal
	default:
		return fmt.Errorf("%w: channel must be 1 or 2", ErrInvalidArgument)
	}
	return nil
}

// ActuatorSignalIDs lists the physics-relevant signals this device drives.
func (d *MotorCtl) ActuatorSignalIDs() []string {
	return []string{"motor1_duty", "motor2_duty"}
}

// ControlUpdate is a no-op: motorctl has no device-level control loop, duty
// is set directly by set_duty calls.
func (d *MotorCtl) ControlUpdate(read func(path string) (float64, bool)) {}
