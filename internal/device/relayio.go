package device

import (
	"context"
	"fmt"
	"sync"
)

const relayioChannels = 4

var relayioFunctions = newFunctionTable("set_relay")

// RelayIO is a four-channel relay/digital-IO module. Like MotorCtl it has no
// device-level control loop; channels are set directly.
type RelayIO struct {
	id  string
	fns functionTable

	mu     sync.Mutex
	relays [relayioChannels]bool
}

// NewRelayIO constructs a relay module with all channels open.
func NewRelayIO(id string) *RelayIO {
	return &RelayIO{id: id, fns: relayioFunctions}
}

func (d *RelayIO) ID() string   { return d.id }
func (d *RelayIO) Type() string { return "relayio" }

func (d *RelayIO) Capabilities() []Capability {
	return []Capability{CapabilityRelayIO}
}

func (d *RelayIO) FunctionID(name string) (int, bool) { return d.fns.id(name) }

func (d *RelayIO) ReadSignal(signalID string) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := relayioChannelFromSignalID(signalID)
	if !ok {
		return Value{}, false
	}
	return BoolValue(d.relays[ch]), true
}

func (d *RelayIO) CallFunction(_ context.Context, functionID int, args map[string]Value) error {
	name, ok := d.fns.name(functionID)
	if !ok {
		return ErrUnknownFunction
	}
	if name != "set_relay" {
		return ErrUnknownFunction
	}

	channel, ok := args["channel"]
	if !ok {
		return fmt.Errorf("%w: set_relay requires arg \"channel\"", ErrInvalidArgument)
	}
	state, ok := args["state"]
	if !ok || state.Kind != ValueBool {
		return fmt.Errorf("%w: set_relay requires bool arg \"state\"", ErrInvalidArgument)
	}

	ch := int(channel.AsFloat64())
	if ch < 1 || ch > relayioChannels {
		return fmt.Errorf("%w: channel must be in [1, %d]", ErrInvalidArgument, relayioChannels)
	}

	d.mu.Lock()
	d.relays[ch-1] = state.Bool
	d.mu.Unlock()
	return nil
}

// ActuatorSignalIDs lists the physics-relevant signals this device drives.
func (d *RelayIO) ActuatorSignalIDs() []string {
	ids := make([]string, relayioChannels)
	for i := range ids {
		ids[i] = fmt.Sprintf("relay_ch%d_state", i+1)
	}
	return ids
}

// ControlUpdate is a no-op: relayio has no device-level control loop.
func (d *RelayIO) ControlUpdate(read func(path string) (float64, bool)) {}

func relayioChannelFromSignalID(signalID string) (int, bool) {
	for i := 0; i < relayioChannels; i++ {
		if signalID == fmt.Sprintf("relay_ch%d_state", i+1) {
			return i, true
		}
	}
	return 0, false
}
