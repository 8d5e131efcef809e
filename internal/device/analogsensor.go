package device

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// AnalogSensor is a read-only analog input with no functions: physics (or,
// in non_interacting mode, a local drift-and-noise walk) is its only source
// of change.
type AnalogSensor struct {
	id  string
	fns functionTable

	mu     sync.Mutex
	value  float64
	drift  float64
	noise  float64
	rng    *rand.Rand
}

// AnalogSensorConfig captures a sensor device's local-simulation behavior.
type AnalogSensorConfig struct {
	InitialValue float64
	// DriftPerSec is a constant rate of change applied in non_interacting
	// mode, before noise.
	DriftPerSec float64
	// NoiseStdDev is the standard deviation of Gaussian noise added each
	// LocalUpdate tick in non_interacting mode.
	NoiseStdDev float64
	// Seed makes the local random walk reproducible; 0 uses a time-derived
	// seed.
	Seed int64
}

// NewAnalogSensor constructs an analog sensor in its configured initial
// state.
func NewAnalogSensor(id string, cfg AnalogSensorConfig) *AnalogSensor {
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(time.Now().UnixNano())
	}
	return &AnalogSensor{
		id:    id,
		fns:   newFunctionTable(),
		value: cfg.InitialValue,
		drift: cfg.DriftPerSec,
		noise: cfg.NoiseStdDev,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (d *AnalogSensor) ID() string   { return d.id }
func (d *AnalogSensor) Type() string { return "analogsensor" }

func (d *AnalogSensor) Capabilities() []Capability {
	return []Capability{CapabilityAnalogSensing}
}

func (d *AnalogSensor) FunctionID(name string) (int, bool) { return d.fns.id(name) }

func (d *AnalogSensor) ReadSignal(signalID string) (Value, bool) {
	if signalID != "value" {
		return Value{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return DoubleValue(d.value), true
}

func (d *AnalogSensor) CallFunction(_ context.Context, _ int, _ map[string]Value) error {
	return ErrUnknownFunction
}

// ActuatorSignalIDs is empty: an analog sensor drives nothing, it is only
// ever read.
func (d *AnalogSensor) ActuatorSignalIDs() []string { return nil }

// ControlUpdate is a no-op: a sensor has no control loop.
func (d *AnalogSensor) ControlUpdate(read func(path string) (float64, bool)) {}

// LocalUpdate advances the sensor's value by a constant drift plus Gaussian
// noise, for non_interacting mode.
func (d *AnalogSensor) LocalUpdate(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value += d.drift*dt.Seconds() + d.rng.NormFloat64()*d.noise
}
