package engine

import (
	"context"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/physics"
)

// maxLocalDt caps the elapsed time handed to a device's LocalUpdate, so a
// debugger pause or GC stall doesn't produce one enormous simulation step.
const maxLocalDt = 250 * time.Millisecond

// LocalEngine backs simulation.mode=non_interacting: each locally-simulated
// device advances its own state once per tick, uncoupled from any signal
// graph or model.
type LocalEngine struct {
	devices *device.Registry
	log     *logging.Logger
	ticker  *physics.Ticker
	lastAt  time.Time
}

// NewLocalEngine constructs a LocalEngine driving every LocallySimulated
// device in devices at tickRateHz.
func NewLocalEngine(devices *device.Registry, tickRateHz float64, log *logging.Logger) *LocalEngine {
	e := &LocalEngine{devices: devices, log: log}
	e.ticker = physics.NewTicker(tickRateHz, e.tick, func(missed int) {
		log.Warn("local engine tick fell behind schedule", "missed_periods", missed)
	})
	return e
}

func (e *LocalEngine) Start(_ context.Context) error {
	e.lastAt = time.Now()
	go e.ticker.Run()
	return nil
}

func (e *LocalEngine) Stop() { e.ticker.Stop() }

func (e *LocalEngine) tick() bool {
	now := time.Now()
	dt := now.Sub(e.lastAt)
	if dt > maxLocalDt {
		dt = maxLocalDt
	}
	e.lastAt = now

	for _, d := range e.devices.LocallySimulated() {
		d.LocalUpdate(dt)
	}
	return true
}
