package engine

import (
	"context"
	"sync"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
	"github.com/FEASTorg/anolis-provider-sim/internal/physics"
	"github.com/FEASTorg/anolis-provider-sim/internal/signalregistry"
)

// PhysicsEngine backs simulation.mode=physics when no remote simulator is
// configured: it runs the full signal-graph/model/rule core locally, per
// tick, against the shared signal registry.
//
// Its own internal state (transform and model state) is touched only from
// the ticker goroutine; the stats mutex below exists purely so get_health
// can observe tick counters from the request thread without racing it.
type PhysicsEngine struct {
	devices  *device.Registry
	registry *signalregistry.Registry
	graph    *physics.Graph
	rules    []physics.Rule

	ambientPath  string
	ambientValue float64

	ticker *physics.Ticker
	log    *logging.Logger

	// onTick, if set, is notified with every signal path this tick wrote a
	// new value for. Exists so an optional telemetry exporter can mirror
	// tick values without this package importing one.
	onTick func(values map[string]float64)

	statsMu   sync.Mutex
	tickCount uint64
	lastError string
}

// SetTickObserver registers fn to receive the signal writes produced by
// every subsequent tick. Passing nil disables the hook. Must be called
// before Start; the ticker goroutine reads it without synchronization
// since it never changes once running.
func (e *PhysicsEngine) SetTickObserver(fn func(values map[string]float64)) {
	e.onTick = fn
}

// NewPhysicsEngine builds the signal graph, model registry and rule set
// from cfg and returns an engine ready to Start.
func NewPhysicsEngine(cfg *config.PhysicsConfig, ambientPath string, ambientTempC float64, devices *device.Registry, registry *signalregistry.Registry, tickRateHz float64, log *logging.Logger) (*PhysicsEngine, error) {
	models := make([]physics.Model, 0, len(cfg.Models))
	for _, mcfg := range cfg.Models {
		m, err := physics.NewModel(mcfg.ID, mcfg.Type, mcfg.Params)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	edges := make([]physics.Edge, 0, len(cfg.SignalGraph))
	for _, ecfg := range cfg.SignalGraph {
		edge := physics.Edge{Source: ecfg.SourcePath, Target: ecfg.TargetPath}
		if ecfg.Transform != nil {
			tr, err := physics.NewTransform(*ecfg.Transform)
			if err != nil {
				return nil, err
			}
			edge.Transform = tr
		}
		edges = append(edges, edge)
	}

	rules, err := physics.NewRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	e := &PhysicsEngine{
		devices:      devices,
		registry:     registry,
		graph:        physics.NewGraph(edges, models),
		rules:        rules,
		ambientPath:  ambientPath,
		ambientValue: ambientTempC,
		log:          log,
	}
	e.ticker = physics.NewTicker(tickRateHz, e.tick, func(missed int) {
		log.Warn("physics tick fell behind schedule", "missed_periods", missed)
	})
	return e, nil
}

func (e *PhysicsEngine) Start(_ context.Context) error {
	go e.ticker.Run()
	return nil
}

func (e *PhysicsEngine) Stop() { e.ticker.Stop() }

// Stats returns the current tick count and the most recent tick-level error
// message (empty if the last tick succeeded), for get_health.
func (e *PhysicsEngine) Stats() (tickCount uint64, lastError string) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.tickCount, e.lastError
}

func (e *PhysicsEngine) tick() bool {
	dt := e.ticker.Period().Seconds()

	e.statsMu.Lock()
	e.lastError = ""
	e.statsMu.Unlock()

	for _, pa := range e.devices.PhysicsAware() {
		func() {
			defer e.recoverTick("device control update")
			pa.ControlUpdate(e.read)
		}()
	}

	var pendingWrites, modelOutputs map[string]float64
	func() {
		defer e.recoverTick("signal graph evaluation")
		pendingWrites, modelOutputs = e.graph.Evaluate(dt, e.read)
	}()

	for path, v := range pendingWrites {
		e.registry.Write(path, v)
	}
	for path, v := range modelOutputs {
		e.registry.Write(path, v)
	}

	if e.onTick != nil && (len(pendingWrites) > 0 || len(modelOutputs) > 0) {
		written := make(map[string]float64, len(pendingWrites)+len(modelOutputs))
		for path, v := range pendingWrites {
			written[path] = v
		}
		for path, v := range modelOutputs {
			written[path] = v
		}
		e.onTick(written)
	}

	physics.EvaluateRules(context.Background(), e.rules, e.registry.Read, e.devices, func(msg string, args ...any) {
		e.log.Warn(msg, args...)
	})

	e.statsMu.Lock()
	e.tickCount++
	e.statsMu.Unlock()
	return true
}

// read serves §4.4.2 step 2's constant ambient input alongside ordinary
// registry reads: the ambient path, if configured, always resolves to the
// configured constant rather than falling through to a device.
func (e *PhysicsEngine) read(path string) (float64, bool) {
	if e.ambientPath != "" && path == e.ambientPath {
		return e.ambientValue, true
	}
	return e.registry.Read(path)
}

// recoverTick catches a panic from a device control update or from
// signal-graph/model evaluation (rules recover their own panics inside
// EvaluateRules), records the stage as the tick's error, logs it, and
// lets the tick continue to completion: physics errors are never allowed to
// skip or rebase a tick.
func (e *PhysicsEngine) recoverTick(stage string) {
	if r := recover(); r != nil {
		e.statsMu.Lock()
		e.lastError = stage
		e.statsMu.Unlock()
		e.log.Error("physics tick error, continuing", "stage", stage, "error", r)
	}
}
