// Package physics implements the provider's local physics core: signal
// transforms, lumped-parameter models, the signal graph evaluator, and the
// rule engine that runs after each tick's model update.
package physics

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
)

// Transform holds one edge's configured primitive plus whatever per-edge
// state it accumulates across ticks (a filter's running average, a delay
// line's ring buffer, and so on). Kept as a single tagged struct rather
// than eight parallel maps, per edge.
type Transform struct {
	kind string

	tauS          float64
	initialValue  *float64
	amplitude     float64
	min, max      float64
	scale, offset float64
	clampMin      *float64
	clampMax      *float64
	threshold     float64
	maxRatePerSec float64
	delaySec      float64
	bufferCap     int
	windowSize    int

	initialized bool
	lastOutput  float64
	rng         *rand.Rand

	simTime float64
	ring    []delaySample

	window    []float64
	windowIdx int
	windowSum float64
}

type delaySample struct {
	t float64
	v float64
}

const defaultDelayBufferCap = 4096

// NewTransform validates cfg and constructs the per-edge Transform state.
// Validation happens here (config load time), not at Apply time.
func NewTransform(cfg config.TransformConfig) (*Transform, error) {
	t := &Transform{kind: cfg.Type}

	switch cfg.Type {
	case "first_order_lag":
		tau, err := requireFloat(cfg.Params, "tau_s")
		if err != nil {
			return nil, err
		}
		if tau <= 0 {
			return nil, fmt.Errorf("physics: first_order_lag tau_s must be > 0, got %v", tau)
		}
		t.tauS = tau
		if iv, ok := optionalFloat(cfg.Params, "initial_value"); ok {
			t.initialValue = &iv
		}

	case "noise":
		amp, err := requireFloat(cfg.Params, "amplitude")
		if err != nil {
			return nil, err
		}
		if amp <= 0 {
			return nil, fmt.Errorf("physics: noise amplitude must be > 0, got %v", amp)
		}
		seed, err := requireInt(cfg.Params, "seed")
		if err != nil {
			return nil, err
		}
		t.amplitude = amp
		t.rng = rand.New(rand.NewSource(seed))

	case "saturation":
		min, err := requireFloat(cfg.Params, "min")
		if err != nil {
			return nil, err
		}
		max, err := requireFloat(cfg.Params, "max")
		if err != nil {
			return nil, err
		}
		if min > max {
			return nil, fmt.Errorf("physics: saturation requires min <= max, got min=%v max=%v", min, max)
		}
		t.min, t.max = min, max

	case "linear":
		scale, err := requireFloat(cfg.Params, "scale")
		if err != nil {
			return nil, err
		}
		t.scale = scale
		t.offset, _ = optionalFloat(cfg.Params, "offset")
		cMin, hasMin := optionalFloat(cfg.Params, "clamp_min")
		cMax, hasMax := optionalFloat(cfg.Params, "clamp_max")
		if hasMin && hasMax && cMin > cMax {
			return nil, fmt.Errorf("physics: linear requires clamp_min <= clamp_max, got %v, %v", cMin, cMax)
		}
		if hasMin {
			t.clampMin = &cMin
		}
		if hasMax {
			t.clampMax = &cMax
		}

	case "deadband":
		threshold, err := requireFloat(cfg.Params, "threshold")
		if err != nil {
			return nil, err
		}
		if threshold < 0 {
			return nil, fmt.Errorf("physics: deadband threshold must be >= 0, got %v", threshold)
		}
		t.threshold = threshold

	case "rate_limiter":
		rate, err := requireFloat(cfg.Params, "max_rate_per_sec")
		if err != nil {
			return nil, err
		}
		if rate <= 0 {
			return nil, fmt.Errorf("physics: rate_limiter max_rate_per_sec must be > 0, got %v", rate)
		}
		t.maxRatePerSec = rate

	case "delay":
		delaySec, err := requireFloat(cfg.Params, "delay_sec")
		if err != nil {
			return nil, err
		}
		if delaySec < 0 {
			return nil, fmt.Errorf("physics: delay delay_sec must be >= 0, got %v", delaySec)
		}
		t.delaySec = delaySec
		bufCap := defaultDelayBufferCap
		if bs, ok := optionalInt(cfg.Params, "buffer_size"); ok {
			if bs <= 0 {
				return nil, fmt.Errorf("physics: delay buffer_size must be a positive integer, got %v", bs)
			}
			bufCap = int(bs)
		}
		t.bufferCap = bufCap

	case "moving_average":
		window, err := requireInt(cfg.Params, "window_size")
		if err != nil {
			return nil, err
		}
		if window <= 0 {
			return nil, fmt.Errorf("physics: moving_average window_size must be a positive integer, got %v", window)
		}
		t.windowSize = int(window)

	default:
		return nil, fmt.Errorf("physics: unknown transform type %q", cfg.Type)
	}

	return t, nil
}

// Apply advances the transform by one tick of period dt and returns the
// output for input x.
func (t *Transform) Apply(dt, x float64) float64 {
	switch t.kind {
	case "first_order_lag":
		return t.applyFirstOrderLag(dt, x)
	case "noise":
		return x + t.rng.NormFloat64()*t.amplitude
	case "saturation":
		return clamp(x, t.min, t.max)
	case "linear":
		return t.applyLinear(x)
	case "deadband":
		return t.applyDeadband(x)
	case "rate_limiter":
		return t.applyRateLimiter(dt, x)
	case "delay":
		return t.applyDelay(dt, x)
	case "moving_average":
		return t.applyMovingAverage(x)
	default:
		return x
	}
}

func (t *Transform) applyFirstOrderLag(dt, x float64) float64 {
	if !t.initialized {
		if t.initialValue != nil {
			t.lastOutput = *t.initialValue
		} else {
			t.lastOutput = x
		}
		t.initialized = true
		return t.lastOutput
	}
	alpha := dt / (t.tauS + dt)
	t.lastOutput += alpha * (x - t.lastOutput)
	return t.lastOutput
}

func (t *Transform) applyLinear(x float64) float64 {
	y := t.scale*x + t.offset
	if t.clampMin != nil && y < *t.clampMin {
		y = *t.clampMin
	}
	if t.clampMax != nil && y > *t.clampMax {
		y = *t.clampMax
	}
	return y
}

func (t *Transform) applyDeadband(x float64) float64 {
	if !t.initialized {
		t.lastOutput = x
		t.initialized = true
		return x
	}
	if math.Abs(x-t.lastOutput) <= t.threshold {
		return t.lastOutput
	}
	t.lastOutput = x
	return x
}

func (t *Transform) applyRateLimiter(dt, x float64) float64 {
	if !t.initialized {
		t.lastOutput = x
		t.initialized = true
		return x
	}
	maxDelta := t.maxRatePerSec * dt
	delta := x - t.lastOutput
	if delta > maxDelta {
		delta = maxDelta
	} else if delta < -maxDelta {
		delta = -maxDelta
	}
	t.lastOutput += delta
	return t.lastOutput
}

func (t *Transform) applyDelay(dt, x float64) float64 {
	t.simTime += dt
	t.ring = append(t.ring, delaySample{t: t.simTime, v: x})
	if len(t.ring) > t.bufferCap {
		t.ring = t.ring[len(t.ring)-t.bufferCap:]
	}

	target := t.simTime - t.delaySec
	for _, s := range t.ring {
		if s.t >= target {
			return s.v
		}
	}
	return t.ring[len(t.ring)-1].v
}

func (t *Transform) applyMovingAverage(x float64) float64 {
	if !t.initialized {
		t.window = make([]float64, t.windowSize)
		for i := range t.window {
			t.window[i] = x
		}
		t.windowSum = x * float64(t.windowSize)
		t.initialized = true
		return t.windowSum / float64(t.windowSize)
	}
	t.windowSum -= t.window[t.windowIdx]
	t.window[t.windowIdx] = x
	t.windowSum += x
	t.windowIdx = (t.windowIdx + 1) % t.windowSize
	return t.windowSum / float64(t.windowSize)
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

func requireFloat(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("physics: missing required param %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("physics: param %q must be numeric, got %T", key, v)
	}
}

func optionalFloat(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func requireInt(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("physics: missing required param %q", key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("physics: param %q must be an integer, got %T", key, v)
	}
}

func optionalInt(params map[string]any, key string) (int64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
