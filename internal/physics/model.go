package physics

import "fmt"

// Model is a lumped-parameter physics component: it declares the input and
// output signal names it participates under, and integrates its state by dt
// each tick given the current input values.
type Model interface {
	ID() string
	InputNames() []string
	OutputNames() []string
	Update(dt float64, inputs map[string]float64) map[string]float64
}

// ModelFactory constructs a Model from its declared id and params. The
// registry of model types is a fixed, compile-time enumeration.
type ModelFactory func(id string, params map[string]any) (Model, error)

var modelFactories = map[string]ModelFactory{
	"thermal_mass": newThermalMass,
}

// NewModel constructs a Model of the given type, or an error if the type is
// not in the fixed registry.
func NewModel(id, modelType string, params map[string]any) (Model, error) {
	factory, ok := modelFactories[modelType]
	if !ok {
		return nil, fmt.Errorf("physics: unknown model type %q", modelType)
	}
	return factory(id, params)
}

// ThermalMass integrates a single lumped thermal capacitance exchanging
// heat with an ambient reservoir: T <- T + dt*(heating_power - h*(T -
// ambient)) / C.
type ThermalMass struct {
	id                string
	thermalMass       float64
	heatTransferCoeff float64
	temperature       float64
}

func newThermalMass(id string, params map[string]any) (Model, error) {
	mass, err := floatParamOrDefault(params, "thermal_mass", 1000)
	if err != nil {
		return nil, err
	}
	if mass <= 0 {
		return nil, fmt.Errorf("physics: thermal_mass.thermal_mass must be > 0, got %v", mass)
	}
	coeff, err := floatParamOrDefault(params, "heat_transfer_coeff", 10)
	if err != nil {
		return nil, err
	}
	if coeff <= 0 {
		return nil, fmt.Errorf("physics: thermal_mass.heat_transfer_coeff must be > 0, got %v", coeff)
	}
	initialTemp, err := floatParamOrDefault(params, "initial_temp", 25)
	if err != nil {
		return nil, err
	}

	return &ThermalMass{
		id:                id,
		thermalMass:       mass,
		heatTransferCoeff: coeff,
		temperature:       initialTemp,
	}, nil
}

func (m *ThermalMass) ID() string { return m.id }

func (m *ThermalMass) InputNames() []string { return []string{"heating_power", "ambient_temp"} }

func (m *ThermalMass) OutputNames() []string { return []string{"temperature"} }

func (m *ThermalMass) Update(dt float64, inputs map[string]float64) map[string]float64 {
	heatingPower, ok := inputs["heating_power"]
	if !ok {
		heatingPower = 0
	}
	ambient, ok := inputs["ambient_temp"]
	if !ok {
		ambient = 25
	}

	m.temperature += dt * (heatingPower - m.heatTransferCoeff*(m.temperature-ambient)) / m.thermalMass
	return map[string]float64{"temperature": m.temperature}
}

func floatParamOrDefault(params map[string]any, key string, def float64) (float64, error) {
	v, ok := optionalFloat(params, key)
	if !ok {
		return def, nil
	}
	return v, nil
}
