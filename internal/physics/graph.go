package physics

import "strings"

// Edge is one declared signal-graph connection: a source signal path, a
// target signal path, and an optional transform applied between them.
type Edge struct {
	Source    string
	Target    string
	Transform *Transform
}

// Graph is the signal graph plus the model registry it feeds and is fed by,
// evaluated once per tick in declared edge order.
type Graph struct {
	Edges      []Edge
	Models     []Model
	modelByID  map[string]Model
}

// NewGraph indexes models by id for edge-target lookup during evaluation.
func NewGraph(edges []Edge, models []Model) *Graph {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		byID[m.ID()] = m
	}
	return &Graph{Edges: edges, Models: models, modelByID: byID}
}

// Evaluate runs one tick of §4.4.2's steps 3-4: walk the signal graph in
// declared order (consulting pending writes so later edges see earlier
// edges' outputs within the same tick), route model-bound targets into
// their model's input set, then update every model once. registryRead
// serves values for edges whose source is not itself a pending write
// (an actuator signal or a constant simulation input).
//
// Returns the plain pending writes (non-model targets) and the model
// outputs, both still uncommitted: the caller commits them to the signal
// registry after releasing the physics mutex, per §4.4.2 step 5.
func (g *Graph) Evaluate(dt float64, registryRead func(path string) (float64, bool)) (pendingWrites, modelOutputs map[string]float64) {
	pendingWrites = make(map[string]float64)
	modelInputs := make(map[string]map[string]float64, len(g.Models))

	for _, edge := range g.Edges {
		value, ok := readSignalValue(edge.Source, pendingWrites, registryRead)
		if !ok {
			continue
		}
		if edge.Transform != nil {
			value = edge.Transform.Apply(dt, value)
		}

		targetObjectID, targetSignalID, ok := splitPath(edge.Target)
		if !ok {
			continue
		}
		if _, isModel := g.modelByID[targetObjectID]; isModel {
			inputs, ok := modelInputs[targetObjectID]
			if !ok {
				inputs = make(map[string]float64)
				modelInputs[targetObjectID] = inputs
			}
			inputs[targetSignalID] = value
		} else {
			pendingWrites[edge.Target] = value
		}
	}

	modelOutputs = make(map[string]float64)
	for _, m := range g.Models {
		outputs := m.Update(dt, modelInputs[m.ID()])
		for name, value := range outputs {
			modelOutputs[m.ID()+"/"+name] = value
		}
	}

	return pendingWrites, modelOutputs
}

// readSignalValue implements §4.4.2 step 3's read_signal_value: prefer a
// value already computed earlier in this tick, then fall back to the
// signal registry (and, transitively, to whatever serves constant or
// actuator signals).
func readSignalValue(path string, pendingWrites map[string]float64, registryRead func(path string) (float64, bool)) (float64, bool) {
	if v, ok := pendingWrites[path]; ok {
		return v, true
	}
	return registryRead(path)
}

func splitPath(path string) (objectID, signalID string, ok bool) {
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
