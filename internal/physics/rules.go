package physics

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/FEASTorg/anolis-provider-sim/internal/device"
	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
)

const equalityTolerance = 1e-6

var conditionPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)/([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|==|!=|>|<)\s*(-?[0-9]+(?:\.[0-9]+)?)$`)

// Condition is a parsed rule condition: "<object_id>/<signal_id> <cmp>
// <number>".
type Condition struct {
	ObjectID string
	SignalID string
	Cmp      string
	Operand  float64
}

// ParseCondition parses a condition string against the grammar
// IDENT "/" IDENT ws CMP ws NUMBER.
func ParseCondition(s string) (Condition, error) {
	m := conditionPattern.FindStringSubmatch(s)
	if m == nil {
		return Condition{}, fmt.Errorf("physics: malformed rule condition %q", s)
	}
	operand, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("physics: malformed rule condition %q: %w", s, err)
	}
	return Condition{ObjectID: m[1], SignalID: m[2], Cmp: m[3], Operand: operand}, nil
}

// Satisfied evaluates the condition's comparator against value, using an
// absolute tolerance for equality/inequality.
func (c Condition) Satisfied(value float64) bool {
	switch c.Cmp {
	case ">":
		return value > c.Operand
	case "<":
		return value < c.Operand
	case ">=":
		return value >= c.Operand
	case "<=":
		return value <= c.Operand
	case "==":
		return floatsEqual(value, c.Operand)
	case "!=":
		return !floatsEqual(value, c.Operand)
	default:
		return false
	}
}

func floatsEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= equalityTolerance
}

// Action is one parsed rule action: a device function call with named
// arguments still in their raw, config-decoded form.
type Action struct {
	DeviceID     string
	FunctionName string
	Args         map[string]any
}

// Rule is one physics rule: a condition, the actions to run when it holds,
// and its error policy (always "log_and_continue", enforced at config load).
type Rule struct {
	ID        string
	Condition Condition
	Actions   []Action
}

// NewRules parses a set of rule configs into evaluable Rules.
func NewRules(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		cond, err := ParseCondition(cfg.Condition)
		if err != nil {
			return nil, fmt.Errorf("physics: rule %q: %w", cfg.ID, err)
		}
		actions := make([]Action, 0, len(cfg.Actions))
		for _, a := range cfg.Actions {
			actions = append(actions, Action{DeviceID: a.DeviceID, FunctionName: a.FunctionName, Args: a.Args})
		}
		rules = append(rules, Rule{ID: cfg.ID, Condition: cond, Actions: actions})
	}
	return rules, nil
}

// RuleLogger receives one log line per rule-level failure. Rules never
// raise: every failure is logged and evaluation continues to the next rule
// or action, per spec's log_and_continue policy.
type RuleLogger func(msg string, args ...any)

// EvaluateRules runs every rule in declared order against the current
// signal values, invoking matched actions on devices. It recovers from any
// panic a rule or its actions trigger, logging and moving on, matching
// §4.4.5's log_and_continue contract.
func EvaluateRules(ctx context.Context, rules []Rule, read func(path string) (float64, bool), devices *device.Registry, log RuleLogger) {
	for _, rule := range rules {
		evaluateOneRule(ctx, rule, read, devices, log)
	}
}

func evaluateOneRule(ctx context.Context, rule Rule, read func(path string) (float64, bool), devices *device.Registry, log RuleLogger) {
	defer func() {
		if r := recover(); r != nil {
			log("rule %q panicked, skipping: %v", rule.ID, r)
		}
	}()

	value, ok := read(rule.Condition.ObjectID + "/" + rule.Condition.SignalID)
	if !ok {
		return // missing value: condition is quiet, not an error
	}
	if !rule.Condition.Satisfied(value) {
		return
	}

	for _, action := range rule.Actions {
		runAction(ctx, rule.ID, action, devices, log)
	}
}

func runAction(ctx context.Context, ruleID string, action Action, devices *device.Registry, log RuleLogger) {
	dev, ok := devices.Get(action.DeviceID)
	if !ok {
		log("rule %q: unknown device %q", ruleID, action.DeviceID)
		return
	}
	fnID, ok := dev.FunctionID(action.FunctionName)
	if !ok {
		log("rule %q: device %q has no function %q", ruleID, action.DeviceID, action.FunctionName)
		return
	}

	args := make(map[string]device.Value, len(action.Args))
	for name, raw := range action.Args {
		args[name] = CoerceValue(raw)
	}

	if err := dev.CallFunction(ctx, fnID, args); err != nil {
		log("rule %q: call %s.%s failed: %v", ruleID, action.DeviceID, action.FunctionName, err)
	}
}

// CoerceValue converts a YAML/JSON-decoded arg into the protocol's tagged
// value type, probing bool -> int -> double -> string in that order by
// syntactic shape. Already-typed values (the common case for config-sourced
// rule actions) pass straight through.
func CoerceValue(raw any) device.Value {
	switch v := raw.(type) {
	case bool:
		return device.BoolValue(v)
	case int:
		return device.IntValue(int64(v))
	case int64:
		return device.IntValue(v)
	case float64:
		return device.DoubleValue(v)
	case string:
		return coerceString(v)
	default:
		return device.StringValue(fmt.Sprintf("%v", v))
	}
}

func coerceString(s string) device.Value {
	if b, err := strconv.ParseBool(s); err == nil {
		return device.BoolValue(b)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return device.IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return device.DoubleValue(f)
	}
	return device.StringValue(s)
}
