// Package analyzer implements the Condition Analyzer (C2): it walks a
// rule's condition tree and extracts the sensors it references, which
// outputs it produces, whether it uses a temporal operator, and a
// per-sensor occurrence count used by the Scenario Synthesizer (§4.8) to
// decide how many distinct value-generation sites a sensor needs.
//
// Grounded on internal/engine/rule_engine.go's createEvaluationEnvironment
// (which enumerates the sensors a rule's expressions touch) generalized
// into a standalone, cacheable analysis pass with the Design Notes' shared
// model.Walk traversal instead of re-deriving the walk per component.
package analyzer

import (
	"fmt"

	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/model"
)

// Analysis is the result of analyzing one rule's condition tree.
type Analysis struct {
	ReferencedSensors map[model.Key]struct{}
	ProducedOutputs   map[model.Key]struct{}
	HasTemporal       bool
	// PerSensorConditions records, for each referenced sensor, every
	// condition node that mentions it — a sensor may appear in multiple
	// sub-conditions and each occurrence is recorded separately (§4.1).
	PerSensorConditions map[model.Key][]*model.Condition
}

// Analyze walks rule's condition tree (and its actions, for produced
// outputs) and returns the extracted metadata. It returns a MalformedRule
// ConfigurationError when a Group contains neither All nor Any. Operators
// are not checked here; internal/ruledoc rejects unrecognized ones.
func Analyze(rule *model.Rule) (*Analysis, error) {
	a := &Analysis{
		ReferencedSensors:   make(map[model.Key]struct{}),
		ProducedOutputs:     make(map[model.Key]struct{}),
		PerSensorConditions: make(map[model.Key][]*model.Condition),
	}

	if rule.Condition != nil {
		var walkErr error
		model.Walk(rule.Condition, func(c *model.Condition) {
			if walkErr != nil {
				return
			}
			switch c.Kind {
			case model.CondComparison:
				a.record(c.Sensor, c)
				if c.Expression != nil {
					a.recordExpr(c.Expression)
				}
			case model.CondThresholdOverTime:
				a.record(c.Sensor, c)
				a.HasTemporal = true
			case model.CondExpression:
				a.recordExpr(c.Expr)
			case model.CondGroup:
				if len(c.All) == 0 && len(c.Any) == 0 {
					walkErr = errs.NewConfigurationError(
						fmt.Sprintf("rule %q: malformed group condition: neither all nor any present", rule.Name), nil)
				}
			}
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	for _, act := range rule.Actions {
		a.recordAction(act)
	}
	for _, act := range rule.ElseActions {
		a.recordAction(act)
	}

	return a, nil
}

func (a *Analysis) record(sensor model.Key, c *model.Condition) {
	if sensor == "" {
		return
	}
	a.ReferencedSensors[sensor] = struct{}{}
	a.PerSensorConditions[sensor] = append(a.PerSensorConditions[sensor], c)
}

func (a *Analysis) recordExpr(n *model.ExprNode) {
	model.WalkExpr(n, func(e *model.ExprNode) {
		if e.Kind == model.ExprSensorRef {
			a.ReferencedSensors[e.Sensor] = struct{}{}
		}
	})
}

func (a *Analysis) recordAction(act model.Action) {
	switch act.Kind {
	case model.ActionSetValue:
		a.ProducedOutputs[act.TargetKey] = struct{}{}
		if act.ValueExpr != nil {
			a.recordExpr(act.ValueExpr)
		}
	case model.ActionBufferAppend:
		a.ProducedOutputs[act.TargetKey] = struct{}{}
		if act.ValueExpr != nil {
			a.recordExpr(act.ValueExpr)
		}
	case model.ActionLog:
		if act.Template != nil {
			a.recordExpr(act.Template)
		}
	}
}

// MaxDurationMs returns the largest ThresholdOverTime duration referencing
// sensor across this analysis, or 0 if sensor has no temporal use. Used by
// the Window Store to size its ring buffer (§4.4, §9).
func (a *Analysis) MaxDurationMs(sensor model.Key) int64 {
	var max int64
	for _, c := range a.PerSensorConditions[sensor] {
		if c.Kind == model.CondThresholdOverTime && c.DurationMs > max {
			max = c.DurationMs
		}
	}
	return max
}
