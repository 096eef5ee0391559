package ruleeval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/analyzer"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/window"
)

func numLit(f float64) *model.Value {
	v := model.Number(f)
	return &v
}

func mustAnalyze(t *testing.T, r *model.Rule) *analyzer.Analysis {
	a, err := analyzer.Analyze(r)
	require.NoError(t, err)
	return a
}

func TestEvaluateDispatchesThenActionsOnTrue(t *testing.T) {
	rule := &model.Rule{
		Name:   "high-temp",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(0), EmitPolicy: model.EmitAlways}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	result := Evaluate(rule, analysis, map[model.Key]model.Value{"input:temp": model.Number(95)}, nil, store, 0, state)
	require.False(t, result.Skipped)
	require.Equal(t, model.Number(1), result.Writes["output:alert"])
}

func TestEvaluateDispatchesElseActionsOnFalse(t *testing.T) {
	rule := &model.Rule{
		Name:   "high-temp",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(0), EmitPolicy: model.EmitAlways}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	result := Evaluate(rule, analysis, map[model.Key]model.Value{"input:temp": model.Number(10)}, nil, store, 0, state)
	require.Equal(t, model.Number(0), result.Writes["output:alert"])
}

func TestEvaluateSkipsRuleOnSkipRuleFallback(t *testing.T) {
	rule := &model.Rule{
		Name:   "skip-me",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.SkipRule}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1)}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	result := Evaluate(rule, analysis, map[model.Key]model.Value{}, nil, store, 0, state)
	require.True(t, result.Skipped)
	require.Empty(t, result.Writes)
}

func TestEvaluateUseDefaultFallback(t *testing.T) {
	rule := &model.Rule{
		Name:   "defaulted",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.UseDefault, DefaultValue: model.Number(0)}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1)}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(0)}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	result := Evaluate(rule, analysis, map[model.Key]model.Value{}, nil, store, 0, state)
	require.Equal(t, model.Number(0), result.Writes["output:alert"])
}

func TestEvaluateUseLastKnownWithinMaxAge(t *testing.T) {
	rule := &model.Rule{
		Name:   "stale-ok",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.UseLastKnown, MaxAge: 5000}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1)}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	store.Configure("input:temp", time.Second)
	store.Append("input:temp", model.Number(95), 0, time.Time{})
	state := NewRuleState()

	result := Evaluate(rule, analysis, map[model.Key]model.Value{}, nil, store, 2*time.Second, state)
	require.Equal(t, model.Number(1), result.Writes["output:alert"])
}

func TestEvaluateEmitOnChangeSuppressesRepeatedBufferWrite(t *testing.T) {
	rule := &model.Rule{
		Name:   "buffered",
		Inputs: []model.InputSpec{{ID: "input:x", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:x", Operator: model.OpGT, Literal: numLit(0),
		},
		Actions: []model.Action{{Kind: model.ActionBufferAppend, TargetKey: "buffer:log", Literal: numLit(1), EmitPolicy: model.EmitOnChange}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	first := Evaluate(rule, analysis, map[model.Key]model.Value{"input:x": model.Number(1)}, nil, store, 0, state)
	require.Contains(t, first.Writes, model.Key("buffer:log"))

	second := Evaluate(rule, analysis, map[model.Key]model.Value{"input:x": model.Number(1)}, nil, store, 0, state)
	require.NotContains(t, second.Writes, model.Key("buffer:log"))
}

func TestEvaluateOutputsSoFarTakesPrecedenceOverSnapshot(t *testing.T) {
	rule := &model.Rule{
		Name:   "downstream",
		Inputs: []model.InputSpec{{ID: "output:upstream", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "output:upstream", Operator: model.OpGT, Literal: numLit(0),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:downstream", Literal: numLit(1)}},
	}
	analysis := mustAnalyze(t, rule)
	store := window.NewStore(100*time.Millisecond, 2)
	state := NewRuleState()

	result := Evaluate(rule, analysis,
		map[model.Key]model.Value{"output:upstream": model.Number(-5)},
		map[model.Key]model.Value{"output:upstream": model.Number(5)},
		store, 0, state)
	require.Equal(t, model.Number(1), result.Writes["output:downstream"])
}
