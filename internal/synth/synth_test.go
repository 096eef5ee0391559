package synth

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
)

func numLit(f float64) *model.Value {
	v := model.Number(f)
	return &v
}

func simpleRule() *model.Rule {
	return &model.Rule{
		Name:   "high-temp",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.UseDefault, DefaultValue: model.Number(0)}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(0), EmitPolicy: model.EmitAlways}},
	}
}

func buildPlan(t *testing.T, rules ...*model.Rule) *planner.Plan {
	plan, err := planner.Plan(&model.RuleSet{Rules: rules})
	require.NoError(t, err)
	return plan
}

func TestSynthesizeProducesPositiveAndNegativeScenarios(t *testing.T) {
	plan := buildPlan(t, simpleRule())
	doc, warnings, err := Synthesize(plan, 100, nil)
	require.NoError(t, err)
	require.Empty(t, warnings)

	var names []string
	for _, s := range doc.Scenarios {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "high-temp/positive")
	require.Contains(t, names, "high-temp/negative")
}

func TestSynthesizePositiveScenarioExpectsTrueAction(t *testing.T) {
	plan := buildPlan(t, simpleRule())
	doc, _, err := Synthesize(plan, 100, nil)
	require.NoError(t, err)

	var positive *struct{}
	_ = positive
	for _, s := range doc.Scenarios {
		if s.Name == "high-temp/positive" {
			require.Len(t, s.Steps, 1)
			require.Len(t, s.Steps[0].Expectations, 1)
			require.Equal(t, "output:alert", s.Steps[0].Expectations[0].Key)
			require.Equal(t, 1.0, s.Steps[0].Expectations[0].Expected)
			return
		}
	}
	t.Fatal("positive scenario not found")
}

func TestSynthesizeDependencyScenarioForDownstreamRule(t *testing.T) {
	producer := &model.Rule{
		Name: "producer",
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:x", Operator: model.OpGT, Literal: numLit(0),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:shared", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
	}
	consumer := &model.Rule{
		Name: "consumer",
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "output:shared", Operator: model.OpGT, Literal: numLit(0),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:derived", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
	}
	plan := buildPlan(t, producer, consumer)

	doc, _, err := Synthesize(plan, 100, nil)
	require.NoError(t, err)

	var found bool
	for _, s := range doc.Scenarios {
		if s.Name == "consumer/dependency" {
			found = true
			require.Len(t, s.Steps, 2)
			require.Equal(t, "drive-producer", s.Steps[0].Name)
			require.Equal(t, "dependent", s.Steps[1].Name)
		}
	}
	require.True(t, found, "expected a dependency scenario for consumer")
}

func TestSynthesizeTemporalScenarioHasFourSteps(t *testing.T) {
	rule := &model.Rule{
		Name:   "sustained-high",
		Inputs: []model.InputSpec{{ID: "input:pressure", Fallback: model.UseDefault, DefaultValue: model.Number(0)}},
		Condition: &model.Condition{
			Kind: model.CondThresholdOverTime, Sensor: "input:pressure",
			Operator: model.OpGT, Threshold: 50, DurationMs: 1000,
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alarm", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alarm", Literal: numLit(0), EmitPolicy: model.EmitAlways}},
	}
	plan := buildPlan(t, rule)

	doc, _, err := Synthesize(plan, 100, nil)
	require.NoError(t, err)

	var found bool
	for _, s := range doc.Scenarios {
		if s.Name == "sustained-high/temporal/input:pressure" {
			found = true
			require.Len(t, s.Steps, 4)
			require.Equal(t, "approach-boundary", s.Steps[0].Name)
			require.Equal(t, "cross-boundary", s.Steps[1].Name)
			require.Equal(t, "interrupt", s.Steps[2].Name)
			require.Equal(t, "reestablish", s.Steps[3].Name)
		}
	}
	require.True(t, found)
}

func TestSynthesizeFallbackScenarioPerDeclaredInput(t *testing.T) {
	plan := buildPlan(t, simpleRule())
	doc, _, err := Synthesize(plan, 100, nil)
	require.NoError(t, err)

	var found bool
	for _, s := range doc.Scenarios {
		if s.Name == "high-temp/fallback/input:temp" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSatisfyingAndViolatingValuesRespectMinDelta(t *testing.T) {
	require.Equal(t, 99.0, satisfyingValue(model.OpGT, 90))
	require.Equal(t, 81.0, violatingValue(model.OpGT, 90))
	require.Equal(t, 5.0, satisfyingValue(model.OpGT, 0)) // MinComparisonDelta floor
}

func TestSynthesizeIncrementsScenariosSynthesizedByFamily(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	plan := buildPlan(t, simpleRule())

	_, _, err := Synthesize(plan, 100, metrics)
	require.NoError(t, err)

	positive := &dto.Metric{}
	require.NoError(t, metrics.ScenariosSynthesizedTotal.WithLabelValues("positive").Write(positive))
	require.Equal(t, 1.0, positive.GetCounter().GetValue())

	negative := &dto.Metric{}
	require.NoError(t, metrics.ScenariosSynthesizedTotal.WithLabelValues("negative").Write(negative))
	require.Equal(t, 1.0, negative.GetCounter().GetValue())
}

func TestCollectRequirementsFindsComparisonAndTemporal(t *testing.T) {
	cond := &model.Condition{
		Kind: model.CondGroup,
		All: []*model.Condition{
			{Kind: model.CondComparison, Sensor: "input:a", Operator: model.OpGT, Literal: numLit(10)},
			{Kind: model.CondThresholdOverTime, Sensor: "input:b", Operator: model.OpLT, Threshold: 5, DurationMs: 2000},
		},
	}
	reqs := collectRequirements(cond)
	require.Len(t, reqs, 2)
}
