package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/model"
)

func numLit(f float64) *model.Value {
	v := model.Number(f)
	return &v
}

func comparisonRule(name string, sensor model.Key, target model.Key) *model.Rule {
	return &model.Rule{
		Name: name,
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: sensor, Operator: model.OpGT, Literal: numLit(1),
		},
		Actions: []model.Action{
			{Kind: model.ActionSetValue, TargetKey: target, Literal: numLit(1)},
		},
	}
}

func TestPlanLayersIndependentRules(t *testing.T) {
	ruleSet := &model.RuleSet{Rules: []*model.Rule{
		comparisonRule("a", "input:x", "output:a"),
		comparisonRule("b", "input:y", "output:b"),
	}}

	plan, err := Plan(ruleSet)
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.ElementsMatch(t, []int{0, 1}, plan.Layers[0])
}

func TestPlanOrdersDependentRulesIntoSeparateLayers(t *testing.T) {
	producer := comparisonRule("producer", "input:x", "output:shared")
	consumer := comparisonRule("consumer", "output:shared", "output:derived")

	plan, err := Plan(&model.RuleSet{Rules: []*model.Rule{consumer, producer}})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, []int{1}, plan.Layers[0]) // producer is index 1
	require.Equal(t, []int{0}, plan.Layers[1]) // consumer is index 0
}

func TestPlanDetectsCyclicDependency(t *testing.T) {
	a := comparisonRule("a", "output:b", "output:a")
	b := comparisonRule("b", "output:a", "output:b")

	_, err := Plan(&model.RuleSet{Rules: []*model.Rule{a, b}})
	require.Error(t, err)
}

func TestPlanRejectsDuplicateProducersWithoutMutualExclusion(t *testing.T) {
	a := comparisonRule("a", "input:x", "output:shared")
	b := comparisonRule("b", "input:y", "output:shared")

	_, err := Plan(&model.RuleSet{Rules: []*model.Rule{a, b}})
	require.Error(t, err)
}

func TestPlanAllowsThenElseProducingSameOutput(t *testing.T) {
	rule := &model.Rule{
		Name: "branching",
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:x", Operator: model.OpGT, Literal: numLit(1),
		},
		Actions:     []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:shared", Literal: numLit(1)}},
		ElseActions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:shared", Literal: numLit(0)}},
	}

	plan, err := Plan(&model.RuleSet{Rules: []*model.Rule{rule}})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
}
