package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
	"github.com/aegisshield/sentinel/internal/window"
)

func numLit(f float64) *model.Value {
	v := model.Number(f)
	return &v
}

func buildPlan(t *testing.T) *planner.Plan {
	rule := &model.Rule{
		Name:   "high-temp",
		Inputs: []model.InputSpec{{ID: "input:temp", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondComparison, Sensor: "input:temp", Operator: model.OpGT, Literal: numLit(90),
		},
		Actions: []model.Action{{Kind: model.ActionSetValue, TargetKey: "output:alert", Literal: numLit(1), EmitPolicy: model.EmitAlways}},
	}
	plan, err := planner.Plan(&model.RuleSet{Rules: []*model.Rule{rule}})
	require.NoError(t, err)
	return plan
}

func TestOrchestratorRunsOneCycleAndCommitsWrites(t *testing.T) {
	plan := buildPlan(t)
	store := kvstore.NewMemoryStore()
	windowStore := window.NewStore(10*time.Millisecond, 2)
	ConfigureWindows(plan, windowStore)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "input:temp", model.Number(95)))

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)
	orch := New(plan, store, windowStore, Options{
		Period: 10 * time.Millisecond, OpTimeout: 50 * time.Millisecond, Metrics: metrics,
	})

	require.NoError(t, orch.runCycle(ctx, 0))

	v, err := store.Get(ctx, "output:alert")
	require.NoError(t, err)
	f, ok := v.AsNumber()
	require.True(t, ok)
	require.Equal(t, 1.0, f)
}

func TestConfigureWindowsSizesFromTemporalRules(t *testing.T) {
	rule := &model.Rule{
		Name:   "sustained-high",
		Inputs: []model.InputSpec{{ID: "input:pressure", Fallback: model.PropagateUnavailable}},
		Condition: &model.Condition{
			Kind: model.CondThresholdOverTime, Sensor: "input:pressure",
			Operator: model.OpGT, Threshold: 50, DurationMs: 2000,
		},
	}
	plan, err := planner.Plan(&model.RuleSet{Rules: []*model.Rule{rule}})
	require.NoError(t, err)

	windowStore := window.NewStore(100*time.Millisecond, 2)
	ConfigureWindows(plan, windowStore)

	require.Equal(t, 22, windowStore.Capacity("input:pressure")) // 2000/100 + margin(2)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	plan := buildPlan(t)
	store := kvstore.NewMemoryStore()
	windowStore := window.NewStore(5*time.Millisecond, 2)
	ConfigureWindows(plan, windowStore)

	orch := New(plan, store, windowStore, Options{Period: 5 * time.Millisecond, OpTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop after cancellation")
	}
}
