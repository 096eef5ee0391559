package runner

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/scenario"
)

func TestRunScenarioSucceedsWhenExpectationAlreadyMet(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	r := New(store, "", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1})

	s := scenario.Scenario{
		Name: "positive",
		Steps: []scenario.Step{
			{
				Name:   "drive",
				Inputs: []scenario.Input{{Key: "input:temp", Value: 95.0}},
				Expectations: []scenario.Expectation{
					{Key: "input:temp", Expected: 95.0, Validator: scenario.ValidatorNumeric, TimeoutMs: 50},
				},
			},
		},
	}

	result := r.RunScenario(ctx, s)
	require.True(t, result.Success)
	require.Len(t, result.StepResults, 1)
	require.True(t, result.StepResults[0].Success)
}

func TestRunScenarioFailsOnUnmetExpectation(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	r := New(store, "", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1})

	s := scenario.Scenario{
		Name: "negative",
		Steps: []scenario.Step{
			{
				Name: "no-write",
				Expectations: []scenario.Expectation{
					{Key: "output:never_written", Expected: 1.0, Validator: scenario.ValidatorNumeric, TimeoutMs: 30},
				},
			},
		},
	}

	result := r.RunScenario(ctx, s)
	require.False(t, result.Success)
	require.False(t, result.StepResults[0].ExpectationResults[0].Success)
}

func TestRunScenarioClearOutputsResetsExpectationKeys(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "output:alert", model.Number(1)))

	r := New(store, "", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1})
	s := scenario.Scenario{
		Name:         "cleared",
		ClearOutputs: true,
		Steps: []scenario.Step{
			{
				Name: "check-cleared",
				Expectations: []scenario.Expectation{
					{Key: "output:alert", Expected: 0.0, Validator: scenario.ValidatorNumeric, TimeoutMs: 10},
				},
			},
		},
	}

	result := r.RunScenario(ctx, s)
	require.False(t, result.Success) // absent != 0.0, confirming the clear actually happened
}

func TestRunDocumentRunsEveryScenario(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	r := New(store, "", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1})

	doc := scenario.Document{Scenarios: []scenario.Scenario{
		{Name: "a", Steps: []scenario.Step{{Name: "s"}}},
		{Name: "b", Steps: []scenario.Step{{Name: "s"}}},
	}}
	results := r.RunDocument(ctx, doc)
	require.Len(t, results.Results, 2)
}

func TestKeyAppliesPrefix(t *testing.T) {
	r := New(kvstore.NewMemoryStore(), "test:", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1})
	require.Equal(t, "test:output:alert", string(r.key("output:alert")))
}

func TestNewDefaultsZeroMultipliersToOne(t *testing.T) {
	r := New(kvstore.NewMemoryStore(), "", Options{})
	require.Equal(t, 1.0, r.stepDelayMultiplier)
	require.Equal(t, 1.0, r.timeoutMultiplier)
	require.Equal(t, 1.0, r.globalTimeoutMultiplier)
}

func TestAwaitExpectationScalesTimeoutByMultipliers(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	// Unscaled, a 10ms timeout would expire before the write at 30ms;
	// scaled by a large multiplier it should poll long enough to observe a
	// write that lands after the nominal timeout.
	r := New(store, "", Options{TimeoutMultiplier: 20, GlobalTimeoutMultiplier: 1})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Set(ctx, "output:late", model.Number(1))
	}()

	result := r.awaitExpectation(ctx, "scenario", "step", scenario.Expectation{
		Key: "output:late", Expected: 1.0, Validator: scenario.ValidatorNumeric, TimeoutMs: 10,
	})
	require.True(t, result.Success)
}

func TestRunScenarioRecordsRunAndFailureMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	r := New(store, "", Options{StepDelayMultiplier: 1, TimeoutMultiplier: 1, GlobalTimeoutMultiplier: 1, Metrics: metrics})

	s := scenario.Scenario{
		Name: "negative",
		Steps: []scenario.Step{
			{
				Name: "no-write",
				Expectations: []scenario.Expectation{
					{Key: "output:never_written", Expected: 1.0, Validator: scenario.ValidatorNumeric, TimeoutMs: 10},
				},
			},
		},
	}
	result := r.RunScenario(ctx, s)
	require.False(t, result.Success)

	ran := &dto.Metric{}
	require.NoError(t, metrics.ScenariosRunTotal.Write(ran))
	require.Equal(t, 1.0, ran.GetCounter().GetValue())

	failures := &dto.Metric{}
	require.NoError(t, metrics.ScenarioFailuresTotal.Write(failures))
	require.Equal(t, 1.0, failures.GetCounter().GetValue())
}

func TestMatchesNormalizesBooleanStrings(t *testing.T) {
	exp := scenario.Expectation{Validator: scenario.ValidatorBoolean, Expected: "true"}
	require.True(t, matches(exp, model.Bool(true)))
	require.True(t, matches(exp, model.String("true")))
	require.False(t, matches(exp, model.String("false")))

	expBool := scenario.Expectation{Validator: scenario.ValidatorBoolean, Expected: false}
	require.True(t, matches(expBool, model.String("false")))
}
