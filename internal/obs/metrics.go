package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cycle-loop and synthesis counters a running Engine or
// Tester exports. Grounded on internal/metrics/collector.go's
// promauto.New*Vec idiom, narrowed to the cycle/rule/scenario domain.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CycleOverrunTotal prometheus.Counter
	CycleDuration     prometheus.Histogram

	RuleEvaluationsTotal  *prometheus.CounterVec
	RuleSkippedTotal      *prometheus.CounterVec
	RuleDiagnosticsTotal  *prometheus.CounterVec
	RuleExecutionDuration *prometheus.HistogramVec

	ScenariosSynthesizedTotal *prometheus.CounterVec
	ScenariosRunTotal         prometheus.Counter
	ScenarioFailuresTotal     prometheus.Counter
}

// NewMetrics registers every collector against reg. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cycles_total", Help: "Cycle loop iterations completed.",
		}),
		CycleOverrunTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cycle_overrun_total", Help: "Cycles whose wall time exceeded the configured period.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "sentinel_cycle_duration_seconds", Help: "Wall-clock duration of one cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		RuleEvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rule_evaluations_total", Help: "Rule evaluations by rule name and outcome.",
		}, []string{"rule", "outcome"}),
		RuleSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rule_skipped_total", Help: "Rule evaluations skipped due to a skip_rule fallback.",
		}, []string{"rule"}),
		RuleDiagnosticsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rule_diagnostics_total", Help: "Expression/store diagnostics emitted during rule evaluation.",
		}, []string{"rule", "kind"}),
		RuleExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sentinel_rule_execution_duration_seconds", Help: "Per-rule evaluation duration; sum/count gives the running average.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
		ScenariosSynthesizedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_scenarios_synthesized_total", Help: "Scenarios synthesized by family.",
		}, []string{"family"}),
		ScenariosRunTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scenarios_run_total", Help: "Scenarios executed by the runner.",
		}),
		ScenarioFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scenario_failures_total", Help: "Scenario expectation failures.",
		}),
	}
}

// ObserveCycle records one cycle's duration and overrun status.
func (m *Metrics) ObserveCycle(d time.Duration, overrun bool) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
	if overrun {
		m.CycleOverrunTotal.Inc()
	}
}

// ObserveRuleEvaluation records one rule's evaluation outcome and duration:
// evaluation count and match count via RuleEvaluationsTotal's outcome
// label, and average execution time via RuleExecutionDuration (error count
// is already covered by RuleDiagnosticsTotal, incremented per diagnostic by
// the caller).
func (m *Metrics) ObserveRuleEvaluation(ruleName string, matched bool, d time.Duration) {
	outcome := "not_matched"
	if matched {
		outcome = "matched"
	}
	m.RuleEvaluationsTotal.WithLabelValues(ruleName, outcome).Inc()
	m.RuleExecutionDuration.WithLabelValues(ruleName).Observe(d.Seconds())
}
