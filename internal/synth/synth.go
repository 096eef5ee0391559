// Package synth implements the Scenario Synthesizer (C8): a pure
// derivation, given (rules, cycle period), of positive, negative,
// dependency, temporal, and fallback test scenarios from rule ASTs
// (§4.8).
//
// Grounded on internal/engine/rule_engine.go's EvaluationPool (its worker
// pool for concurrent rule compilation becomes this package's concurrent
// per-rule scenario generation, fanned out with golang.org/x/sync/errgroup)
// and on the Design Notes' "scenario synthesis determinism" note: named
// constants replace the source's magic numbers so regenerated scenarios
// are stable. google/uuid seeds Scenario/Step IDs — deterministic given a
// fixed input is not required for IDs themselves, only for the scenario
// content, so random IDs do not violate §9's determinism note.
package synth

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/aegisshield/sentinel/internal/analyzer"
	"github.com/aegisshield/sentinel/internal/evalexpr"
	"github.com/aegisshield/sentinel/internal/kleene"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
	"github.com/aegisshield/sentinel/internal/scenario"
)

// Named constants replacing the source's magic numbers (§9).
const (
	// MinComparisonDelta and ComparisonDeltaRatio implement §4.8's value
	// selection rule: for threshold T with operator >, use T + max(5, 0.1*|T|).
	MinComparisonDelta  = 5.0
	ComparisonDeltaRatio = 0.1

	// NeutralNumericValue fills any sensor the current rule places no
	// requirement on, per §4.8's "neutral numeric value" fallback.
	NeutralNumericValue = 1.0

	// TemporalBoundaryMarginCycles controls how many cycle periods before/
	// after a ThresholdOverTime duration the temporal family samples.
	TemporalBoundaryMarginCycles = 1

	// DefaultExpectationTimeoutCycles bounds how long the runner polls an
	// expectation before giving up, expressed in cycle periods.
	DefaultExpectationTimeoutCycles = 5
)

// Warning records a SynthesisWarning (§7): the synthesizer could not infer
// a consistent value and fell back to a neutral default.
type Warning struct {
	RuleName string
	Reason   string
}

// Synthesize derives a scenario document for every rule in the plan. metrics
// may be nil (e.g. in tests); when non-nil, ScenariosSynthesizedTotal is
// incremented per scenario family as each rule's scenarios are built.
func Synthesize(plan *planner.Plan, cyclePeriodMs int64, metrics *obs.Metrics) (scenario.Document, []Warning, error) {
	universe := sensorUniverse(plan.Rules)
	producer := producerMap(plan.Rules)

	type perRule struct {
		scenarios []scenario.Scenario
		warnings  []Warning
	}
	results := make([]perRule, len(plan.Rules))

	g := new(errgroup.Group)
	for i := range plan.Rules {
		i := i
		g.Go(func() error {
			rule := plan.Rules[i]
			analysis := plan.Analyses[i]
			gen := &generator{
				rule: rule, analysis: analysis, universe: universe,
				producer: producer, rules: plan.Rules, cyclePeriodMs: cyclePeriodMs,
				metrics: metrics,
			}
			scns, warns, err := gen.generate()
			if err != nil {
				return fmt.Errorf("synthesizing scenarios for rule %q: %w", rule.Name, err)
			}
			results[i] = perRule{scenarios: scns, warnings: warns}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scenario.Document{}, nil, err
	}

	var doc scenario.Document
	var warnings []Warning
	for _, r := range results {
		doc.Scenarios = append(doc.Scenarios, r.scenarios...)
		warnings = append(warnings, r.warnings...)
	}
	return doc, warnings, nil
}

func sensorUniverse(rules []*model.Rule) map[model.Key]struct{} {
	universe := make(map[model.Key]struct{})
	for _, r := range rules {
		a, err := analyzer.Analyze(r)
		if err != nil {
			continue
		}
		for s := range a.ReferencedSensors {
			universe[s] = struct{}{}
		}
	}
	return universe
}

// producerMap returns, for every output: or buffer: key, the index of the
// rule that produces it (a later rule overwrites an earlier one; §3's uniqueness invariant
// means there is at most one, enforced already by the planner).
func producerMap(rules []*model.Rule) map[model.Key]int {
	m := make(map[model.Key]int)
	for i, r := range rules {
		for _, act := range r.Actions {
			if act.Kind == model.ActionSetValue || act.Kind == model.ActionBufferAppend {
				m[act.TargetKey] = i
			}
		}
		for _, act := range r.ElseActions {
			if act.Kind == model.ActionSetValue || act.Kind == model.ActionBufferAppend {
				m[act.TargetKey] = i
			}
		}
	}
	return m
}

// requirement is one leaf comparison a condition tree imposes on a sensor.
type requirement struct {
	sensor     model.Key
	op         model.Operator
	threshold  float64
	isTemporal bool
	durationMs int64
}

type generator struct {
	rule          *model.Rule
	analysis      *analyzer.Analysis
	universe      map[model.Key]struct{}
	producer      map[model.Key]int
	rules         []*model.Rule
	cyclePeriodMs int64
	warnings      []Warning
	metrics       *obs.Metrics
}

func (g *generator) generate() ([]scenario.Scenario, []Warning, error) {
	var out []scenario.Scenario

	reqs := collectRequirements(g.rule.Condition)

	if s, ok := g.buildPositive(reqs); ok {
		out = append(out, s)
		g.countSynthesized("positive")
	}
	if s, ok := g.buildNegative(reqs); ok {
		out = append(out, s)
		g.countSynthesized("negative")
	}
	if s, ok := g.buildDependency(reqs); ok {
		out = append(out, s)
		g.countSynthesized("dependency")
	}
	if g.analysis.HasTemporal {
		temporal := g.buildTemporal(reqs)
		out = append(out, temporal...)
		for range temporal {
			g.countSynthesized("temporal")
		}
	}
	fallbacks := g.buildFallbacks(reqs)
	out = append(out, fallbacks...)
	for range fallbacks {
		g.countSynthesized("fallback")
	}

	return out, g.warnings, nil
}

func (g *generator) countSynthesized(family string) {
	if g.metrics != nil {
		g.metrics.ScenariosSynthesizedTotal.WithLabelValues(family).Inc()
	}
}

// collectRequirements walks a condition tree collecting every Comparison
// (with a numeric literal) and ThresholdOverTime leaf (§4.1's per-sensor
// occurrence tracking, reused here for value selection).
func collectRequirements(c *model.Condition) []requirement {
	var reqs []requirement
	model.Walk(c, func(n *model.Condition) {
		switch n.Kind {
		case model.CondComparison:
			if n.Literal != nil {
				if f, ok := n.Literal.AsNumber(); ok {
					reqs = append(reqs, requirement{sensor: n.Sensor, op: n.Operator, threshold: f})
				}
			}
		case model.CondThresholdOverTime:
			reqs = append(reqs, requirement{
				sensor: n.Sensor, op: n.Operator, threshold: n.Threshold,
				isTemporal: true, durationMs: n.DurationMs,
			})
		}
	})
	return reqs
}

// satisfyingValue and violatingValue implement §4.8's value-selection
// formula: T+max(MinComparisonDelta, ComparisonDeltaRatio*|T|) for >/>=,
// symmetrically for </<=. == is satisfied by T exactly and violated by
// T+delta; != is satisfied by T+delta and violated by T exactly.
func satisfyingValue(op model.Operator, t float64) float64 {
	delta := math.Max(MinComparisonDelta, ComparisonDeltaRatio*math.Abs(t))
	switch op {
	case model.OpGT, model.OpGTE:
		return t + delta
	case model.OpLT, model.OpLTE:
		return t - delta
	case model.OpEQ:
		return t
	case model.OpNEQ:
		return t + delta
	}
	return t
}

func violatingValue(op model.Operator, t float64) float64 {
	delta := math.Max(MinComparisonDelta, ComparisonDeltaRatio*math.Abs(t))
	switch op {
	case model.OpGT, model.OpGTE:
		return t - delta
	case model.OpLT, model.OpLTE:
		return t + delta
	case model.OpEQ:
		return t + delta
	case model.OpNEQ:
		return t
	}
	return t
}

// baseAssignment fills every sensor in the universe with a neutral value,
// preferring a rule's own declared input default when one exists.
func (g *generator) baseAssignment() map[model.Key]model.Value {
	assignment := make(map[model.Key]model.Value, len(g.universe))
	for s := range g.universe {
		assignment[s] = model.Number(NeutralNumericValue)
	}
	for _, in := range g.rule.Inputs {
		if in.Fallback == model.UseDefault {
			assignment[in.ID] = in.DefaultValue
		}
	}
	return assignment
}

func applyRequirements(assignment map[model.Key]model.Value, reqs []requirement, satisfy bool) {
	for _, r := range reqs {
		if r.isTemporal {
			continue // temporal requirements are driven step-by-step, not via a single assignment
		}
		var v float64
		if satisfy {
			v = satisfyingValue(r.op, r.threshold)
		} else {
			v = violatingValue(r.op, r.threshold)
		}
		assignment[r.sensor] = model.Number(v)
	}
}

func (g *generator) expectationsFor(actions []model.Action, ctx evalexpr.Context) []scenario.Expectation {
	var exps []scenario.Expectation
	for _, act := range actions {
		if act.Kind != model.ActionSetValue && act.Kind != model.ActionBufferAppend {
			continue
		}
		diag := &evalexpr.Diagnostics{}
		var v model.Value
		if act.ValueExpr != nil {
			v = evalexpr.EvaluateValue(ctx, act.ValueExpr, diag)
		} else if act.Literal != nil {
			v = *act.Literal
		}
		if v.IsAbsent() {
			g.warnings = append(g.warnings, Warning{RuleName: g.rule.Name, Reason: fmt.Sprintf("could not infer an expected value for %q", act.TargetKey)})
			continue
		}
		exps = append(exps, scenario.Expectation{
			Key:       string(act.TargetKey),
			Expected:  jsonValue(v),
			Validator: validatorFor(v),
			TimeoutMs: DefaultExpectationTimeoutCycles * g.cyclePeriodMs,
			Tolerance: toleranceFor(v, g.cyclePeriodMs),
		})
	}
	return exps
}

func jsonValue(v model.Value) interface{} {
	switch v.Kind() {
	case model.KindNumber:
		f, _ := v.AsNumber()
		return f
	case model.KindBool:
		b, _ := v.AsBool()
		return b
	case model.KindString:
		s, _ := v.AsString()
		return s
	}
	return nil
}

func validatorFor(v model.Value) scenario.Validator {
	switch v.Kind() {
	case model.KindBool:
		return scenario.ValidatorBoolean
	case model.KindNumber:
		return scenario.ValidatorNumeric
	default:
		return scenario.ValidatorString
	}
}

// toleranceFor returns 0 for every value, numeric or not: the synthesizer
// has no signal marking a numeric output as time-valued, so no output gets
// a one-cycle tolerance and cyclePeriodMs is unused.
func toleranceFor(v model.Value, cyclePeriodMs int64) float64 {
	if v.Kind() != model.KindNumber {
		return 0
	}
	return 0
}

func inputsFrom(assignment map[model.Key]model.Value, omit model.Key) []scenario.Input {
	inputs := make([]scenario.Input, 0, len(assignment))
	for k, v := range assignment {
		if !k.IsInput() || k == omit {
			continue
		}
		inputs = append(inputs, scenario.Input{Key: string(k), Value: jsonValue(v)})
	}
	return inputs
}

func (g *generator) buildPositive(reqs []requirement) (scenario.Scenario, bool) {
	assignment := g.baseAssignment()
	applyRequirements(assignment, reqs, true)
	ctx := evalexpr.Context(assignment)

	step := scenario.Step{
		ID:     uuid.NewString(),
		Name:   "positive",
		Inputs: inputsFrom(assignment, ""),
		DelayMs: g.cyclePeriodMs,
		Expectations: g.expectationsFor(g.rule.Actions, ctx),
	}
	return scenario.Scenario{
		ID: uuid.NewString(), Name: g.rule.Name + "/positive",
		Description: "inputs chosen to satisfy every condition",
		Steps:       []scenario.Step{step},
	}, true
}

func (g *generator) buildNegative(reqs []requirement) (scenario.Scenario, bool) {
	assignment := g.baseAssignment()
	applyRequirements(assignment, reqs, false)

	step := scenario.Step{
		ID:      uuid.NewString(),
		Name:    "negative",
		Inputs:  inputsFrom(assignment, ""),
		DelayMs: g.cyclePeriodMs,
		// no expectations: latching semantics are not assumed (§4.8).
	}
	return scenario.Scenario{
		ID: uuid.NewString(), Name: g.rule.Name + "/negative",
		Description: "inputs chosen to violate every condition",
		Steps:       []scenario.Step{step},
	}, true
}

func (g *generator) buildDependency(reqs []requirement) (scenario.Scenario, bool) {
	var producerRuleIdx = -1
	var depKey model.Key
	for sensor := range g.analysis.ReferencedSensors {
		if !sensor.IsOutput() {
			continue
		}
		if idx, ok := g.producer[sensor]; ok {
			producerRuleIdx = idx
			depKey = sensor
			break
		}
	}
	if producerRuleIdx < 0 {
		return scenario.Scenario{}, false
	}

	producerRule := g.rules[producerRuleIdx]
	producerReqs := collectRequirements(producerRule.Condition)
	producerAssignment := make(map[model.Key]model.Value, len(g.universe))
	for s := range g.universe {
		producerAssignment[s] = model.Number(NeutralNumericValue)
	}
	applyRequirements(producerAssignment, producerReqs, true)
	producerCtx := evalexpr.Context(producerAssignment)

	step1 := scenario.Step{
		ID: uuid.NewString(), Name: "drive-producer",
		Inputs:  inputsFrom(producerAssignment, ""),
		DelayMs: g.cyclePeriodMs,
		Expectations: g.expectationsForRule(producerRule, producerCtx),
	}

	assignment := g.baseAssignment()
	applyRequirements(assignment, reqs, true)
	ctx := evalexpr.Context(assignment)
	step2 := scenario.Step{
		ID: uuid.NewString(), Name: "dependent",
		Inputs:  inputsFrom(assignment, depKey),
		DelayMs: g.cyclePeriodMs,
		Expectations: g.expectationsFor(g.rule.Actions, ctx),
	}

	return scenario.Scenario{
		ID: uuid.NewString(), Name: g.rule.Name + "/dependency",
		Description: fmt.Sprintf("drives producer rule %q for %q before exercising the dependent rule", producerRule.Name, depKey),
		Steps:       []scenario.Step{step1, step2},
	}, true
}

func (g *generator) expectationsForRule(rule *model.Rule, ctx evalexpr.Context) []scenario.Expectation {
	saved := g.rule
	g.rule = rule
	defer func() { g.rule = saved }()
	return g.expectationsFor(rule.Actions, ctx)
}

// buildTemporal exercises establishment, duration-boundary crossing,
// interruption, and re-establishment for each ThresholdOverTime
// requirement (§4.8). No step leaves the sensor unavailable.
func (g *generator) buildTemporal(reqs []requirement) []scenario.Scenario {
	var out []scenario.Scenario
	for _, r := range reqs {
		if !r.isTemporal {
			continue
		}
		out = append(out, g.buildTemporalFor(r))
	}
	return out
}

func (g *generator) buildTemporalFor(r requirement) scenario.Scenario {
	satisfy := satisfyingValue(r.op, r.threshold)
	violate := violatingValue(r.op, r.threshold)
	margin := TemporalBoundaryMarginCycles * g.cyclePeriodMs

	base := g.baseAssignment()
	satisfyCtx := func() evalexpr.Context {
		a := copyAssignment(base)
		a[r.sensor] = model.Number(satisfy)
		return evalexpr.Context(a)
	}()

	steps := []scenario.Step{
		{
			ID: uuid.NewString(), Name: "approach-boundary",
			Inputs:  inputValuesAt(base, r.sensor, satisfy),
			DelayMs: r.durationMs - margin,
			// no expectations yet: establishment has not completed.
		},
		{
			ID: uuid.NewString(), Name: "cross-boundary",
			Inputs:       inputValuesAt(base, r.sensor, satisfy),
			DelayMs:      margin,
			Expectations: g.expectationsFor(g.rule.Actions, satisfyCtx),
		},
		{
			ID: uuid.NewString(), Name: "interrupt",
			Inputs:       inputValuesAt(base, r.sensor, violate),
			DelayMs:      g.cyclePeriodMs,
			Expectations: g.expectationsFor(g.rule.ElseActions, evalexpr.Context(copyAssignmentWith(base, r.sensor, model.Number(violate)))),
		},
		{
			ID: uuid.NewString(), Name: "reestablish",
			Inputs:       inputValuesAt(base, r.sensor, satisfy),
			DelayMs:      r.durationMs + margin,
			Expectations: g.expectationsFor(g.rule.Actions, satisfyCtx),
		},
	}

	return scenario.Scenario{
		ID: uuid.NewString(), Name: fmt.Sprintf("%s/temporal/%s", g.rule.Name, r.sensor),
		Description: "exercises establishment, duration-boundary crossing, interruption, and re-establishment",
		Steps:       steps,
	}
}

func copyAssignment(a map[model.Key]model.Value) map[model.Key]model.Value {
	out := make(map[model.Key]model.Value, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func copyAssignmentWith(a map[model.Key]model.Value, key model.Key, v model.Value) map[model.Key]model.Value {
	out := copyAssignment(a)
	out[key] = v
	return out
}

func inputValuesAt(base map[model.Key]model.Value, sensor model.Key, value float64) []scenario.Input {
	a := copyAssignmentWith(base, sensor, model.Number(value))
	return inputsFrom(a, "")
}

// fallbackName returns the document spelling of a fallback strategy.
func fallbackName(f model.FallbackStrategy) string {
	switch f {
	case model.UseDefault:
		return "use_default"
	case model.PropagateUnavailable:
		return "propagate_unavailable"
	case model.UseLastKnown:
		return "use_last_known"
	case model.SkipRule:
		return "skip_rule"
	}
	return "unknown"
}

// buildFallbacks synthesizes one scenario per declared input omitting
// that input and asserting its fallback strategy's outcome (§4.8).
func (g *generator) buildFallbacks(reqs []requirement) []scenario.Scenario {
	var out []scenario.Scenario
	for _, in := range g.rule.Inputs {
		out = append(out, g.buildFallbackFor(in, reqs))
	}
	return out
}

func (g *generator) buildFallbackFor(in model.InputSpec, reqs []requirement) scenario.Scenario {
	assignment := g.baseAssignment()
	applyRequirements(assignment, reqs, true)

	resolved := copyAssignment(assignment)
	switch in.Fallback {
	case model.UseDefault:
		resolved[in.ID] = in.DefaultValue
	case model.PropagateUnavailable, model.SkipRule:
		resolved[in.ID] = model.AbsentValue
	case model.UseLastKnown:
		resolved[in.ID] = assignment[in.ID] // the value seeded in a prior cycle
	}
	ctx := evalexpr.Context(resolved)

	diag := &evalexpr.Diagnostics{}
	k := evalexpr.EvaluateCondition(ctx, g.rule.Condition, nil, diag)

	var expectations []scenario.Expectation
	description := fmt.Sprintf("omits input %q and asserts the %s fallback outcome", in.ID, fallbackName(in.Fallback))
	if in.Fallback != model.SkipRule {
		chosen := g.rule.ElseActions
		if k == kleene.True {
			chosen = g.rule.Actions
		}
		expectations = g.expectationsFor(chosen, ctx)
	}

	var steps []scenario.Step
	if in.Fallback == model.UseLastKnown {
		steps = append(steps, scenario.Step{
			ID: uuid.NewString(), Name: "seed-last-known",
			Inputs:  inputsFrom(assignment, ""),
			DelayMs: g.cyclePeriodMs,
		})
	}
	steps = append(steps, scenario.Step{
		ID: uuid.NewString(), Name: "omit-input",
		Inputs:       inputsFrom(assignment, in.ID),
		DelayMs:      g.cyclePeriodMs,
		Expectations: expectations,
	})

	return scenario.Scenario{
		ID: uuid.NewString(), Name: fmt.Sprintf("%s/fallback/%s", g.rule.Name, in.ID),
		Description: description,
		Steps:       steps,
	}
}
