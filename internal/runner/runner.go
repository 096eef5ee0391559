// Package runner implements the Scenario Runner (C9): it executes a
// scenario document against a running key/value store, writing each
// step's inputs, waiting out its delay, then polling every expectation
// until it matches or its timeout elapses (§4.9).
//
// Grounded on internal/notification/clients.go's retry/backoff dispatch
// idiom (kept here as the expectation-polling loop's shape: attempt,
// sleep, attempt again, bounded by a timeout) and on
// internal/scheduler/scheduler.go's cooperative-cancellation discipline
// for honoring ctx between steps.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/scenario"
)

// PollInterval is how often a pending expectation is re-checked against
// the store. §4.9 leaves the polling cadence unspecified; a fraction of
// the default cycle period keeps latency low without hammering the store.
const PollInterval = 10 * time.Millisecond

// Runner executes scenario documents against store.
type Runner struct {
	store     kvstore.Store
	keyPrefix string

	stepDelayMultiplier     float64
	timeoutMultiplier       float64
	globalTimeoutMultiplier float64

	logger  *slog.Logger
	metrics *obs.Metrics
}

// Options configures a Runner. The three multipliers implement §6's
// Configuration contract (step delay multiplier, timeout multiplier, global
// timeout multiplier) so a scenario document recorded against one cycle
// period still runs correctly against an Engine configured with another. A
// zero multiplier is treated as 1 (unscaled), so the zero value of Options
// is usable as-is.
type Options struct {
	StepDelayMultiplier     float64
	TimeoutMultiplier       float64
	GlobalTimeoutMultiplier float64
	Logger                  *slog.Logger
	Metrics                 *obs.Metrics
}

func New(store kvstore.Store, keyPrefix string, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		keyPrefix: keyPrefix,

		stepDelayMultiplier:     orOne(opts.StepDelayMultiplier),
		timeoutMultiplier:       orOne(opts.TimeoutMultiplier),
		globalTimeoutMultiplier: orOne(opts.GlobalTimeoutMultiplier),

		logger:  logger,
		metrics: opts.Metrics,
	}
}

func orOne(m float64) float64 {
	if m == 0 {
		return 1
	}
	return m
}

// RunDocument executes every scenario in doc sequentially (scenarios may
// share store state, so running them concurrently would make one
// scenario's fallback/window timing interfere with another's).
func (r *Runner) RunDocument(ctx context.Context, doc scenario.Document) scenario.ResultDocument {
	var results []scenario.Result
	for _, s := range doc.Scenarios {
		results = append(results, r.RunScenario(ctx, s))
	}
	return scenario.ResultDocument{Results: results}
}

// RunScenario executes one scenario: clears/pre-sets output state, then
// runs each step to completion even if an earlier step failed, so the
// report enumerates every failure rather than stopping at the first.
func (r *Runner) RunScenario(ctx context.Context, s scenario.Scenario) scenario.Result {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.ScenariosRunTotal.Inc()
	}
	result := scenario.Result{Name: s.Name}

	if s.ClearOutputs {
		if err := r.clearOutputs(ctx, s); err != nil {
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("clearing outputs: %v", err)
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
	}
	if err := r.preSetOutputs(ctx, s); err != nil {
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("pre-setting outputs: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	success := true
	for _, step := range s.Steps {
		select {
		case <-ctx.Done():
			result.ErrorMessage = ctx.Err().Error()
			result.Success = false
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		default:
		}
		stepResult := r.runStep(ctx, s.Name, step)
		result.StepResults = append(result.StepResults, stepResult)
		if !stepResult.Success {
			success = false
		}
	}

	result.Success = success
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (r *Runner) clearOutputs(ctx context.Context, s scenario.Scenario) error {
	clears := make(map[model.Key]model.Value)
	for _, step := range s.Steps {
		for _, exp := range step.Expectations {
			clears[r.key(exp.Key)] = model.AbsentValue
		}
	}
	if len(clears) == 0 {
		return nil
	}
	return r.store.BatchSet(ctx, clears)
}

func (r *Runner) preSetOutputs(ctx context.Context, s scenario.Scenario) error {
	if len(s.PreSetOutputs) == 0 {
		return nil
	}
	writes := make(map[model.Key]model.Value, len(s.PreSetOutputs))
	for k, raw := range s.PreSetOutputs {
		writes[r.key(k)] = valueFromInterface(raw)
	}
	return r.store.BatchSet(ctx, writes)
}

// runStep writes every input, waits the step's delay, then evaluates
// every expectation (§4.9: "expectations are checked after the step's
// delay has elapsed, polling until success or timeout").
func (r *Runner) runStep(ctx context.Context, scenarioName string, step scenario.Step) scenario.StepResult {
	writes := make(map[model.Key]model.Value, len(step.Inputs))
	for _, in := range step.Inputs {
		writes[r.key(in.Key)] = decodeInput(in)
	}
	if len(writes) > 0 {
		if err := r.store.BatchSet(ctx, writes); err != nil {
			return scenario.StepResult{Success: false}
		}
	}

	if step.DelayMs > 0 {
		delay := time.Duration(float64(step.DelayMs) * r.stepDelayMultiplier * r.globalTimeoutMultiplier * float64(time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return scenario.StepResult{Success: false}
		}
	}

	success := true
	var expResults []scenario.ExpectationResult
	for _, exp := range step.Expectations {
		er := r.awaitExpectation(ctx, scenarioName, step.Name, exp)
		expResults = append(expResults, er)
		if !er.Success {
			success = false
		}
	}
	return scenario.StepResult{Success: success, ExpectationResults: expResults}
}

// awaitExpectation polls the store until exp's validator matches within
// tolerance or the timeout elapses (§4.9). A zero TimeoutMs means "check
// once, immediately."
func (r *Runner) awaitExpectation(ctx context.Context, scenarioName, stepName string, exp scenario.Expectation) scenario.ExpectationResult {
	timeout := time.Duration(float64(exp.TimeoutMs) * r.timeoutMultiplier * r.globalTimeoutMultiplier * float64(time.Millisecond))
	deadline := time.Now().Add(timeout)
	var last model.Value
	for {
		v, err := r.store.Get(ctx, r.key(exp.Key))
		if err == nil {
			last = v
			if matches(exp, v) {
				return scenario.ExpectationResult{
					Key: exp.Key, Expected: exp.Expected, Actual: jsonOf(v), Success: true,
				}
			}
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(PollInterval):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	failure := errs.NewScenarioFailure(scenarioName, stepName, exp.Key, exp.Expected, jsonOf(last))
	r.logger.Warn("scenario expectation failed", "error", failure)
	if r.metrics != nil {
		r.metrics.ScenarioFailuresTotal.Inc()
	}
	return scenario.ExpectationResult{
		Key: exp.Key, Expected: exp.Expected, Actual: jsonOf(last), Success: false,
	}
}

func (r *Runner) key(k string) model.Key {
	if r.keyPrefix == "" {
		return model.Key(k)
	}
	return model.Key(r.keyPrefix + k)
}

// matches applies exp.Validator's type-aware comparison (§4.9, GLOSSARY).
func matches(exp scenario.Expectation, actual model.Value) bool {
	switch exp.Validator {
	case scenario.ValidatorBoolean:
		b, ok := boolOf(actual)
		expected, eok := toBool(exp.Expected)
		return ok && eok && b == expected
	case scenario.ValidatorNumeric:
		f, ok := actual.AsNumber()
		expected, eok := toFloat(exp.Expected)
		if !ok || !eok {
			return false
		}
		return math.Abs(f-expected) <= exp.Tolerance
	case scenario.ValidatorString, scenario.ValidatorEvalResult:
		s, ok := actual.AsString()
		expected, eok := exp.Expected.(string)
		return ok && eok && s == expected
	}
	return false
}

// boolOf and toBool implement §4.9's "booleans compare exactly after
// normalizing the strings true/false": a store value or an Expected field
// may legitimately arrive as the JSON string "true"/"false" rather than a
// JSON boolean (scenario documents round-trip through text), so both sides
// of the comparison fall back to a case-insensitive string parse.
func boolOf(v model.Value) (bool, bool) {
	if b, ok := v.AsBool(); ok {
		return b, true
	}
	if s, ok := v.AsString(); ok {
		return toBool(s)
	}
	return false, false
}

func toBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func jsonOf(v model.Value) interface{} {
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

// decodeInput turns a scenario.Input into a model.Value, honoring an
// optional Format/Field pair (§6: an input may embed JSON and extract one
// field via gjson, mirroring how the HTTP store decodes remote payloads).
func decodeInput(in scenario.Input) model.Value {
	if in.Format == "json" && in.Field != "" {
		raw, ok := in.Value.(string)
		if !ok || !gjson.Valid(raw) {
			return model.AbsentValue
		}
		result := gjson.Get(raw, in.Field)
		if !result.Exists() {
			return model.AbsentValue
		}
		switch result.Type {
		case gjson.Number:
			return model.Number(result.Float())
		case gjson.True, gjson.False:
			return model.Bool(result.Bool())
		case gjson.String:
			return model.String(result.String())
		}
		return model.AbsentValue
	}
	return valueFromInterface(in.Value)
}

func valueFromInterface(v interface{}) model.Value {
	if v == nil {
		return model.AbsentValue
	}
	switch n := v.(type) {
	case float64:
		return model.Number(n)
	case int:
		return model.Number(float64(n))
	case bool:
		return model.Bool(n)
	case string:
		return model.String(n)
	}
	return model.AbsentValue
}
