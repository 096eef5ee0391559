// Package ruleeval implements the Rule Evaluator (C6): per rule per
// cycle, it resolves fallbacks (§4.5), evaluates the condition tree
// (§4.3/§4.4), dispatches then/else actions, and applies emit policies
// (§4.6).
//
// Grounded on internal/engine/rule_engine.go's EvaluationResult/ActionHandler
// shape (a per-rule evaluation producing a result plus a list of actions
// to execute) and internal/engine/actions.go's action-dispatch switch,
// generalized from alert-emission actions to SetValue/BufferAppend/Log.
package ruleeval

import (
	"fmt"
	"time"

	"github.com/aegisshield/sentinel/internal/analyzer"
	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/evalexpr"
	"github.com/aegisshield/sentinel/internal/kleene"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/window"
)

// RuleState carries the per-rule, cross-cycle state the emit policies need:
// the previous cycle's condition result (for on_enter) and the previous
// tail value of every buffer this rule writes (for on_change). The Cycle
// Orchestrator owns one RuleState per rule for the lifetime of the run.
type RuleState struct {
	PrevConditionTrue bool
	PrevBufferValue   map[model.Key]model.Value
}

func NewRuleState() *RuleState {
	return &RuleState{PrevBufferValue: make(map[model.Key]model.Value)}
}

// Result is what one rule produced in one cycle. Matched and DurationMs
// feed internal/obs's per-rule evaluation/match/error counters and average
// execution time histogram; Diagnostics already doubles as the per-rule
// error count the orchestrator tallies.
type Result struct {
	RuleName    string
	Writes      map[model.Key]model.Value
	Logs        []string
	Diagnostics []error
	Skipped     bool // true when a skip_rule input was Absent (§4.5)
	Matched     bool // true when the condition evaluated to kleene.True
	DurationMs  int64
}

// Evaluate runs one rule for one cycle against snapshot (this cycle's
// input: sensors) and outputsSoFar (earlier layers' committed writes this
// cycle), consulting store for use_last_known fallback and sustained().
func Evaluate(rule *model.Rule, analysis *analyzer.Analysis, snapshot, outputsSoFar map[model.Key]model.Value, store *window.Store, now time.Duration, state *RuleState) *Result {
	start := time.Now()
	result := &Result{RuleName: rule.Name, Writes: make(map[model.Key]model.Value)}

	ctx, proceed := resolveContext(rule, analysis, snapshot, outputsSoFar, store, now)
	if !proceed {
		result.Skipped = true
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	diag := &evalexpr.Diagnostics{}
	sustained := func(sensor model.Key, predicate func(model.Value) kleene.Value, durationMs int64) kleene.Value {
		return store.Sustained(sensor, predicate, durationMs, now)
	}
	k := evalexpr.EvaluateCondition(ctx, rule.Condition, sustained, diag)
	result.Diagnostics = append(result.Diagnostics, diag.Errors...)
	result.Matched = k == kleene.True

	// §4.6 step 3: True dispatches actions; False and Indeterminate both
	// dispatch else_actions (Indeterminate is "not-taken" for the then-branch).
	var chosen []model.Action
	if k == kleene.True {
		chosen = rule.Actions
	} else {
		chosen = rule.ElseActions
	}

	for _, act := range chosen {
		dispatchAction(act, ctx, k == kleene.True, state, result)
	}

	state.PrevConditionTrue = k == kleene.True
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// resolveContext implements §4.5: each declared input resolves to a
// concrete value or Absent per its fallback strategy; sensors referenced
// in the rule but not declared as inputs (an output: produced earlier in
// this cycle, or a buffer: the rule reads) pass through unresolved,
// defaulting to Absent when not yet written.
func resolveContext(rule *model.Rule, analysis *analyzer.Analysis, snapshot, outputsSoFar map[model.Key]model.Value, store *window.Store, now time.Duration) (evalexpr.Context, bool) {
	ctx := make(evalexpr.Context)

	for _, in := range rule.Inputs {
		raw, present := lookup(in.ID, snapshot, outputsSoFar)
		if present {
			ctx[in.ID] = raw
			continue
		}
		switch in.Fallback {
		case model.UseDefault:
			ctx[in.ID] = in.DefaultValue
		case model.PropagateUnavailable:
			ctx[in.ID] = model.AbsentValue
		case model.UseLastKnown:
			v, sampleTime, ok := store.LastKnown(in.ID)
			elapsed := now - sampleTime
			if ok && elapsed >= 0 && (in.MaxAge == 0 || elapsed <= time.Duration(in.MaxAge)*time.Millisecond) {
				ctx[in.ID] = v
			} else {
				ctx[in.ID] = model.AbsentValue
			}
		case model.SkipRule:
			return nil, false
		}
	}

	for sensor := range analysis.ReferencedSensors {
		if _, ok := ctx[sensor]; ok {
			continue
		}
		if raw, present := lookup(sensor, snapshot, outputsSoFar); present {
			ctx[sensor] = raw
		} else {
			ctx[sensor] = model.AbsentValue
		}
	}

	return ctx, true
}

func lookup(key model.Key, snapshot, outputsSoFar map[model.Key]model.Value) (model.Value, bool) {
	if v, ok := outputsSoFar[key]; ok {
		return v, true
	}
	if v, ok := snapshot[key]; ok {
		return v, true
	}
	return model.AbsentValue, false
}

// dispatchAction implements §4.6 step 4: SetValue and BufferAppend both
// compute their value the same way and both suppress the write when that
// value is Absent; BufferAppend and Log additionally gate on emit policy.
func dispatchAction(act model.Action, ctx evalexpr.Context, conditionEnteredTrue bool, state *RuleState, result *Result) {
	switch act.Kind {
	case model.ActionSetValue:
		v, ok := computeValue(act, ctx, result)
		if !ok {
			return
		}
		result.Writes[act.TargetKey] = v

	case model.ActionBufferAppend:
		v, ok := computeValue(act, ctx, result)
		if !ok {
			return
		}
		if !shouldEmit(act.EmitPolicy, act.TargetKey, v, conditionEnteredTrue, state) {
			return
		}
		result.Writes[act.TargetKey] = v
		state.PrevBufferValue[act.TargetKey] = v

	case model.ActionLog:
		diag := &evalexpr.Diagnostics{}
		v := evalexpr.EvaluateValue(ctx, act.Template, diag)
		result.Diagnostics = append(result.Diagnostics, diag.Errors...)
		if !shouldEmit(act.EmitPolicy, "", v, conditionEnteredTrue, state) {
			return
		}
		result.Logs = append(result.Logs, v.String())
	}
}

func computeValue(act model.Action, ctx evalexpr.Context, result *Result) (model.Value, bool) {
	var v model.Value
	if act.ValueExpr != nil {
		diag := &evalexpr.Diagnostics{}
		v = evalexpr.EvaluateValue(ctx, act.ValueExpr, diag)
		result.Diagnostics = append(result.Diagnostics, diag.Errors...)
	} else if act.Literal != nil {
		v = *act.Literal
	} else {
		v = model.AbsentValue
	}
	if v.IsAbsent() {
		result.Diagnostics = append(result.Diagnostics,
			errs.NewExpressionError(fmt.Sprintf("action targeting %q: value_expression resolved to Absent, action suppressed", act.TargetKey), nil))
		return v, false
	}
	return v, true
}

// shouldEmit implements §4.6 step 4's emit-policy gate. key is empty for
// Log actions, which have no previous-value comparison; on_change for Log
// degrades to always.
func shouldEmit(policy model.EmitPolicy, key model.Key, v model.Value, conditionEnteredTrue bool, state *RuleState) bool {
	switch policy {
	case model.EmitAlways:
		return true
	case model.EmitOnChange:
		if key == "" {
			return true
		}
		prev, ok := state.PrevBufferValue[key]
		return !ok || !prev.Equal(v)
	case model.EmitOnEnter:
		return conditionEnteredTrue && !state.PrevConditionTrue
	}
	return true
}
