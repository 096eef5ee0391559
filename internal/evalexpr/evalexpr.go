// Package evalexpr implements the Expression Evaluator (C4): arithmetic,
// boolean, and string-template expressions evaluated under Kleene
// three-valued logic against a sample context.
//
// Grounded on internal/engine/rule_engine.go's createEvaluationEnvironment
// and condition-compilation idiom (the teacher compiles expressions against
// a map[string]interface{} environment); this package replaces the
// teacher's generic expression library (antonmedv/expr, imported by the
// teacher but never declared in its go.mod) with a hand-rolled AST
// evaluator because no generic expression library propagates Absent the
// way §4.3 requires — see DESIGN.md's C4 entry. Expressions are pure: no
// side effects, deterministic given the same context (§4.3).
package evalexpr

import (
	"math"

	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/kleene"
	"github.com/aegisshield/sentinel/internal/model"
)

// Context maps sensor keys to their resolved values for one rule's
// evaluation (the output of fallback resolution, §4.5).
type Context map[model.Key]model.Value

func (c Context) lookup(key model.Key) model.Value {
	if v, ok := c[key]; ok {
		return v
	}
	return model.AbsentValue
}

// SustainedFunc evaluates the sole temporal operator (§4.4). The caller
// (internal/ruleeval) supplies a closure bound to the Window Store so this
// package never depends on it directly.
type SustainedFunc func(sensor model.Key, predicate func(model.Value) kleene.Value, durationMs int64) kleene.Value

// Diagnostics accumulates ExpressionError values produced during one
// evaluation; evaluation never aborts on them (§7: "the affected rule
// yields Absent for the offending sub-expression").
type Diagnostics struct {
	Errors []error
}

func (d *Diagnostics) record(err error) { d.Errors = append(d.Errors, err) }

// EvaluateValue evaluates an arithmetic/string expression tree, returning
// Absent (plus a diagnostic) on division by zero, type mismatch, or an
// undefined sensor reference outside the context.
func EvaluateValue(ctx Context, n *model.ExprNode, diag *Diagnostics) model.Value {
	if n == nil {
		return model.AbsentValue
	}
	switch n.Kind {
	case model.ExprLiteral:
		return n.Literal
	case model.ExprSensorRef:
		if _, ok := ctx[n.Sensor]; !ok {
			diag.record(errs.NewExpressionError("undefined sensor reference "+string(n.Sensor), nil))
		}
		return ctx.lookup(n.Sensor)
	case model.ExprUnary:
		return evalUnary(ctx, n, diag)
	case model.ExprBinary:
		return evalBinaryValue(ctx, n, diag)
	case model.ExprTemplate:
		return evalTemplate(ctx, n, diag)
	}
	return model.AbsentValue
}

func evalUnary(ctx Context, n *model.ExprNode, diag *Diagnostics) model.Value {
	operand := EvaluateValue(ctx, n.Operand, diag)
	switch n.UnaryOp {
	case model.UnaryNeg:
		f, ok := operand.AsNumber()
		if !ok {
			if !operand.IsAbsent() {
				diag.record(errs.NewExpressionError("unary - applied to non-numeric value", nil))
			}
			return model.AbsentValue
		}
		return model.Number(saturate(-f))
	case model.UnaryNot:
		b, ok := operand.AsBool()
		if !ok {
			if !operand.IsAbsent() {
				diag.record(errs.NewExpressionError("unary not applied to non-boolean value", nil))
			}
			return model.AbsentValue
		}
		return model.Bool(!b)
	}
	return model.AbsentValue
}

func evalBinaryValue(ctx Context, n *model.ExprNode, diag *Diagnostics) model.Value {
	left := EvaluateValue(ctx, n.Left, diag)
	right := EvaluateValue(ctx, n.Right, diag)

	switch n.BinOp {
	case model.BinAdd, model.BinSub, model.BinMul, model.BinDiv:
		lf, lok := left.AsNumber()
		rf, rok := right.AsNumber()
		if !lok || !rok {
			if !left.IsAbsent() && !right.IsAbsent() {
				diag.record(errs.NewExpressionError("arithmetic applied to non-numeric value", nil))
			}
			return model.AbsentValue
		}
		switch n.BinOp {
		case model.BinAdd:
			return model.Number(saturate(lf + rf))
		case model.BinSub:
			return model.Number(saturate(lf - rf))
		case model.BinMul:
			return model.Number(saturate(lf * rf))
		case model.BinDiv:
			if rf == 0 {
				diag.record(errs.NewExpressionError("division by zero", nil))
				return model.AbsentValue
			}
			return model.Number(saturate(lf / rf))
		}
	case model.BinAnd, model.BinOr:
		k := combineBoolKleene(n.BinOp, kleeneOfValue(left), kleeneOfValue(right))
		switch k {
		case kleene.True:
			return model.Bool(true)
		case kleene.False:
			return model.Bool(false)
		default:
			return model.AbsentValue
		}
	case model.BinGT, model.BinGTE, model.BinLT, model.BinLTE, model.BinEQ, model.BinNEQ:
		k := compareKleene(n.BinOp, left, right)
		switch k {
		case kleene.True:
			return model.Bool(true)
		case kleene.False:
			return model.Bool(false)
		default:
			return model.AbsentValue
		}
	}
	return model.AbsentValue
}

func evalTemplate(ctx Context, n *model.ExprNode, diag *Diagnostics) model.Value {
	var sb []byte
	for _, part := range n.Parts {
		v := EvaluateValue(ctx, part, diag)
		sb = append(sb, v.String()...) // Absent renders as "null" per §4.3/§9
	}
	return model.String(string(sb))
}

// saturate clamps arithmetic results to the finite float64 range instead of
// producing +/-Inf. No diagnostic is recorded when a result is clamped,
// by saturate or by any of its callers.
func saturate(f float64) float64 {
	if math.IsInf(f, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(f, -1) {
		return -math.MaxFloat64
	}
	return f
}

func kleeneOfValue(v model.Value) kleene.Value {
	if v.IsAbsent() {
		return kleene.Indeterminate
	}
	b, ok := v.AsBool()
	if !ok {
		return kleene.Indeterminate
	}
	return kleene.FromBool(b)
}

func combineBoolKleene(op model.BinaryOp, a, b kleene.Value) kleene.Value {
	if op == model.BinAnd {
		return kleene.And(a, b)
	}
	return kleene.Or(a, b)
}

// compareKleene implements §4.3's comparison rule: any comparison with an
// Absent operand yields Indeterminate.
func compareKleene(op model.BinaryOp, left, right model.Value) kleene.Value {
	if left.IsAbsent() || right.IsAbsent() {
		return kleene.Indeterminate
	}
	lf, lok := left.AsNumber()
	rf, rok := right.AsNumber()
	if lok && rok {
		return kleene.FromBool(numericCompare(op, lf, rf))
	}
	ls, lok2 := left.AsString()
	rs, rok2 := right.AsString()
	if lok2 && rok2 {
		return kleene.FromBool(stringCompare(op, ls, rs))
	}
	lb, lok3 := left.AsBool()
	rb, rok3 := right.AsBool()
	if lok3 && rok3 {
		return kleene.FromBool(boolCompare(op, lb, rb))
	}
	return kleene.Indeterminate
}

func numericCompare(op model.BinaryOp, a, b float64) bool {
	switch op {
	case model.BinGT:
		return a > b
	case model.BinGTE:
		return a >= b
	case model.BinLT:
		return a < b
	case model.BinLTE:
		return a <= b
	case model.BinEQ:
		return a == b
	case model.BinNEQ:
		return a != b
	}
	return false
}

func stringCompare(op model.BinaryOp, a, b string) bool {
	switch op {
	case model.BinEQ:
		return a == b
	case model.BinNEQ:
		return a != b
	case model.BinGT:
		return a > b
	case model.BinGTE:
		return a >= b
	case model.BinLT:
		return a < b
	case model.BinLTE:
		return a <= b
	}
	return false
}

func boolCompare(op model.BinaryOp, a, b bool) bool {
	switch op {
	case model.BinEQ:
		return a == b
	case model.BinNEQ:
		return a != b
	}
	return false
}

// compareValueAgainst compares a resolved sensor value against a literal or
// expression-derived value using operator, per §3's Comparison condition
// and §4.3's comparison semantics.
func compareValueAgainst(op model.Operator, sensorVal, otherVal model.Value) kleene.Value {
	binOp := map[model.Operator]model.BinaryOp{
		model.OpGT: model.BinGT, model.OpGTE: model.BinGTE,
		model.OpLT: model.BinLT, model.OpLTE: model.BinLTE,
		model.OpEQ: model.BinEQ, model.OpNEQ: model.BinNEQ,
	}[op]
	return compareKleene(binOp, sensorVal, otherVal)
}

// EvaluateCondition evaluates a condition tree to a Kleene value (§4.6).
func EvaluateCondition(ctx Context, c *model.Condition, sustained SustainedFunc, diag *Diagnostics) kleene.Value {
	if c == nil {
		return kleene.Indeterminate
	}
	switch c.Kind {
	case model.CondComparison:
		sensorVal := ctx.lookup(c.Sensor)
		var other model.Value
		if c.Literal != nil {
			other = *c.Literal
		} else {
			other = EvaluateValue(ctx, c.Expression, diag)
		}
		return compareValueAgainst(c.Operator, sensorVal, other)

	case model.CondThresholdOverTime:
		if sustained == nil {
			return kleene.Indeterminate
		}
		threshold := c.Threshold
		predicate := func(v model.Value) kleene.Value {
			f, ok := v.AsNumber()
			if !ok {
				return kleene.Indeterminate
			}
			return compareValueAgainst(c.Operator, model.Number(f), model.Number(threshold))
		}
		return sustained(c.Sensor, predicate, c.DurationMs)

	case model.CondExpression:
		v := EvaluateValue(ctx, c.Expr, diag)
		return kleeneOfValue(v)

	case model.CondGroup:
		return evaluateGroup(ctx, c, sustained, diag)
	}
	return kleene.Indeterminate
}

// evaluateGroup implements §4.6 step 2's group semantics: all present ->
// AND(all); any present -> OR(any); both present -> AND(AND(all), OR(any)).
func evaluateGroup(ctx Context, c *model.Condition, sustained SustainedFunc, diag *Diagnostics) kleene.Value {
	var allResult, anyResult kleene.Value
	haveAll := len(c.All) > 0
	haveAny := len(c.Any) > 0

	if haveAll {
		allResult = kleene.True
		for _, child := range c.All {
			allResult = kleene.And(allResult, EvaluateCondition(ctx, child, sustained, diag))
		}
	}
	if haveAny {
		anyResult = kleene.False
		for _, child := range c.Any {
			anyResult = kleene.Or(anyResult, EvaluateCondition(ctx, child, sustained, diag))
		}
	}

	switch {
	case haveAll && haveAny:
		return kleene.And(allResult, anyResult)
	case haveAll:
		return allResult
	case haveAny:
		return anyResult
	default:
		return kleene.Indeterminate
	}
}
