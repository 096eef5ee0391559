package evalexpr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisshield/sentinel/internal/kleene"
	"github.com/aegisshield/sentinel/internal/model"
)

func sensorNode(k model.Key) *model.ExprNode {
	return &model.ExprNode{Kind: model.ExprSensorRef, Sensor: k}
}

func litNode(v model.Value) *model.ExprNode {
	return &model.ExprNode{Kind: model.ExprLiteral, Literal: v}
}

func TestEvaluateValueArithmetic(t *testing.T) {
	ctx := Context{"input:a": model.Number(4), "input:b": model.Number(2)}
	n := &model.ExprNode{Kind: model.ExprBinary, BinOp: model.BinDiv, Left: sensorNode("input:a"), Right: sensorNode("input:b")}
	diag := &Diagnostics{}
	v := EvaluateValue(ctx, n, diag)
	f, ok := v.AsNumber()
	require.True(t, ok)
	require.Equal(t, 2.0, f)
	require.Empty(t, diag.Errors)
}

func TestEvaluateValueDivisionByZeroYieldsAbsentAndDiagnostic(t *testing.T) {
	ctx := Context{"input:a": model.Number(4), "input:b": model.Number(0)}
	n := &model.ExprNode{Kind: model.ExprBinary, BinOp: model.BinDiv, Left: sensorNode("input:a"), Right: sensorNode("input:b")}
	diag := &Diagnostics{}
	v := EvaluateValue(ctx, n, diag)
	require.True(t, v.IsAbsent())
	require.Len(t, diag.Errors, 1)
}

func TestEvaluateValueUndefinedSensorIsAbsent(t *testing.T) {
	ctx := Context{}
	diag := &Diagnostics{}
	v := EvaluateValue(ctx, sensorNode("input:missing"), diag)
	require.True(t, v.IsAbsent())
}

func TestCompareWithAbsentOperandIsIndeterminate(t *testing.T) {
	ctx := Context{"input:a": model.AbsentValue}
	diag := &Diagnostics{}
	c := &model.Condition{Kind: model.CondComparison, Sensor: "input:a", Operator: model.OpGT, Literal: litValue(model.Number(10))}
	k := EvaluateCondition(ctx, c, nil, diag)
	require.Equal(t, kleene.Indeterminate, k)
}

func litValue(v model.Value) *model.Value { return &v }

func TestEvaluateTemplateRendersAbsentAsNull(t *testing.T) {
	ctx := Context{"input:a": model.AbsentValue}
	tmpl := &model.ExprNode{Kind: model.ExprTemplate, Parts: []*model.ExprNode{
		litNode(model.String("value=")),
		sensorNode("input:a"),
	}}
	diag := &Diagnostics{}
	v := evalTemplate(ctx, tmpl, diag)
	s, ok := v.AsString()
	require.True(t, ok)
	require.Equal(t, "value=null", s)
}

func TestEvaluateGroupAllAndAny(t *testing.T) {
	ctx := Context{"input:a": model.Number(5), "input:b": model.Number(15)}
	allChild := &model.Condition{Kind: model.CondComparison, Sensor: "input:a", Operator: model.OpGT, Literal: litValue(model.Number(1))}
	anyChild := &model.Condition{Kind: model.CondComparison, Sensor: "input:b", Operator: model.OpLT, Literal: litValue(model.Number(1))}
	group := &model.Condition{Kind: model.CondGroup, All: []*model.Condition{allChild}, Any: []*model.Condition{anyChild}}
	diag := &Diagnostics{}
	k := EvaluateCondition(ctx, group, nil, diag)
	require.Equal(t, kleene.False, k) // all=true, any=false -> AND(true,false)=false
}

func TestSaturateClampsOverflow(t *testing.T) {
	ctx := Context{"input:a": model.Number(1.7e308), "input:b": model.Number(1.7e308)}
	n := &model.ExprNode{Kind: model.ExprBinary, BinOp: model.BinAdd, Left: sensorNode("input:a"), Right: sensorNode("input:b")}
	diag := &Diagnostics{}
	v := EvaluateValue(ctx, n, diag)
	f, ok := v.AsNumber()
	require.True(t, ok)
	require.InDelta(t, 1.7976931348623157e308, f, 1e292)
}
