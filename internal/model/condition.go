package model

// Operator is a comparison operator. A rule document's operator field may
// use symbolic or snake_case spellings; ParseOperator, called by
// internal/ruledoc, normalizes either to one of these.
type Operator int

const (
	OpGT Operator = iota
	OpGTE
	OpLT
	OpLTE
	OpEQ
	OpNEQ
)

var operatorNames = map[Operator]string{
	OpGT: ">", OpGTE: ">=", OpLT: "<", OpLTE: "<=", OpEQ: "==", OpNEQ: "!=",
}

func (o Operator) String() string { return operatorNames[o] }

// operatorSynonyms maps every accepted spelling (symbolic and snake_case)
// to its normalized Operator.
var operatorSynonyms = map[string]Operator{
	">":            OpGT,
	"greater_than": OpGT,
	">=":                     OpGTE,
	"greater_than_or_equal":  OpGTE,
	"<":            OpLT,
	"less_than":    OpLT,
	"<=":                  OpLTE,
	"less_than_or_equal": OpLTE,
	"==":       OpEQ,
	"equals":   OpEQ,
	"equal":    OpEQ,
	"!=":          OpNEQ,
	"not_equals":  OpNEQ,
	"not_equal":   OpNEQ,
}

// ParseOperator normalizes an operator spelling, returning false if it is
// not recognized (the caller surfaces a MalformedRule ConfigurationError).
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorSynonyms[s]
	return op, ok
}

// ConditionKind discriminates the Condition sum type (§3).
type ConditionKind int

const (
	CondComparison ConditionKind = iota
	CondThresholdOverTime
	CondExpression
	CondGroup
)

// Condition is modeled as a tagged sum with an explicit Kind discriminator
// (Design Notes §9) rather than a class hierarchy. Exactly the fields for
// Kind are populated; consumers switch on Kind via Walk.
type Condition struct {
	Kind ConditionKind

	// CondComparison, CondThresholdOverTime
	Sensor   Key
	Operator Operator

	// CondComparison: literal XOR expression
	Literal    *Value
	Expression *ExprNode

	// CondThresholdOverTime
	Threshold  float64
	DurationMs int64

	// CondExpression
	Expr *ExprNode

	// CondGroup
	All []*Condition
	Any []*Condition
}

// Walk performs a depth-first traversal of a condition tree, invoking
// visit on every node including c itself. Consumers (analyzer, evaluator,
// synthesizer) all share this helper rather than re-implementing the
// traversal (Design Notes §9).
func Walk(c *Condition, visit func(*Condition)) {
	if c == nil {
		return
	}
	visit(c)
	for _, child := range c.All {
		Walk(child, visit)
	}
	for _, child := range c.Any {
		Walk(child, visit)
	}
}
