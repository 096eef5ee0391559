package model

// Rule is the in-memory AST of one rule definition (§3). Rules are
// immutable after load: nothing in this repository mutates a Rule's fields
// once ruledoc.Load has returned.
type Rule struct {
	Name        string
	Description string
	Inputs      []InputSpec
	Condition   *Condition
	Actions     []Action
	ElseActions []Action
	SourceFile  string
	SourceLine  int
}

// InputByKey looks up an input spec by sensor key, returning ok=false if
// the rule does not declare that input.
func (r *Rule) InputByKey(key Key) (InputSpec, bool) {
	for _, in := range r.Inputs {
		if in.ID == key {
			return in, true
		}
	}
	return InputSpec{}, false
}

// RuleSet is the full loaded, validated, and planned rule document: the
// Rule Model's top-level artifact that the Dependency Planner consumes and
// the Cycle Orchestrator executes against.
type RuleSet struct {
	Version int
	Rules   []*Rule
}
