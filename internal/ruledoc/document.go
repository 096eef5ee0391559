// Package ruledoc loads and validates the rule document (§6): YAML with a
// required non-zero version (its value is not otherwise checked) and a
// top-level rules list. It is the only place raw YAML text becomes
// model.RuleSet/Condition/ExprNode trees — internal/model only normalizes
// operator spellings (ParseOperator), and internal/evalexpr only walks
// already-built trees.
//
// Grounded on the teacher's config.go Load/Unmarshal idiom (gopkg.in/yaml.v3
// plus struct tags) generalized from a flat settings document to a nested
// rule-definition document, with github.com/go-playground/validator/v10
// added for structural validation the teacher's own config loader lacks
// (the teacher never validates loaded config beyond what viper.Unmarshal
// does implicitly; rule documents need stronger structural guarantees
// since a malformed one is a launch-blocking ConfigurationError, §7).
package ruledoc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aegisshield/sentinel/internal/analyzer"
	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/model"
)

type ruleDocument struct {
	Version int        `yaml:"version" validate:"required"`
	Rules   []yamlRule `yaml:"rules" validate:"required,min=1,dive"`
}

type yamlRule struct {
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Inputs      []yamlInput    `yaml:"inputs" validate:"dive"`
	Condition   yamlCondition  `yaml:"condition" validate:"required"`
	Actions     []yamlAction   `yaml:"actions" validate:"dive"`
	ElseActions []yamlAction   `yaml:"else_actions" validate:"dive"`
}

type yamlInput struct {
	ID               string      `yaml:"id" validate:"required"`
	FallbackStrategy string      `yaml:"fallback_strategy"`
	DefaultValue     interface{} `yaml:"default_value"`
	MaxAge           string      `yaml:"max_age"`
}

type yamlCondition struct {
	Type       string          `yaml:"type" validate:"required,oneof=comparison threshold_over_time expression group"`
	Sensor     string          `yaml:"sensor"`
	Operator   string          `yaml:"operator"`
	Literal    interface{}     `yaml:"literal"`
	Expression string          `yaml:"expression"`
	Threshold  float64         `yaml:"threshold"`
	Duration   string          `yaml:"duration"`
	All        []yamlCondition `yaml:"all"`
	Any        []yamlCondition `yaml:"any"`
}

type yamlAction struct {
	Kind            string      `yaml:"kind" validate:"required,oneof=set_value buffer_append log"`
	Key             string      `yaml:"key"`
	Value           interface{} `yaml:"value"`
	ValueExpression string      `yaml:"value_expression"`
	MaxItems        int         `yaml:"max_items"`
	EmitPolicy      string      `yaml:"emit_policy"`
	Template        string      `yaml:"template"`
}

// Load reads and compiles the rule document at path into a model.RuleSet.
func Load(path string) (*model.RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigurationError(fmt.Sprintf("reading rule document %q", path), err)
	}
	return Parse(raw)
}

// Parse compiles raw YAML bytes into a model.RuleSet, per §6's document
// shape.
func Parse(raw []byte) (*model.RuleSet, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.NewConfigurationError("parsing rule document YAML", err)
	}

	v := validator.New()
	if err := v.Struct(doc); err != nil {
		return nil, errs.NewConfigurationError("validating rule document structure", err)
	}

	rules := make([]*model.Rule, 0, len(doc.Rules))
	seenNames := make(map[string]bool)
	for _, yr := range doc.Rules {
		if seenNames[yr.Name] {
			return nil, errs.NewConfigurationError(fmt.Sprintf("duplicate rule name %q", yr.Name), nil)
		}
		seenNames[yr.Name] = true

		rule, err := compileRule(yr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	ruleSet := &model.RuleSet{Version: doc.Version, Rules: rules}
	if err := checkInputCoverage(ruleSet); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

func compileRule(yr yamlRule) (*model.Rule, error) {
	inputs := make([]model.InputSpec, 0, len(yr.Inputs))
	for _, yi := range yr.Inputs {
		spec, err := compileInput(yi, yr.Name)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, spec)
	}

	cond, err := compileCondition(yr.Condition, yr.Name)
	if err != nil {
		return nil, err
	}

	actions, err := compileActions(yr.Actions, yr.Name)
	if err != nil {
		return nil, err
	}
	elseActions, err := compileActions(yr.ElseActions, yr.Name)
	if err != nil {
		return nil, err
	}

	return &model.Rule{
		Name:        yr.Name,
		Description: yr.Description,
		Inputs:      inputs,
		Condition:   cond,
		Actions:     actions,
		ElseActions: elseActions,
	}, nil
}

func compileInput(yi yamlInput, ruleName string) (model.InputSpec, error) {
	spec := model.InputSpec{ID: model.Key(yi.ID)}
	switch yi.FallbackStrategy {
	case "", "use_default":
		spec.Fallback = model.UseDefault
	case "propagate_unavailable":
		spec.Fallback = model.PropagateUnavailable
	case "use_last_known":
		spec.Fallback = model.UseLastKnown
	case "skip_rule":
		spec.Fallback = model.SkipRule
	default:
		return spec, errs.NewConfigurationError(
			fmt.Sprintf("rule %q: input %q: unknown fallback_strategy %q", ruleName, yi.ID, yi.FallbackStrategy), nil)
	}
	if yi.DefaultValue != nil {
		v, err := compileLiteral(yi.DefaultValue)
		if err != nil {
			return spec, errs.NewConfigurationError(fmt.Sprintf("rule %q: input %q: default_value", ruleName, yi.ID), err)
		}
		spec.DefaultValue = v
	}
	if yi.MaxAge != "" {
		ms, err := parseDurationMs(yi.MaxAge)
		if err != nil {
			return spec, errs.NewConfigurationError(fmt.Sprintf("rule %q: input %q: max_age", ruleName, yi.ID), err)
		}
		spec.MaxAge = ms
	}
	return spec, nil
}

func compileCondition(yc yamlCondition, ruleName string) (*model.Condition, error) {
	switch yc.Type {
	case "comparison":
		op, ok := model.ParseOperator(yc.Operator)
		if !ok {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: unrecognized operator %q", ruleName, yc.Operator), nil)
		}
		c := &model.Condition{Kind: model.CondComparison, Sensor: model.Key(yc.Sensor), Operator: op}
		if yc.Expression != "" {
			expr, err := ParseExpr(yc.Expression)
			if err != nil {
				return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: comparison expression", ruleName), err)
			}
			c.Expression = expr
		} else if yc.Literal != nil {
			v, err := compileLiteral(yc.Literal)
			if err != nil {
				return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: comparison literal", ruleName), err)
			}
			c.Literal = &v
		} else {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: comparison condition needs literal or expression", ruleName), nil)
		}
		return c, nil

	case "threshold_over_time":
		op, ok := model.ParseOperator(yc.Operator)
		if !ok {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: unrecognized operator %q", ruleName, yc.Operator), nil)
		}
		ms, err := parseDurationMs(yc.Duration)
		if err != nil {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: threshold_over_time duration", ruleName), err)
		}
		return &model.Condition{
			Kind: model.CondThresholdOverTime, Sensor: model.Key(yc.Sensor),
			Operator: op, Threshold: yc.Threshold, DurationMs: ms,
		}, nil

	case "expression":
		expr, err := ParseExpr(yc.Expression)
		if err != nil {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: expression condition", ruleName), err)
		}
		return &model.Condition{Kind: model.CondExpression, Expr: expr}, nil

	case "group":
		if len(yc.All) == 0 && len(yc.Any) == 0 {
			return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: malformed group condition: neither all nor any present", ruleName), nil)
		}
		g := &model.Condition{Kind: model.CondGroup}
		for _, child := range yc.All {
			cc, err := compileCondition(child, ruleName)
			if err != nil {
				return nil, err
			}
			g.All = append(g.All, cc)
		}
		for _, child := range yc.Any {
			cc, err := compileCondition(child, ruleName)
			if err != nil {
				return nil, err
			}
			g.Any = append(g.Any, cc)
		}
		return g, nil
	}
	return nil, errs.NewConfigurationError(fmt.Sprintf("rule %q: unknown condition type %q", ruleName, yc.Type), nil)
}

func compileActions(yas []yamlAction, ruleName string) ([]model.Action, error) {
	actions := make([]model.Action, 0, len(yas))
	for _, ya := range yas {
		a, err := compileAction(ya, ruleName)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func compileAction(ya yamlAction, ruleName string) (model.Action, error) {
	var a model.Action
	switch ya.Kind {
	case "set_value":
		a.Kind = model.ActionSetValue
	case "buffer_append":
		a.Kind = model.ActionBufferAppend
	case "log":
		a.Kind = model.ActionLog
	}

	if ya.Kind == "set_value" || ya.Kind == "buffer_append" {
		key := model.Key(ya.Key)
		if !key.IsOutput() && !key.IsBuffer() {
			return a, errs.NewConfigurationError(
				fmt.Sprintf("rule %q: action targets %q, which is neither output: nor buffer:", ruleName, ya.Key), nil)
		}
		a.TargetKey = key
		if ya.ValueExpression != "" {
			expr, err := ParseExpr(ya.ValueExpression)
			if err != nil {
				return a, errs.NewConfigurationError(fmt.Sprintf("rule %q: action value_expression", ruleName), err)
			}
			a.ValueExpr = expr
		} else if ya.Value != nil {
			v, err := compileLiteral(ya.Value)
			if err != nil {
				return a, errs.NewConfigurationError(fmt.Sprintf("rule %q: action value", ruleName), err)
			}
			a.Literal = &v
		} else {
			return a, errs.NewConfigurationError(fmt.Sprintf("rule %q: action needs value or value_expression", ruleName), nil)
		}
	}

	if ya.Kind == "buffer_append" {
		a.MaxItems = ya.MaxItems
	}

	if ya.Kind == "log" {
		tmpl, err := ParseTemplate(ya.Template)
		if err != nil {
			return a, errs.NewConfigurationError(fmt.Sprintf("rule %q: log template", ruleName), err)
		}
		a.Template = tmpl
	}

	switch ya.EmitPolicy {
	case "", "always":
		a.EmitPolicy = model.EmitAlways
	case "on_change":
		a.EmitPolicy = model.EmitOnChange
	case "on_enter":
		a.EmitPolicy = model.EmitOnEnter
	default:
		return a, errs.NewConfigurationError(fmt.Sprintf("rule %q: unknown emit_policy %q", ruleName, ya.EmitPolicy), nil)
	}

	return a, nil
}

func compileLiteral(raw interface{}) (model.Value, error) {
	switch v := raw.(type) {
	case bool:
		return model.Bool(v), nil
	case string:
		return model.String(v), nil
	case int:
		return model.Number(float64(v)), nil
	case int64:
		return model.Number(float64(v)), nil
	case float64:
		return model.Number(v), nil
	}
	return model.AbsentValue, fmt.Errorf("unsupported literal type %T", raw)
}

// parseDurationMs parses an integer literal with suffix ms|s|m|h|d (§6).
func parseDurationMs(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, suffix := range []struct {
		tag   string
		scale int64
	}{
		{"ms", 1}, {"s", 1000}, {"m", 60_000}, {"h", 3_600_000}, {"d", 86_400_000},
	} {
		if strings.HasSuffix(s, suffix.tag) {
			numPart := strings.TrimSuffix(s, suffix.tag)
			n, err := strconv.ParseInt(strings.TrimSpace(numPart), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return n * suffix.scale, nil
		}
	}
	return 0, fmt.Errorf("duration %q missing suffix (expected ms|s|m|h|d)", s)
}

// checkInputCoverage enforces §3's invariant that a rule's inputs[] is a
// superset of the input: sensors referenced in its conditions.
func checkInputCoverage(ruleSet *model.RuleSet) error {
	for _, r := range ruleSet.Rules {
		a, err := analyzer.Analyze(r)
		if err != nil {
			return err
		}
		declared := make(map[model.Key]bool, len(r.Inputs))
		for _, in := range r.Inputs {
			declared[in.ID] = true
		}
		for sensor := range a.ReferencedSensors {
			if sensor.IsInput() && !declared[sensor] {
				return errs.NewConfigurationError(
					fmt.Sprintf("rule %q: references input %q without declaring it", r.Name, sensor), nil)
			}
		}
	}
	return nil
}
