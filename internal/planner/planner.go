// Package planner implements the Dependency Planner (C3): it builds a
// directed graph over rules (an edge A -> B holds when B references an
// output: produced by A), partitions the graph into layers via Kahn's
// algorithm, and surfaces cycles as a ConfigurationError naming the
// offending path.
//
// Grounded on the Rule graph design note (§9: "arrays plus indices, avoid
// pointer cycles") — rules are addressed by index throughout, never by
// pointer, and golang.org/x/exp/slices (a teacher dependency) sorts layer
// membership so layering output is deterministic across runs.
package planner

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/aegisshield/sentinel/internal/analyzer"
	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/model"
)

// Plan is the output of planning a rule set: rules partitioned into
// dependency layers plus the per-rule analysis the rest of the engine
// reuses (avoiding re-analyzing each rule per cycle).
type Plan struct {
	Rules     []*model.Rule
	Analyses  []*analyzer.Analysis // parallel to Rules
	Layers    [][]int              // each layer is a list of indices into Rules
	RuleLayer []int                // RuleLayer[i] is the layer index of Rules[i]
}

// Plan builds the dependency graph for ruleSet, analyzes every rule, checks
// the producer-uniqueness invariant (§3), and computes layers.
func Plan(ruleSet *model.RuleSet) (*Plan, error) {
	rules := ruleSet.Rules
	analyses := make([]*analyzer.Analysis, len(rules))
	for i, r := range rules {
		a, err := analyzer.Analyze(r)
		if err != nil {
			return nil, err
		}
		analyses[i] = a
	}

	producer, err := checkProducerUniqueness(rules, analyses)
	if err != nil {
		return nil, err
	}

	adjacency := make([][]int, len(rules)) // adjacency[i] = rules depending on i
	indegree := make([]int, len(rules))
	for i, a := range analyses {
		seenFrom := make(map[int]bool)
		for sensor := range a.ReferencedSensors {
			if !sensor.IsOutput() {
				continue
			}
			prodIdx, ok := producer[sensor]
			if !ok || prodIdx == i || seenFrom[prodIdx] {
				continue
			}
			seenFrom[prodIdx] = true
			adjacency[prodIdx] = append(adjacency[prodIdx], i)
			indegree[i]++
		}
	}

	layers, err := layerByKahn(rules, adjacency, indegree)
	if err != nil {
		return nil, err
	}

	ruleLayer := make([]int, len(rules))
	for li, layer := range layers {
		for _, idx := range layer {
			ruleLayer[idx] = li
		}
	}

	return &Plan{Rules: rules, Analyses: analyses, Layers: layers, RuleLayer: ruleLayer}, nil
}

// checkProducerUniqueness rejects any output produced by two different
// rules; no proof of mutual exclusion is attempted. One rule producing the
// same output in both its then and else branches is accepted, not
// rejected — see DESIGN.md for the policy write-up.
func checkProducerUniqueness(rules []*model.Rule, analyses []*analyzer.Analysis) (map[model.Key]int, error) {
	producer := make(map[model.Key]int)
	for i, r := range rules {
		produced := make(map[model.Key]bool)
		for _, act := range r.Actions {
			if act.Kind == model.ActionSetValue || act.Kind == model.ActionBufferAppend {
				produced[act.TargetKey] = true
			}
		}
		for _, act := range r.ElseActions {
			if act.Kind == model.ActionSetValue || act.Kind == model.ActionBufferAppend {
				produced[act.TargetKey] = true
			}
		}
		for key := range produced {
			if existing, ok := producer[key]; ok && existing != i {
				return nil, errs.NewConfigurationError(
					fmt.Sprintf("output %q produced by both rule %q and rule %q with no proof of mutual exclusion",
						key, rules[existing].Name, r.Name), nil)
			}
			producer[key] = i
		}
		_ = analyses[i]
	}
	return producer, nil
}

// layerByKahn repeatedly peels rules with indegree 0 (Kahn's algorithm). If
// peeling terminates with rules remaining, the residual graph contains a
// cycle and a CyclicDependency ConfigurationError is returned naming the
// path.
func layerByKahn(rules []*model.Rule, adjacency [][]int, indegree []int) ([][]int, error) {
	remaining := len(rules)
	inCur := make([]int, len(rules))
	copy(inCur, indegree)

	var layers [][]int
	placed := make([]bool, len(rules))

	for remaining > 0 {
		var layer []int
		for i := range rules {
			if !placed[i] && inCur[i] == 0 {
				layer = append(layer, i)
			}
		}
		if len(layer) == 0 {
			return nil, cyclicDependencyError(rules, placed)
		}
		slices.Sort(layer)
		for _, i := range layer {
			placed[i] = true
			remaining--
			for _, dep := range adjacency[i] {
				inCur[dep]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// cyclicDependencyError finds one cycle among the unplaced rules (via DFS)
// to report a concrete path, per §4.2.
func cyclicDependencyError(rules []*model.Rule, placed []bool) error {
	var path []string
	visited := make(map[int]int) // 0=unvisited,1=in-stack,2=done
	var dfs func(i int) bool
	dfs = func(i int) bool {
		visited[i] = 1
		path = append(path, rules[i].Name)
		for j := range rules {
			if placed[j] || visited[j] == 2 {
				continue
			}
			// edge i->j exists if j's analysis references an output i produces;
			// we only need *a* path for reporting, so a direct re-scan suffices.
			if referencesOutputOf(rules[j], rules[i]) {
				if visited[j] == 1 {
					path = append(path, rules[j].Name)
					return true
				}
				if dfs(j) {
					return true
				}
			}
		}
		visited[i] = 2
		path = path[:len(path)-1]
		return false
	}
	for i := range rules {
		if !placed[i] && visited[i] == 0 {
			path = nil
			if dfs(i) {
				break
			}
		}
	}
	return errs.NewConfigurationError(
		fmt.Sprintf("cyclic dependency among rules: %s", strings.Join(path, " -> ")), nil)
}

func referencesOutputOf(consumer, producer *model.Rule) bool {
	produced := make(map[model.Key]bool)
	for _, act := range producer.Actions {
		produced[act.TargetKey] = true
	}
	for _, act := range producer.ElseActions {
		produced[act.TargetKey] = true
	}
	a, err := analyzer.Analyze(consumer)
	if err != nil {
		return false
	}
	for sensor := range a.ReferencedSensors {
		if produced[sensor] {
			return true
		}
	}
	return false
}
