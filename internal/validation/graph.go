package validation

import (
	"fmt"
	"sort"

	"github.com/warekit/procflow/pkg/schema"
)

// validateGraph performs reachability analysis over the transition edges:
// every step should be reachable from the start step (BFS), and some end
// step must be reachable, or completed instances could never terminate.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start := def.StartStep()
	if start == nil {
		// Already reported by the semantic stage.
		return result
	}

	edges := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, rule := range step.TransitionRules {
			if rule.Target != "" {
				edges[step.Code] = append(edges[step.Code], rule.Target)
			}
		}
	}

	// BFS from the start step.
	reachable := map[string]bool{start.Code: true}
	queue := []string{start.Code}
	endReachable := start.IsEnd
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if reachable[next] {
				continue
			}
			reachable[next] = true
			queue = append(queue, next)
			if s := def.Step(next); s != nil && s.IsEnd {
				endReachable = true
			}
		}
	}

	if !endReachable {
		result.AddError("/steps", schema.ErrCodeDefinition,
			"no end step is reachable from the start step")
	}

	var dead []string
	for i := range def.Steps {
		if !reachable[def.Steps[i].Code] {
			dead = append(dead, def.Steps[i].Code)
		}
	}
	sort.Strings(dead)
	for _, code := range dead {
		result.AddWarning("/steps", schema.ErrCodeDefinition,
			fmt.Sprintf("step %q is unreachable from the start step", code))
	}

	return result
}
