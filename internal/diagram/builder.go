package diagram

import (
	"fmt"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// Build converts a workflow definition into a diagram model. Steps become
// nodes shaped by their type; transition rules become labelled edges.
func Build(def *schema.WorkflowDefinition) *Model {
	model := &Model{Title: def.Name}
	if model.Title == "" {
		model.Title = def.ID
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:    step.Code,
			Label: nodeLabel(step),
			Kind:  nodeKind(step),
		})
		for _, rule := range step.TransitionRules {
			model.Edges = append(model.Edges, Edge{
				From:   step.Code,
				To:     rule.Target,
				Label:  edgeLabel(rule),
				Dashed: rule.Outcome == schema.StepStatusFailed || rule.Outcome == schema.StepStatusSkipped,
			})
		}
	}
	return model
}

// Overlay marks each node with the status of its step instance, taking the
// most recent activation when a step ran more than once.
func Overlay(model *Model, steps []*store.StepInstance) {
	latest := make(map[string]*store.StepInstance, len(steps))
	for _, si := range steps {
		prev, ok := latest[si.StepCode]
		if !ok || si.CreatedAt.After(prev.CreatedAt) {
			latest[si.StepCode] = si
		}
	}
	for _, node := range model.Nodes {
		if si, ok := latest[node.ID]; ok {
			node.Status = string(si.Status)
		}
	}
}

func nodeLabel(step *schema.StepSpec) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Code
}

func nodeKind(step *schema.StepSpec) NodeKind {
	if step.IsStart {
		return NodeKindStart
	}
	if step.IsEnd {
		return NodeKindEnd
	}
	switch step.Type {
	case schema.StepTypeManual:
		return NodeKindManual
	case schema.StepTypeAutomatic:
		return NodeKindAutomatic
	case schema.StepTypeApproval:
		return NodeKindApproval
	case schema.StepTypeNotification:
		return NodeKindNotification
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeIntegration:
		return NodeKindIntegration
	default:
		return NodeKindManual
	}
}

// edgeLabel composes the outcome and condition of a rule into a short edge
// label, e.g. "failed: attempts > 3".
func edgeLabel(rule schema.TransitionRule) string {
	outcome := rule.Outcome
	if outcome == "" {
		outcome = schema.StepStatusCompleted
	}
	switch {
	case rule.Condition == "" && outcome == schema.StepStatusCompleted:
		return ""
	case rule.Condition == "":
		return string(outcome)
	case outcome == schema.StepStatusCompleted:
		return rule.Condition
	default:
		return fmt.Sprintf("%s: %s", outcome, rule.Condition)
	}
}
