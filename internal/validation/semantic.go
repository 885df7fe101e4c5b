package validation

import (
	"encoding/json"
	"fmt"

	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the definition.
// Checks: exactly one start step, at least one end step, transition targets
// exist, non-end steps have a catch-all completed rule, conditions compile,
// timeout fields are coherent, quorum configuration is sound, and handler /
// adapter names resolve.
func validateSemantic(def *schema.WorkflowDefinition, evals *expressions.Evaluators, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	codes := make(map[string]bool, len(def.Steps))
	starts, ends := 0, 0
	for i := range def.Steps {
		step := &def.Steps[i]
		if codes[step.Code] {
			result.AddError(fmt.Sprintf("steps[%d].code", i), schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate step code %q", step.Code))
		}
		codes[step.Code] = true
		if step.IsStart {
			starts++
		}
		if step.IsEnd {
			ends++
		}
	}

	if starts != 1 {
		result.AddError("/steps", schema.ErrCodeDefinition,
			fmt.Sprintf("definition must have exactly one start step, found %d", starts))
	}
	if ends == 0 {
		result.AddError("/steps", schema.ErrCodeDefinition, "definition has no end step")
	}

	for i := range def.Steps {
		validateStepSemantic(&def.Steps[i], fmt.Sprintf("steps[%d]", i), codes, evals, lookup, result)
	}

	return result
}

func validateStepSemantic(step *schema.StepSpec, path string, codes map[string]bool, evals *expressions.Evaluators, lookup HandlerLookup, result *schema.ValidationResult) {
	// Transition rule targets and conditions.
	hasCatchAll := false
	for j, rule := range step.TransitionRules {
		rulePath := fmt.Sprintf("%s.transition_rules[%d]", path, j)

		if rule.Target == "" {
			result.AddError(rulePath+".target_step_code", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q rule has no target", step.Code))
		} else if !codes[rule.Target] {
			result.AddError(rulePath+".target_step_code", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q rule targets non-existent step %q", step.Code, rule.Target))
		}

		switch rule.Outcome {
		case "", schema.StepStatusCompleted:
			if rule.Condition == "" {
				hasCatchAll = true
			}
		case schema.StepStatusFailed, schema.StepStatusSkipped:
		default:
			result.AddError(rulePath+".outcome", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q rule has invalid outcome %q", step.Code, rule.Outcome))
		}

		if rule.Condition != "" && evals != nil {
			if err := evals.Compile(rule.Language, rule.Condition); err != nil {
				result.AddError(rulePath+".condition", schema.ErrCodeDefinition,
					fmt.Sprintf("step %q: %s", step.Code, err))
			}
		}
	}

	// Evaluation fails closed without a default rule; require it at activation.
	if !step.IsEnd && !hasCatchAll {
		result.AddError(path+".transition_rules", schema.ErrCodeDefinition,
			fmt.Sprintf("step %q has no catch-all rule for the completed outcome", step.Code))
	}
	if step.IsEnd && len(step.TransitionRules) > 0 {
		result.AddWarning(path+".transition_rules", schema.ErrCodeDefinition,
			fmt.Sprintf("end step %q declares transition rules; they are never evaluated", step.Code))
	}

	// Timeout coherence.
	if step.TimeoutAction != "" && step.TimeoutAction != schema.TimeoutActionNone {
		switch step.TimeoutAction {
		case schema.TimeoutActionEscalate, schema.TimeoutActionSkip, schema.TimeoutActionFail, schema.TimeoutActionReassign:
		default:
			result.AddError(path+".timeout_action", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q has invalid timeout action %q", step.Code, step.TimeoutAction))
		}
		if step.TimeoutMinutes == nil {
			result.AddError(path+".timeout_minutes", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q has timeout action %q but no timeout_minutes", step.Code, step.TimeoutAction))
		}
	}
	if step.TimeoutMinutes != nil && *step.TimeoutMinutes < 0 {
		result.AddError(path+".timeout_minutes", schema.ErrCodeDefinition,
			fmt.Sprintf("step %q has negative timeout_minutes", step.Code))
	}

	// Join predecessors must exist.
	for j, pred := range step.JoinOn {
		if !codes[pred] {
			result.AddError(fmt.Sprintf("%s.join_on[%d]", path, j), schema.ErrCodeDefinition,
				fmt.Sprintf("step %q joins on non-existent step %q", step.Code, pred))
		}
	}

	// Type-specific configuration semantics beyond what JSON Schema covers.
	switch step.Type {
	case schema.StepTypeAutomatic:
		var cfg schema.AutomaticConfig
		if err := json.Unmarshal(configOrEmpty(step.Configuration), &cfg); err == nil {
			if lookup != nil && cfg.Handler != "" && !lookup.HasHandler(cfg.Handler) {
				result.AddError(path+".configuration.handler", schema.ErrCodeDefinition,
					fmt.Sprintf("step %q references unregistered handler %q", step.Code, cfg.Handler))
			}
		}

	case schema.StepTypeIntegration:
		var cfg schema.IntegrationConfig
		if err := json.Unmarshal(configOrEmpty(step.Configuration), &cfg); err == nil {
			if lookup != nil && cfg.Adapter != "" && !lookup.HasAdapter(cfg.Adapter) {
				result.AddError(path+".configuration.adapter", schema.ErrCodeDefinition,
					fmt.Sprintf("step %q references unregistered adapter %q", step.Code, cfg.Adapter))
			}
		}

	case schema.StepTypeApproval:
		var cfg schema.ApprovalConfig
		if err := json.Unmarshal(configOrEmpty(step.Configuration), &cfg); err == nil {
			validateApprovalConfig(step.Code, path, &cfg, result)
		}

	case schema.StepTypeCondition:
		// Condition steps route purely through their transition rules; at
		// least one conditional rule is expected alongside the catch-all.
		conditional := 0
		for _, r := range step.TransitionRules {
			if r.Condition != "" {
				conditional++
			}
		}
		if conditional == 0 && !step.IsEnd {
			result.AddWarning(path+".transition_rules", schema.ErrCodeDefinition,
				fmt.Sprintf("condition step %q has no conditional rules; it always takes the catch-all", step.Code))
		}
	}
}

func validateApprovalConfig(stepCode, path string, cfg *schema.ApprovalConfig, result *schema.ValidationResult) {
	for j, ap := range cfg.Approvers {
		if ap.ApproverID == "" && ap.Role == "" {
			result.AddError(fmt.Sprintf("%s.configuration.approvers[%d]", path, j), schema.ErrCodeDefinition,
				fmt.Sprintf("step %q approver needs an approver_id or role", stepCode))
		}
	}

	switch cfg.ApprovalType {
	case schema.ApprovalTypeIndividual:
		if len(cfg.Approvers) != 1 {
			result.AddError(path+".configuration.approvers", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q individual approval needs exactly one approver, found %d", stepCode, len(cfg.Approvers)))
		}

	case schema.ApprovalTypeGroup:
		if cfg.QuorumCount > len(cfg.Approvers) {
			result.AddError(path+".configuration.quorum_count", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q quorum_count %d exceeds approver count %d", stepCode, cfg.QuorumCount, len(cfg.Approvers)))
		}

	case schema.ApprovalTypeHierarchical:
		// Levels must be contiguous starting at 1; only the current level
		// may respond at runtime.
		seen := make(map[int]bool, len(cfg.Approvers))
		for j, ap := range cfg.Approvers {
			if ap.Level < 1 {
				result.AddError(fmt.Sprintf("%s.configuration.approvers[%d].level", path, j), schema.ErrCodeDefinition,
					fmt.Sprintf("step %q hierarchical approver needs a level >= 1", stepCode))
				continue
			}
			if seen[ap.Level] {
				result.AddError(fmt.Sprintf("%s.configuration.approvers[%d].level", path, j), schema.ErrCodeDefinition,
					fmt.Sprintf("step %q has duplicate approval level %d", stepCode, ap.Level))
			}
			seen[ap.Level] = true
		}
		for lvl := 1; lvl <= len(seen); lvl++ {
			if !seen[lvl] {
				result.AddError(path+".configuration.approvers", schema.ErrCodeDefinition,
					fmt.Sprintf("step %q approval levels are not contiguous, missing level %d", stepCode, lvl))
				break
			}
		}
	}
}

func configOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
