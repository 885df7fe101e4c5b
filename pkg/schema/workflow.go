package schema

import "encoding/json"

// WorkflowDefinition is an immutable, versioned graph of typed steps.
// Editing an activated definition always produces version+1; instances keep
// referencing the version that was active when they were created.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	EntityType  string         `json:"entity_type"`
	Version     int            `json:"version"`
	Active      bool           `json:"active"`
	Steps       []StepSpec     `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepSpec describes a single step in a workflow definition.
type StepSpec struct {
	Code              string           `json:"code"`
	Name              string           `json:"name,omitempty"`
	Type              StepType         `json:"type"`
	Configuration     json.RawMessage  `json:"configuration,omitempty"` // type-specific, see *Config below
	TransitionRules   []TransitionRule `json:"transition_rules,omitempty"`
	IsStart           bool             `json:"is_start,omitempty"`
	IsEnd             bool             `json:"is_end,omitempty"`
	TimeoutMinutes    *int             `json:"timeout_minutes,omitempty"`
	TimeoutAction     TimeoutAction    `json:"timeout_action,omitempty"`
	ParallelExecution bool             `json:"parallel_execution,omitempty"`
	JoinOn            []string         `json:"join_on,omitempty"` // parallel predecessors for an AND-join
}

// TransitionRule routes a step outcome to a target step. Rules are evaluated
// in declaration order against the outcome they apply to; the first rule whose
// condition matches wins. An empty condition is a catch-all.
type TransitionRule struct {
	Outcome   StepStatus `json:"outcome,omitempty"`   // completed (default), failed, skipped
	Condition string     `json:"condition,omitempty"` // expression over workflow data
	Language  string     `json:"language,omitempty"`  // expr (default) | cel
	Target    string     `json:"target_step_code"`
}

// Step finds a StepSpec by code, or nil.
func (d *WorkflowDefinition) Step(code string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].Code == code {
			return &d.Steps[i]
		}
	}
	return nil
}

// StartStep returns the step marked is_start, or nil. Activation validation
// guarantees exactly one exists on any activated definition.
func (d *WorkflowDefinition) StartStep() *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].IsStart {
			return &d.Steps[i]
		}
	}
	return nil
}

// RulesFor returns the transition rules applying to the given outcome, in
// declaration order. Skipped steps fall back to the completed rules when no
// skip-specific rule is declared.
func (s *StepSpec) RulesFor(outcome StepStatus) []TransitionRule {
	var rules []TransitionRule
	for _, r := range s.TransitionRules {
		o := r.Outcome
		if o == "" {
			o = StepStatusCompleted
		}
		if o == outcome {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 && outcome == StepStatusSkipped {
		return s.RulesFor(StepStatusCompleted)
	}
	return rules
}

// HasErrorBranch reports whether the step declares any rule for the failed
// outcome. Without one, a step failure fails the whole instance.
func (s *StepSpec) HasErrorBranch() bool {
	for _, r := range s.TransitionRules {
		if r.Outcome == StepStatusFailed {
			return true
		}
	}
	return false
}

// ManualConfig is the configuration block for manual (task) steps.
type ManualConfig struct {
	AssignTo     string   `json:"assign_to,omitempty"`
	AssignGroup  string   `json:"assign_group,omitempty"`
	Assignees    []string `json:"assignees,omitempty"` // rotation pool for the reassign timeout action
	Instructions string   `json:"instructions,omitempty"`
}

// AutomaticConfig is the configuration block for automatic (script) steps.
type AutomaticConfig struct {
	Handler string          `json:"handler"`
	Async   bool            `json:"async,omitempty"` // handler completes via callback
	Params  json.RawMessage `json:"params,omitempty"`
}

// ApprovalConfig is the configuration block for approval steps.
type ApprovalConfig struct {
	ApprovalType ApprovalType   `json:"approval_type"`
	Approvers    []ApproverSpec `json:"approvers"`
	Quorum       string         `json:"quorum,omitempty"`       // any (default) | all, group approvals only
	QuorumCount  int            `json:"quorum_count,omitempty"` // N-of-M, overrides quorum when > 0
	Escalation   *ApproverSpec  `json:"escalation,omitempty"`   // target for the escalate timeout action
}

// ApproverSpec identifies one approver, group role, or hierarchy level.
type ApproverSpec struct {
	ApproverID string `json:"approver_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Level      int    `json:"level,omitempty"` // hierarchical approvals, 1-based
}

// NotificationConfig is the configuration block for notification steps.
type NotificationConfig struct {
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Template   string   `json:"template,omitempty"` // jq expression over workflow data
}

// IntegrationConfig is the configuration block for integration steps.
type IntegrationConfig struct {
	Adapter         string          `json:"adapter"`
	Async           bool            `json:"async,omitempty"` // adapter completes via callback
	Params          json.RawMessage `json:"params,omitempty"`
	PayloadTemplate string          `json:"payload_template,omitempty"` // jq expression over workflow data
}
