package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/pkg/schema"
)

type fakeLookup struct {
	handlers map[string]bool
	adapters map[string]bool
}

func (f fakeLookup) HasHandler(name string) bool { return f.handlers[name] }
func (f fakeLookup) HasAdapter(name string) bool { return f.adapters[name] }

func newTestValidator(t *testing.T) *ActivationValidator {
	t.Helper()
	evals, err := expressions.NewEvaluators()
	require.NoError(t, err)
	v, err := NewActivationValidator(evals, fakeLookup{
		handlers: map[string]bool{"quality_check": true},
		adapters: map[string]bool{"http": true},
	})
	require.NoError(t, err)
	return v
}

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func validDefinition(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	return &schema.WorkflowDefinition{
		ID:         "wf-1",
		Name:       "Fulfillment",
		EntityType: "outbound_order",
		Steps: []schema.StepSpec{
			{
				Code:    "pick",
				Type:    schema.StepTypeManual,
				IsStart: true,
				Configuration: rawConfig(t, schema.ManualConfig{
					AssignGroup: "pickers",
				}),
				TransitionRules: []schema.TransitionRule{
					{Target: "check"},
				},
			},
			{
				Code:          "check",
				Type:          schema.StepTypeAutomatic,
				Configuration: rawConfig(t, schema.AutomaticConfig{Handler: "quality_check"}),
				TransitionRules: []schema.TransitionRule{
					{Condition: `data.order_value > 100`, Target: "approve"},
					{Target: "ship"},
				},
			},
			{
				Code: "approve",
				Type: schema.StepTypeApproval,
				Configuration: rawConfig(t, schema.ApprovalConfig{
					ApprovalType: schema.ApprovalTypeGroup,
					Approvers: []schema.ApproverSpec{
						{ApproverID: "sup-1"},
						{ApproverID: "sup-2"},
					},
				}),
				TransitionRules: []schema.TransitionRule{
					{Target: "ship"},
					{Outcome: schema.StepStatusFailed, Target: "ship"},
				},
			},
			{Code: "ship", Type: schema.StepTypeManual, IsEnd: true},
		},
	}
}

func TestValidDefinitionPasses(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(validDefinition(t))
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	assert.NoError(t, v.ValidateForActivation(validDefinition(t)))
}

func TestMissingEntityType(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.EntityType = ""
	assert.False(t, v.Validate(def).Valid())
}

func TestStartAndEndInvariants(t *testing.T) {
	v := newTestValidator(t)

	def := validDefinition(t)
	def.Steps[0].IsStart = false
	assert.False(t, v.Validate(def).Valid(), "no start step")

	def = validDefinition(t)
	def.Steps[1].IsStart = true
	assert.False(t, v.Validate(def).Valid(), "two start steps")

	def = validDefinition(t)
	def.Steps[3].IsEnd = false
	assert.False(t, v.Validate(def).Valid(), "no end step")
}

func TestUnknownTransitionTarget(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.Steps[0].TransitionRules[0].Target = "nowhere"
	assert.False(t, v.Validate(def).Valid())
}

func TestNonEndStepNeedsCatchAll(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	// Only a conditional rule left: evaluation can fall through.
	def.Steps[1].TransitionRules = def.Steps[1].TransitionRules[:1]
	assert.False(t, v.Validate(def).Valid())
}

func TestBrokenConditionRejected(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.Steps[1].TransitionRules[0].Condition = `data.order_value >`
	assert.False(t, v.Validate(def).Valid())
}

func TestUnknownHandlerRejected(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.Steps[1].Configuration = rawConfig(t, schema.AutomaticConfig{Handler: "missing"})
	assert.False(t, v.Validate(def).Valid())
}

func TestTimeoutCoherence(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	// Action without a window is incoherent.
	def.Steps[0].TimeoutAction = schema.TimeoutActionEscalate
	def.Steps[0].TimeoutMinutes = nil
	assert.False(t, v.Validate(def).Valid())

	def = validDefinition(t)
	minutes := 30
	def.Steps[0].TimeoutMinutes = &minutes
	def.Steps[0].TimeoutAction = schema.TimeoutActionReassign
	assert.True(t, v.Validate(def).Valid())
}

func TestApprovalConfigValidation(t *testing.T) {
	v := newTestValidator(t)

	// Individual approvals need exactly one approver.
	def := validDefinition(t)
	def.Steps[2].Configuration = rawConfig(t, schema.ApprovalConfig{
		ApprovalType: schema.ApprovalTypeIndividual,
		Approvers: []schema.ApproverSpec{
			{ApproverID: "a"}, {ApproverID: "b"},
		},
	})
	assert.False(t, v.Validate(def).Valid())

	// Quorum count cannot exceed the approver pool.
	def = validDefinition(t)
	def.Steps[2].Configuration = rawConfig(t, schema.ApprovalConfig{
		ApprovalType: schema.ApprovalTypeGroup,
		Approvers:    []schema.ApproverSpec{{ApproverID: "a"}, {ApproverID: "b"}},
		QuorumCount:  3,
	})
	assert.False(t, v.Validate(def).Valid())

	// Hierarchical levels must be contiguous from 1.
	def = validDefinition(t)
	def.Steps[2].Configuration = rawConfig(t, schema.ApprovalConfig{
		ApprovalType: schema.ApprovalTypeHierarchical,
		Approvers: []schema.ApproverSpec{
			{ApproverID: "a", Level: 1},
			{ApproverID: "b", Level: 3},
		},
	})
	assert.False(t, v.Validate(def).Valid())

	def = validDefinition(t)
	def.Steps[2].Configuration = rawConfig(t, schema.ApprovalConfig{
		ApprovalType: schema.ApprovalTypeHierarchical,
		Approvers: []schema.ApproverSpec{
			{ApproverID: "a", Level: 1},
			{ApproverID: "b", Level: 2},
		},
	})
	assert.True(t, v.Validate(def).Valid())
}

func TestUnreachableStepWarns(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.Steps = append(def.Steps, schema.StepSpec{
		Code: "orphan",
		Type: schema.StepTypeManual,
		TransitionRules: []schema.TransitionRule{
			{Target: "ship"},
		},
	})
	result := v.Validate(def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestStructuralShortCircuit(t *testing.T) {
	v := newTestValidator(t)
	def := validDefinition(t)
	def.Steps[1].Configuration = json.RawMessage(`{"async": true}`) // missing handler
	result := v.Validate(def)
	assert.False(t, result.Valid())
}
