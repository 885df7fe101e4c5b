package validation

import (
	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/pkg/schema"
)

// HandlerLookup reports whether a named automatic-step handler or integration
// adapter is registered. Either lookup may be nil to skip existence checks.
type HandlerLookup interface {
	HasHandler(name string) bool
	HasAdapter(name string) bool
}

// ActivationValidator runs the three-stage pipeline a definition must pass
// before it can be activated:
//  1. Structural — per-step-type configuration against JSON Schema
//  2. Semantic — start/end invariants, transition targets, rule conditions,
//     quorum configuration, handler references
//  3. Graph — reachability from the start step
//
// Problems found here are DEFINITION_ERRORs; they never reach runtime.
type ActivationValidator struct {
	configs *configSchemas
	evals   *expressions.Evaluators
	lookup  HandlerLookup
}

// NewActivationValidator creates an ActivationValidator.
// lookup may be nil to skip handler/adapter existence checks.
func NewActivationValidator(evals *expressions.Evaluators, lookup HandlerLookup) (*ActivationValidator, error) {
	cs, err := newConfigSchemas()
	if err != nil {
		return nil, err
	}
	return &ActivationValidator{configs: cs, evals: evals, lookup: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (v *ActivationValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "workflow definition is nil")
		return r
	}

	result := v.validateStructural(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.evals, v.lookup))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateForActivation converts the pipeline result into a DEFINITION_ERROR,
// or nil when the definition may be activated.
func (v *ActivationValidator) ValidateForActivation(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}
