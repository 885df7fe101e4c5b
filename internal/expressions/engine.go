package expressions

import (
	"context"

	"github.com/warekit/procflow/pkg/schema"
)

// Engine evaluates transition rule and condition step expressions.
// Two implementations: Expr (the default) and CEL.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope keys exposed to every expression:
//   - data:    map(string, dyn) — accumulated workflow data merged with the
//     completed step's step_data
//   - outcome: string — completed | failed | skipped
//   - step:    string — code of the step whose rules are being evaluated
//   - entity:  map(string, dyn) — {type, id} of the entity the instance targets
var scopeKeys = []string{"data", "outcome", "step", "entity"}

// Evaluators bundles the supported engines and picks one by rule language.
type Evaluators struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewEvaluators builds the engine set. CEL environment construction can fail;
// expr cannot.
func NewEvaluators() (*Evaluators, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluators{expr: NewExprEngine(), cel: celEng}, nil
}

// ForLanguage returns the engine for the given rule language.
// Empty and "expr" select Expr; "cel" selects CEL.
func (e *Evaluators) ForLanguage(lang string) (Engine, error) {
	switch lang {
	case "", "expr":
		return e.expr, nil
	case "cel":
		return e.cel, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", lang)
	}
}

// EvalBool evaluates a condition and coerces the result to a boolean.
// Non-boolean results are a definition problem surfaced at runtime as
// EXECUTION_ERROR (activation compiles conditions but cannot type them
// without data).
func (e *Evaluators) EvalBool(ctx context.Context, lang, expression string, data map[string]any) (bool, error) {
	eng, err := e.ForLanguage(lang)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Compile checks that an expression parses under the given language without
// evaluating it. Used by activation validation.
func (e *Evaluators) Compile(lang, expression string) error {
	eng, err := e.ForLanguage(lang)
	if err != nil {
		return err
	}
	switch t := eng.(type) {
	case *ExprEngine:
		_, err = t.getOrCompile(expression)
	case *CELEngine:
		_, err = t.getOrCompile(expression)
	}
	return err
}
