package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// Route is one resolved transition out of a finished step.
type Route struct {
	Rule   schema.TransitionRule
	Target *schema.StepSpec
	Type   schema.TransitionType
}

// Evaluator resolves the transition rules of a finished step against the
// instance's workflow data and decides which successor steps to activate.
type Evaluator struct {
	store  store.Store
	evals  *expressions.Evaluators
	logger *slog.Logger
	now    func() time.Time
}

func NewEvaluator(st store.Store, evals *expressions.Evaluators, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: st, evals: evals, logger: logger, now: time.Now}
}

// ruleScope builds the expression scope for rule conditions.
func ruleScope(inst *store.Instance, stepCode string, outcome schema.StepStatus) map[string]any {
	data := inst.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"data":    data,
		"outcome": string(outcome),
		"step":    stepCode,
		"entity": map[string]any{
			"type": inst.EntityType,
			"id":   inst.EntityID,
		},
	}
}

// Resolve evaluates the rules applying to the step's outcome in declaration
// order and returns the routes to follow. The first matching rule wins; when
// its target runs in parallel, every other matching parallel rule is followed
// too (fan-out). A step with applicable rules but no match is a definition
// defect and fails closed with DEFINITION_ERROR.
//
// End steps with no applicable rules resolve to zero routes: the branch
// closes.
func (e *Evaluator) Resolve(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, spec *schema.StepSpec, outcome schema.StepStatus) ([]Route, error) {
	if spec.IsEnd {
		// End steps close their branch; any declared rules are inert.
		return nil, nil
	}
	rules := spec.RulesFor(outcome)
	if len(rules) == 0 {
		if outcome == schema.StepStatusFailed {
			// Failures without an error branch are handled by the caller.
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"no transition rules for outcome %s", outcome).WithStep(spec.Code)
	}

	scope := ruleScope(inst, spec.Code, outcome)

	var matched []schema.TransitionRule
	for _, rule := range rules {
		ok, err := e.matches(ctx, rule, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"transition condition failed: %s", err).WithStep(spec.Code).WithCause(err)
		}
		if !ok {
			continue
		}
		matched = append(matched, rule)
		// A sequential first match ends evaluation; parallel targets keep
		// collecting so siblings fan out together.
		if target := def.Step(rule.Target); target != nil && !target.ParallelExecution {
			if len(matched) == 1 {
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"no transition rule matched for outcome %s", outcome).WithStep(spec.Code)
	}

	// When the first match is sequential, it is the only route.
	first := def.Step(matched[0].Target)
	if first == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"transition target %q is not a step", matched[0].Target).WithStep(spec.Code)
	}
	if !first.ParallelExecution {
		return []Route{{Rule: matched[0], Target: first, Type: transitionType(outcome)}}, nil
	}

	routes := make([]Route, 0, len(matched))
	for _, rule := range matched {
		target := def.Step(rule.Target)
		if target == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"transition target %q is not a step", rule.Target).WithStep(spec.Code)
		}
		if !target.ParallelExecution {
			continue
		}
		routes = append(routes, Route{Rule: rule, Target: target, Type: transitionType(outcome)})
	}
	return routes, nil
}

func (e *Evaluator) matches(ctx context.Context, rule schema.TransitionRule, scope map[string]any) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}
	return e.evals.EvalBool(ctx, rule.Language, rule.Condition, scope)
}

// Record appends the audit row for one traversed edge.
func (e *Evaluator) Record(ctx context.Context, instanceID, from, to string, typ schema.TransitionType, actor, reason string) error {
	return e.store.AppendTransition(ctx, &store.Transition{
		InstanceID:  instanceID,
		FromStep:    from,
		ToStep:      to,
		Type:        typ,
		TriggeredBy: actor,
		Reason:      reason,
		Timestamp:   e.now().UTC(),
	})
}

// ReadyToJoin reports whether every parallel predecessor named in the
// target's join list has recorded a transition into it. The arrival that
// completes the set activates the join step; earlier arrivals wait.
func (e *Evaluator) ReadyToJoin(ctx context.Context, instanceID string, target *schema.StepSpec) (bool, error) {
	if len(target.JoinOn) == 0 {
		return true, nil
	}
	arrived, err := e.store.ArrivedFrom(ctx, instanceID, target.Code)
	if err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(arrived))
	for _, from := range arrived {
		seen[from] = true
	}
	for _, required := range target.JoinOn {
		if !seen[required] {
			return false, nil
		}
	}
	return true, nil
}

func transitionType(outcome schema.StepStatus) schema.TransitionType {
	switch outcome {
	case schema.StepStatusSkipped:
		return schema.TransitionTypeSkip
	case schema.StepStatusFailed:
		return schema.TransitionTypeError
	default:
		return schema.TransitionTypeNormal
	}
}
