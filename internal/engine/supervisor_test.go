package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

func TestStartDispatchesStartStep(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))

	inst, err := sup.Start(ctx, StartRequest{
		DefinitionID: def.ID,
		EntityID:     "ord-1",
		InitiatedBy:  "trigger",
		Data:         map[string]any{"order_value": float64(50)},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, def.Version, inst.DefinitionVersion)
	assert.Equal(t, []string{"pick"}, inst.CurrentSteps)
	require.NotNil(t, inst.StartedAt)

	// The manual start step waits for external completion.
	pick := stepByCode(t, st, inst.ID, "pick")
	assert.Equal(t, schema.StepStatusInProgress, pick.Status)
}

func TestStartResolvesDefinitionByEntityType(t *testing.T) {
	sup, _, _ := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	activate(t, sup, linearDefinition(t, "noop"))

	inst, err := sup.Start(ctx, StartRequest{EntityType: "outbound_order", EntityID: "ord-2"})
	require.NoError(t, err)
	assert.Equal(t, "outbound_order", inst.EntityType)

	_, err = sup.Start(ctx, StartRequest{EntityType: "unknown_entity", EntityID: "x-1"})
	assert.True(t, schema.IsNotFound(err))

	_, err = sup.Start(ctx, StartRequest{EntityType: "outbound_order"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestLinearFlowRunsToCompletion(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("enrich", func(_ context.Context, _ json.RawMessage, data map[string]any) (map[string]any, error) {
		return map[string]any{"checked": true}, nil
	})
	def := activate(t, sup, linearDefinition(t, "enrich"))

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-3"})
	require.NoError(t, err)

	// Completing pick runs the automatic check and parks on ship.
	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", map[string]any{"picked": float64(3)}))

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"ship"}, got.CurrentSteps)
	assert.Equal(t, true, got.Data["checked"], "handler output merged into workflow data")
	assert.Equal(t, float64(3), got.Data["picked"], "completion data merged into workflow data")

	ship := stepByCode(t, st, inst.ID, "ship")
	require.NoError(t, sup.CompleteStep(ctx, ship.ID, "bob", nil))

	got = instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentSteps)
	require.NotNil(t, got.CompletedAt)

	// The audit log reconstructs the walk.
	transitions, err := sup.ListTransitions(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, "pick", transitions[0].FromStep)
	assert.Equal(t, "check", transitions[0].ToStep)
	assert.Equal(t, "check", transitions[1].FromStep)
	assert.Equal(t, "ship", transitions[1].ToStep)
	assert.Equal(t, "ship", transitions[2].FromStep)
	assert.Equal(t, "", transitions[2].ToStep, "closing row has no target step")
	assert.Equal(t, "instance completed", transitions[2].Reason)
	for i, tr := range transitions {
		assert.EqualValues(t, i+1, tr.Sequence)
	}
}

func TestConditionRouting(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	start := schema.StepSpec{
		Code:    "triage",
		Type:    schema.StepTypeCondition,
		IsStart: true,
		TransitionRules: []schema.TransitionRule{
			{Condition: `data.order_value > 1000`, Target: "review"},
			{Target: "ship"},
		},
	}
	def := activate(t, sup, &schema.WorkflowDefinition{
		Name:       "Triage",
		EntityType: "outbound_order",
		Steps:      []schema.StepSpec{start, manualStep("review", ""), manualStep("ship", "")},
	})

	high, err := sup.Start(ctx, StartRequest{
		DefinitionID: def.ID, EntityID: "ord-hi",
		Data: map[string]any{"order_value": float64(5000)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"review"}, instanceByID(t, st, high.ID).CurrentSteps)

	low, err := sup.Start(ctx, StartRequest{
		DefinitionID: def.ID, EntityID: "ord-lo",
		Data: map[string]any{"order_value": float64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ship"}, instanceByID(t, st, low.ID).CurrentSteps)
}

func TestFailureWithoutErrorBranchFailsInstance(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("explode", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, errors.New("scanner offline")
	})
	def := activate(t, sup, linearDefinition(t, "explode"))

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-4"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)

	check := stepByCode(t, st, inst.ID, "check")
	assert.Equal(t, schema.StepStatusFailed, check.Status)
	assert.Contains(t, check.ErrorMessage, "scanner offline")
}

func TestErrorBranchRoutesFailure(t *testing.T) {
	sup, notifier, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("explode", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, errors.New("bad batch")
	})
	spec := linearDefinition(t, "explode")
	spec.Steps[1].TransitionRules = append(spec.Steps[1].TransitionRules,
		schema.TransitionRule{Outcome: schema.StepStatusFailed, Target: "alert"})
	spec.Steps = append(spec.Steps, schema.StepSpec{
		Code:  "alert",
		Type:  schema.StepTypeNotification,
		IsEnd: true,
		Configuration: mustJSON(t, schema.NotificationConfig{
			Channel:    "ops",
			Recipients: []string{"inventory-team"},
			Subject:    "check failed",
		}),
	})
	def := activate(t, sup, spec)

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-5"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))

	// The failure routed to the notification end step; the instance
	// completed along the error branch.
	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].Channel)

	transitions, err := sup.ListTransitions(ctx, inst.ID)
	require.NoError(t, err)
	var errorEdge bool
	for _, tr := range transitions {
		if tr.FromStep == "check" && tr.ToStep == "alert" {
			assert.Equal(t, schema.TransitionTypeError, tr.Type)
			errorEdge = true
		}
	}
	assert.True(t, errorEdge)
}

func TestSkipFallsBackToCompletedRoute(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-6"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.SkipStep(ctx, pick.ID, "supervisor", "already staged"))

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, []string{"ship"}, got.CurrentSteps)

	transitions, err := sup.ListTransitions(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionTypeSkip, transitions[0].Type)
}

func TestParallelFanOutAndJoin(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	scan := manualStep("scan", "merge")
	scan.ParallelExecution = true
	weigh := manualStep("weigh", "merge")
	weigh.ParallelExecution = true
	merge := manualStep("merge", "")
	merge.JoinOn = []string{"scan", "weigh"}

	start := schema.StepSpec{
		Code:    "split",
		Type:    schema.StepTypeCondition,
		IsStart: true,
		TransitionRules: []schema.TransitionRule{
			{Target: "scan"},
			{Target: "weigh"},
		},
	}
	def := activate(t, sup, &schema.WorkflowDefinition{
		Name:       "Parallel",
		EntityType: "outbound_order",
		Steps:      []schema.StepSpec{start, scan, weigh, merge},
	})

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-7"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scan", "weigh"}, instanceByID(t, st, inst.ID).CurrentSteps)

	// First arrival waits for the sibling branch.
	scanStep := stepByCode(t, st, inst.ID, "scan")
	require.NoError(t, sup.CompleteStep(ctx, scanStep.ID, "alice", nil))
	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, []string{"weigh"}, got.CurrentSteps)

	// The last arrival activates the join step.
	weighStep := stepByCode(t, st, inst.ID, "weigh")
	require.NoError(t, sup.CompleteStep(ctx, weighStep.ID, "bob", nil))
	got = instanceByID(t, st, inst.ID)
	assert.Equal(t, []string{"merge"}, got.CurrentSteps)

	mergeStep := stepByCode(t, st, inst.ID, "merge")
	assert.Equal(t, schema.StepStatusInProgress, mergeStep.Status)
	require.NoError(t, sup.CompleteStep(ctx, mergeStep.ID, "carol", nil))
	assert.Equal(t, schema.InstanceStatusCompleted, instanceByID(t, st, inst.ID).Status)
}

func TestIntegrationStepUsesAdapter(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	adapter := &fakeAdapter{name: "carrier", data: map[string]any{"booking_ref": "BK-1"}}
	sup.Executor().RegisterAdapter(adapter)

	start := schema.StepSpec{
		Code:    "book",
		Type:    schema.StepTypeIntegration,
		IsStart: true,
		Configuration: mustJSON(t, schema.IntegrationConfig{
			Adapter: "carrier",
		}),
		TransitionRules: []schema.TransitionRule{{Target: "ship"}},
	}
	def := activate(t, sup, &schema.WorkflowDefinition{
		Name:       "Booking",
		EntityType: "outbound_order",
		Steps:      []schema.StepSpec{start, manualStep("ship", "")},
	})

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-8"})
	require.NoError(t, err)

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, []string{"ship"}, got.CurrentSteps)
	assert.Equal(t, "BK-1", got.Data["booking_ref"])
	assert.Equal(t, 1, adapter.invoked)
}

func TestCompleteStepRejectsWrongStates(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))
	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-9"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))

	// A second completion of the same step is an invalid transition.
	err = sup.CompleteStep(ctx, pick.ID, "bob", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	err = sup.CompleteStep(ctx, "no-such-step", "bob", nil)
	assert.True(t, schema.IsNotFound(err))
}

func TestPauseResumeLifecycle(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))
	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-10"})
	require.NoError(t, err)

	require.NoError(t, sup.Pause(ctx, inst.ID, "ops"))
	assert.Equal(t, schema.InstanceStatusPaused, instanceByID(t, st, inst.ID).Status)

	// Completions are held while paused.
	pick := stepByCode(t, st, inst.ID, "pick")
	err = sup.CompleteStep(ctx, pick.ID, "alice", nil)
	assert.True(t, schema.IsConflict(err))

	// Pausing twice is invalid.
	err = sup.Pause(ctx, inst.ID, "ops")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	require.NoError(t, sup.Resume(ctx, inst.ID, "ops"))
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))
	assert.Equal(t, []string{"ship"}, instanceByID(t, st, inst.ID).CurrentSteps)
}

func TestCancelClosesOpenSteps(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))
	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-11"})
	require.NoError(t, err)

	require.NoError(t, sup.Cancel(ctx, inst.ID, "ops", "customer cancelled"))

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusCancelled, got.Status)
	assert.Empty(t, got.CurrentSteps)
	require.NotNil(t, got.CompletedAt)

	pick := stepByCode(t, st, inst.ID, "pick")
	assert.Equal(t, schema.StepStatusCancelled, pick.Status)
	assert.Nil(t, pick.TimeoutAt)

	// Terminal instances cannot be cancelled again.
	err = sup.Cancel(ctx, inst.ID, "ops", "")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestRetryRedispatchesFailedSteps(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	healthy := false
	sup.Executor().RegisterHandler("flaky", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		if !healthy {
			return nil, errors.New("temporarily down")
		}
		return map[string]any{"checked": true}, nil
	})
	def := activate(t, sup, linearDefinition(t, "flaky"))
	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-12"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))
	assert.Equal(t, schema.InstanceStatusFailed, instanceByID(t, st, inst.ID).Status)

	// Retry on a non-failed instance is rejected.
	err = sup.Retry(ctx, "missing", "ops")
	assert.True(t, schema.IsNotFound(err))

	healthy = true
	require.NoError(t, sup.Retry(ctx, inst.ID, "ops"))

	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	assert.Equal(t, []string{"ship"}, got.CurrentSteps)
	assert.Equal(t, true, got.Data["checked"])
}

func TestDefinitionVersionPinning(t *testing.T) {
	sup, _, st := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	spec := linearDefinition(t, "noop")
	v1 := activate(t, sup, spec)

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: v1.ID, EntityID: "ord-13"})
	require.NoError(t, err)

	// Publish and activate v2 with a different graph.
	v2spec := v1.Spec
	v2spec.Steps = []schema.StepSpec{
		func() schema.StepSpec { s := manualStep("pick", "ship"); s.IsStart = true; return s }(),
		manualStep("ship", ""),
	}
	saved, err := sup.SaveDefinition(ctx, &v2spec, "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)
	_, err = sup.ActivateDefinition(ctx, saved.ID, saved.Version)
	require.NoError(t, err)

	// The running instance still walks v1: pick routes to check, not ship.
	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))
	assert.Equal(t, []string{"ship"}, instanceByID(t, st, inst.ID).CurrentSteps)
	check := stepByCode(t, st, inst.ID, "check")
	assert.Equal(t, schema.StepStatusCompleted, check.Status)

	// New instances bind the new active version.
	inst2, err := sup.Start(ctx, StartRequest{DefinitionID: v1.ID, EntityID: "ord-14"})
	require.NoError(t, err)
	assert.Equal(t, 2, inst2.DefinitionVersion)
}

func TestActivateRejectsInvalidDefinition(t *testing.T) {
	sup, _, _ := newTestEngine(t)
	ctx := context.Background()

	spec := &schema.WorkflowDefinition{
		Name:       "Broken",
		EntityType: "outbound_order",
		Steps: []schema.StepSpec{
			// No start step.
			manualStep("ship", ""),
		},
	}
	def, err := sup.SaveDefinition(ctx, spec, "tester")
	require.NoError(t, err, "saving an invalid draft is allowed")

	_, err = sup.ActivateDefinition(ctx, def.ID, def.Version)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
}

// downNotifier refuses every delivery.
type downNotifier struct{}

func (downNotifier) Send(context.Context, notify.Notification) error {
	return errors.New("smtp relay unreachable")
}

func TestNotificationFailureDoesNotFailStep(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	sup, err := New(st, downNotifier{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	start := manualStep("pick", "alert")
	start.IsStart = true
	def := activate(t, sup, &schema.WorkflowDefinition{
		Name:       "Alerting",
		EntityType: "outbound_order",
		Steps: []schema.StepSpec{
			start,
			{
				Code: "alert",
				Type: schema.StepTypeNotification,
				Configuration: mustJSON(t, schema.NotificationConfig{
					Channel:    "ops",
					Recipients: []string{"inventory-team"},
					Subject:    "order picked",
				}),
				IsEnd: true,
			},
		},
	})

	inst, err := sup.Start(ctx, StartRequest{DefinitionID: def.ID, EntityID: "ord-77"})
	require.NoError(t, err)

	pick := stepByCode(t, st, inst.ID, "pick")
	require.NoError(t, sup.CompleteStep(ctx, pick.ID, "alice", nil))

	// Delivery failed, but the notification step and the instance still
	// settle as completed.
	alert := stepByCode(t, st, inst.ID, "alert")
	assert.Equal(t, schema.StepStatusCompleted, alert.Status)
	got := instanceByID(t, st, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
}

func TestCloneDefinition(t *testing.T) {
	sup, _, _ := newTestEngine(t)
	ctx := context.Background()

	sup.Executor().RegisterHandler("noop", func(context.Context, json.RawMessage, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	def := activate(t, sup, linearDefinition(t, "noop"))

	clone, err := sup.CloneDefinition(ctx, def.ID, def.Version, "Linear B", "tester")
	require.NoError(t, err)
	assert.NotEqual(t, def.ID, clone.ID)
	assert.Equal(t, 1, clone.Version)
	assert.False(t, clone.Active)
	assert.Equal(t, "Linear B", clone.Spec.Name)
	assert.Len(t, clone.Spec.Steps, len(def.Spec.Steps))
}
