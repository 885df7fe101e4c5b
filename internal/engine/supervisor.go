// Package engine orchestrates workflow instances: starting them from
// activated definitions, dispatching typed steps, evaluating transition
// rules, coordinating approvals, and applying timeout policies.
//
// The supervisor is the only writer of instance and step state. Executors
// compute outcomes; the supervisor persists them, which keeps every write
// behind the step instance's optimistic version guard.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warekit/procflow/internal/expressions"
	"github.com/warekit/procflow/internal/logging"
	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/internal/validation"
	"github.com/warekit/procflow/pkg/schema"
)

// Supervisor is the workflow engine's public surface.
type Supervisor struct {
	store       store.Store
	evals       *expressions.Evaluators
	transformer *expressions.Transformer
	validator   *validation.ActivationValidator
	executor    *Executor
	evaluator   *Evaluator
	approvals   *Coordinator
	logger      *slog.Logger
	now         func() time.Time
}

// New wires a complete engine over the given store. Handlers and adapters
// are registered on Executor() before any definitions referencing them are
// activated.
func New(st store.Store, notifier notify.Notifier, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	evals, err := expressions.NewEvaluators()
	if err != nil {
		return nil, err
	}
	transformer := expressions.NewTransformer()
	approvals := NewCoordinator(st, logger)
	executor := NewExecutor(transformer, approvals, notifier, logger)
	validator, err := validation.NewActivationValidator(evals, executor)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		store:       st,
		evals:       evals,
		transformer: transformer,
		validator:   validator,
		executor:    executor,
		evaluator:   NewEvaluator(st, evals, logger),
		approvals:   approvals,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Executor exposes the handler and adapter registries.
func (s *Supervisor) Executor() *Executor { return s.executor }

// Validator exposes activation validation for the definition API.
func (s *Supervisor) Validator() *validation.ActivationValidator { return s.validator }

// StartRequest triggers a new workflow instance. DefinitionID may be empty
// when EntityType alone identifies the active definition.
type StartRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Data         map[string]any `json:"data,omitempty"`
	InitiatedBy  string         `json:"initiated_by,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	DueDate      *time.Time     `json:"due_date,omitempty"`
}

// Start creates and launches an instance of the active definition for the
// request's entity, dispatching its start step before returning.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*store.Instance, error) {
	if req.EntityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entity_id is required")
	}
	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}
	start := def.Spec.StartStep()
	if start == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition has no start step")
	}

	now := s.now().UTC()
	inst := &store.Instance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityType:        def.EntityType,
		EntityID:          req.EntityID,
		Status:            schema.InstanceStatusPending,
		CurrentSteps:      []string{start.Code},
		Data:              req.Data,
		InitiatedBy:       req.InitiatedBy,
		Priority:          req.Priority,
		DueDate:           req.DueDate,
		CreatedAt:         now,
	}
	si := s.newStepInstance(inst.ID, start, now)
	if err := s.store.CreateInstanceWithStep(ctx, inst, si); err != nil {
		return nil, err
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	status := schema.InstanceStatusInProgress
	startedAt := now
	if err := s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:    &status,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, err
	}
	inst.Status = status
	inst.StartedAt = &startedAt

	s.logger.InfoContext(ctx, "instance started",
		"definition_id", def.ID,
		"definition_version", def.Version,
		"entity_type", inst.EntityType,
		"entity_id", inst.EntityID)

	if err := s.runQueue(ctx, inst, &def.Spec, []string{start.Code}, req.InitiatedBy); err != nil {
		return inst, err
	}
	return inst, nil
}

func (s *Supervisor) resolveDefinition(ctx context.Context, req StartRequest) (*store.Definition, error) {
	if req.DefinitionID != "" {
		return s.store.GetActiveDefinition(ctx, req.DefinitionID)
	}
	if req.EntityType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"definition_id or entity_type is required")
	}
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
		EntityType: req.EntityType,
		ActiveOnly: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no active definition for entity type %q", req.EntityType)
	}
	return defs[0], nil
}

// Instance returns an instance by ID.
func (s *Supervisor) Instance(ctx context.Context, id string) (*store.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// --- external step completions ---

// CompleteStep records the completion of a waiting step (manual work or an
// async handler callback) and advances the instance. The data map is merged
// into the instance's workflow data before transition rules evaluate.
func (s *Supervisor) CompleteStep(ctx context.Context, stepInstanceID, actor string, data map[string]any) error {
	inst, def, spec, si, err := s.load(ctx, stepInstanceID)
	if err != nil {
		return err
	}
	if spec.Type == schema.StepTypeApproval {
		return schema.NewError(schema.ErrCodeValidation,
			"approval steps complete through approver responses").WithStep(spec.Code)
	}
	return s.finishStep(ctx, inst, def, spec, si, schema.StepStatusCompleted, actor, "", data)
}

// FailStep records an explicit failure of a waiting step. Steps with an
// error branch route along it; otherwise the instance fails.
func (s *Supervisor) FailStep(ctx context.Context, stepInstanceID, actor, reason string) error {
	inst, def, spec, si, err := s.load(ctx, stepInstanceID)
	if err != nil {
		return err
	}
	return s.finishStep(ctx, inst, def, spec, si, schema.StepStatusFailed, actor, reason, nil)
}

// SkipStep skips a pending or waiting step. Skip routing falls back to the
// completed rules when no skip-specific rule exists.
func (s *Supervisor) SkipStep(ctx context.Context, stepInstanceID, actor, reason string) error {
	inst, def, spec, si, err := s.load(ctx, stepInstanceID)
	if err != nil {
		return err
	}
	return s.finishStep(ctx, inst, def, spec, si, schema.StepStatusSkipped, actor, reason, nil)
}

// RespondApproval records one approver's verdict. The step resolves once the
// configured quorum or hierarchy settles; until then the response is
// recorded and the step keeps waiting. Responding to an already resolved
// approval is a no-op.
func (s *Supervisor) RespondApproval(ctx context.Context, approvalID, approverID string, approve bool, comments string) error {
	ap, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	inst, def, spec, si, err := s.load(ctx, ap.StepInstanceID)
	if err != nil {
		return err
	}
	if si.Status.Terminal() {
		return nil
	}
	cfg, err := parseApprovalConfig(spec)
	if err != nil {
		return err
	}
	decision, err := s.approvals.Respond(ctx, si, cfg, approverID, approve, comments)
	if err != nil {
		return err
	}
	if !decision.Resolved {
		return nil
	}

	records, err := s.store.ListApprovals(ctx, si.ID)
	if err != nil {
		return err
	}
	reason := summarizeResponses(records)
	outcome := schema.StepStatusCompleted
	if !decision.Approved {
		outcome = schema.StepStatusFailed
		reason = "rejected: " + reason
	}
	return s.finishStep(ctx, inst, def, spec, si, outcome, approverID, reason, nil)
}

// --- instance lifecycle ---

// Pause suspends an in-progress instance. Waiting steps stay assigned but
// timeouts and completions are held until Resume.
func (s *Supervisor) Pause(ctx context.Context, instanceID, actor string) error {
	return s.setStatus(ctx, instanceID, actor, schema.InstanceStatusPaused, "paused")
}

// Resume returns a paused instance to in_progress.
func (s *Supervisor) Resume(ctx context.Context, instanceID, actor string) error {
	return s.setStatus(ctx, instanceID, actor, schema.InstanceStatusInProgress, "resumed")
}

func (s *Supervisor) setStatus(ctx context.Context, instanceID, actor string, to schema.InstanceStatus, verb string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := checkInstanceTransition(inst.Status, to); err != nil {
		return err
	}
	if err := s.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{Status: &to}); err != nil {
		return err
	}
	s.logger.InfoContext(logging.WithInstanceID(ctx, instanceID), "instance "+verb, "actor", actor)
	return nil
}

// Cancel terminates an instance and cancels its non-terminal steps.
func (s *Supervisor) Cancel(ctx context.Context, instanceID, actor, reason string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := checkInstanceTransition(inst.Status, schema.InstanceStatusCancelled); err != nil {
		return err
	}

	steps, err := s.store.ListStepInstances(ctx, instanceID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	cancelled := schema.StepStatusCancelled
	for _, si := range steps {
		if si.Status.Terminal() {
			continue
		}
		err := s.store.UpdateStepInstance(ctx, si.ID, si.Version, store.StepInstanceUpdate{
			Status:       &cancelled,
			ClearTimeout: true,
			CompletedAt:  &now,
		})
		if err != nil && !schema.IsConflict(err) {
			return err
		}
	}

	status := schema.InstanceStatusCancelled
	if err := s.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:       &status,
		CurrentSteps: []string{},
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	s.logger.InfoContext(logging.WithInstanceID(ctx, instanceID), "instance cancelled",
		"actor", actor, "reason", reason)
	return nil
}

// Retry re-dispatches the failed steps of a failed instance under the same
// definition version.
func (s *Supervisor) Retry(ctx context.Context, instanceID, actor string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != schema.InstanceStatusFailed {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"only failed instances can be retried, instance is %s", inst.Status)
	}
	def, err := s.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}

	status := schema.InstanceStatusInProgress
	if err := s.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{Status: &status}); err != nil {
		return err
	}
	inst.Status = status

	ctx = logging.WithInstanceID(ctx, instanceID)
	s.logger.InfoContext(ctx, "instance retried", "actor", actor)

	var queue []string
	for _, code := range inst.CurrentSteps {
		si, err := s.store.GetStepInstanceByCode(ctx, instanceID, code)
		if err != nil {
			return err
		}
		if si.Status != schema.StepStatusFailed {
			continue
		}
		pending := schema.StepStatusPending
		empty := ""
		err = s.store.UpdateStepInstance(ctx, si.ID, si.Version, store.StepInstanceUpdate{
			Status:       &pending,
			ErrorMessage: &empty,
			ClearTimeout: true,
		})
		if err != nil {
			return err
		}
		queue = append(queue, code)
	}
	return s.runQueue(ctx, inst, &def.Spec, queue, actor)
}

// --- dispatch loop ---

// runQueue dispatches steps breadth-first until every active branch is
// either waiting on an external event or the instance reaches a terminal
// status.
func (s *Supervisor) runQueue(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, queue []string, actor string) error {
	for len(queue) > 0 {
		if inst.Status.Terminal() || inst.Status == schema.InstanceStatusPaused {
			return nil
		}
		code := queue[0]
		queue = queue[1:]

		spec := def.Step(code)
		if spec == nil {
			return schema.NewErrorf(schema.ErrCodeDefinition, "step %q is not in the definition", code)
		}
		si, err := s.store.GetStepInstanceByCode(ctx, inst.ID, code)
		if err != nil {
			return err
		}
		next, err := s.dispatch(ctx, inst, def, spec, si, actor)
		if err != nil {
			return err
		}
		queue = append(queue, next...)
	}
	return nil
}

// dispatch moves a pending step to in_progress, executes it, and advances on
// an immediate outcome. It returns the step codes activated downstream.
func (s *Supervisor) dispatch(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, spec *schema.StepSpec, si *store.StepInstance, actor string) ([]string, error) {
	ctx = logging.WithStepCode(logging.WithInstanceID(ctx, inst.ID), spec.Code)

	now := s.now().UTC()
	inProgress := schema.StepStatusInProgress
	update := store.StepInstanceUpdate{
		Status:    &inProgress,
		StartedAt: &now,
	}
	// timeout_minutes 0 is a valid window: the step is due on the next sweep.
	if spec.TimeoutMinutes != nil {
		due := now.Add(time.Duration(*spec.TimeoutMinutes) * time.Minute)
		update.TimeoutAt = &due
	}
	s.applyAssignment(spec, &update)
	if err := s.store.UpdateStepInstance(ctx, si.ID, si.Version, update); err != nil {
		return nil, err
	}
	si.Status = inProgress
	si.Version++

	s.logger.InfoContext(ctx, "step dispatched", "type", spec.Type)

	out := s.executor.Execute(ctx, inst, spec, si)
	if out.Waiting {
		if len(out.Data) > 0 {
			if err := s.mergeData(ctx, inst, out.Data); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	reason := ""
	if out.Err != nil {
		reason = out.Err.Error()
		s.logger.WarnContext(ctx, "step execution failed", "error", out.Err)
	}
	return s.completeAndAdvance(ctx, inst, def, spec, si, out.Status, actor, reason, out.Data)
}

// applyAssignment copies manual step assignment onto the step instance.
func (s *Supervisor) applyAssignment(spec *schema.StepSpec, update *store.StepInstanceUpdate) {
	if spec.Type != schema.StepTypeManual || len(spec.Configuration) == 0 {
		return
	}
	var cfg schema.ManualConfig
	if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
		return
	}
	assignTo := cfg.AssignTo
	if assignTo == "" && len(cfg.Assignees) > 0 {
		assignTo = cfg.Assignees[0]
	}
	if assignTo != "" {
		update.AssignedTo = &assignTo
	}
	if cfg.AssignGroup != "" {
		update.AssignedGroup = &cfg.AssignGroup
	}
}

// finishStep settles a waiting step from an external event and advances.
func (s *Supervisor) finishStep(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, spec *schema.StepSpec, si *store.StepInstance, outcome schema.StepStatus, actor, reason string, data map[string]any) error {
	if inst.Status == schema.InstanceStatusPaused {
		return schema.NewError(schema.ErrCodeConflict, "instance is paused")
	}
	if inst.Status != schema.InstanceStatusInProgress {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance is %s", inst.Status)
	}
	if err := checkStepTransition(si.Status, outcome); err != nil {
		return err
	}
	ctx = logging.WithStepCode(logging.WithInstanceID(ctx, inst.ID), spec.Code)
	next, err := s.completeAndAdvance(ctx, inst, def, spec, si, outcome, actor, reason, data)
	if err != nil {
		return err
	}
	return s.runQueue(ctx, inst, def, next, actor)
}

// completeAndAdvance persists a step's terminal status under its version
// guard, merges outcome data, and evaluates transitions.
func (s *Supervisor) completeAndAdvance(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, spec *schema.StepSpec, si *store.StepInstance, outcome schema.StepStatus, actor, reason string, data map[string]any) ([]string, error) {
	now := s.now().UTC()
	update := store.StepInstanceUpdate{
		Status:       &outcome,
		ClearTimeout: true,
		CompletedAt:  &now,
	}
	if reason != "" && outcome == schema.StepStatusFailed {
		update.ErrorMessage = &reason
	}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err == nil {
			update.Data = raw
		}
	}
	if err := s.store.UpdateStepInstance(ctx, si.ID, si.Version, update); err != nil {
		return nil, err
	}
	si.Status = outcome
	si.Version++

	if len(data) > 0 {
		if err := s.mergeData(ctx, inst, data); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "step finished", "outcome", outcome, "actor", actor)
	return s.advance(ctx, inst, def, spec, outcome, actor, reason)
}

// advance routes a finished step's outcome through its transition rules and
// activates the resulting steps. It returns the codes ready to dispatch.
func (s *Supervisor) advance(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, spec *schema.StepSpec, outcome schema.StepStatus, actor, reason string) ([]string, error) {
	if outcome == schema.StepStatusFailed && !spec.HasErrorBranch() {
		return nil, s.failInstance(ctx, inst, spec.Code, reason)
	}

	routes, err := s.evaluator.Resolve(ctx, inst, def, spec, outcome)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeDefinition || schema.CodeOf(err) == schema.ErrCodeExecution {
			s.logger.ErrorContext(ctx, "transition evaluation failed", "error", err)
			return nil, s.failInstance(ctx, inst, spec.Code, err.Error())
		}
		return nil, err
	}

	current := removeStep(inst.CurrentSteps, spec.Code)
	var ready []string
	now := s.now().UTC()
	for _, route := range routes {
		if err := s.evaluator.Record(ctx, inst.ID, spec.Code, route.Target.Code, route.Type, actor, reason); err != nil {
			return nil, err
		}
		ok, err := s.evaluator.ReadyToJoin(ctx, inst.ID, route.Target)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Waiting on sibling branches; the final arrival activates the
			// join step.
			continue
		}
		if hasStep(current, route.Target.Code) {
			continue
		}
		si := s.newStepInstance(inst.ID, route.Target, now)
		if err := s.store.CreateStepInstance(ctx, si); err != nil {
			return nil, err
		}
		current = append(current, route.Target.Code)
		ready = append(ready, route.Target.Code)
	}

	if len(current) == 0 {
		return nil, s.completeInstance(ctx, inst, spec.Code, actor)
	}

	if err := s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{CurrentSteps: current}); err != nil {
		return nil, err
	}
	inst.CurrentSteps = current
	return ready, nil
}

func (s *Supervisor) completeInstance(ctx context.Context, inst *store.Instance, lastStep, actor string) error {
	now := s.now().UTC()
	status := schema.InstanceStatusCompleted
	if err := s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:       &status,
		CurrentSteps: []string{},
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	inst.Status = status
	inst.CurrentSteps = nil
	inst.CompletedAt = &now
	// The closing audit row has no target step; the reason marks it as the
	// instance-completion system action rather than a graph edge.
	if err := s.evaluator.Record(ctx, inst.ID, lastStep, "", schema.TransitionTypeNormal, actor, "instance completed"); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "instance completed")
	return nil
}

func (s *Supervisor) failInstance(ctx context.Context, inst *store.Instance, stepCode, reason string) error {
	status := schema.InstanceStatusFailed
	if err := s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &status}); err != nil {
		return err
	}
	inst.Status = status
	s.logger.WarnContext(ctx, "instance failed", "step_code", stepCode, "reason", reason)
	return nil
}

// mergeData merges step output into the instance's workflow data. Later
// writes win on key collisions.
func (s *Supervisor) mergeData(ctx context.Context, inst *store.Instance, data map[string]any) error {
	merged := make(map[string]any, len(inst.Data)+len(data))
	for k, v := range inst.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	if err := s.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Data: merged}); err != nil {
		return err
	}
	inst.Data = merged
	return nil
}

func (s *Supervisor) newStepInstance(instanceID string, spec *schema.StepSpec, now time.Time) *store.StepInstance {
	return &store.StepInstance{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		StepCode:   spec.Code,
		Status:     schema.StepStatusPending,
		Version:    1,
		CreatedAt:  now,
	}
}

// load fetches the step instance together with its instance, definition
// version, and step spec.
func (s *Supervisor) load(ctx context.Context, stepInstanceID string) (*store.Instance, *schema.WorkflowDefinition, *schema.StepSpec, *store.StepInstance, error) {
	si, err := s.store.GetStepInstance(ctx, stepInstanceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	inst, err := s.store.GetInstance(ctx, si.InstanceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	def, err := s.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	spec := def.Spec.Step(si.StepCode)
	if spec == nil {
		return nil, nil, nil, nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"step %q is not in definition %s v%d", si.StepCode, inst.DefinitionID, inst.DefinitionVersion)
	}
	return inst, &def.Spec, spec, si, nil
}

func removeStep(steps []string, code string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if s != code {
			out = append(out, s)
		}
	}
	return out
}

func hasStep(steps []string, code string) bool {
	for _, s := range steps {
		if s == code {
			return true
		}
	}
	return false
}
