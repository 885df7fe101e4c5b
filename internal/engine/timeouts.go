package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warekit/procflow/internal/logging"
	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// HandleTimeout applies a step's configured timeout action. Callers pass a
// step instance read from the due list; the version guard makes the action
// race-safe. A CONFLICT means another actor settled or touched the step
// first and is reported as-is so sweeps can skip it silently.
func (s *Supervisor) HandleTimeout(ctx context.Context, stepInstanceID string) error {
	inst, def, spec, si, err := s.load(ctx, stepInstanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithStepCode(logging.WithInstanceID(ctx, inst.ID), spec.Code)

	// Paused and terminal instances hold their timers.
	if inst.Status != schema.InstanceStatusInProgress {
		return nil
	}
	if si.Status != schema.StepStatusInProgress || si.TimeoutAt == nil || si.TimeoutAt.After(s.now()) {
		return nil
	}

	s.logger.WarnContext(ctx, "step timed out", "action", spec.TimeoutAction)

	switch spec.TimeoutAction {
	case schema.TimeoutActionSkip:
		return s.finishStep(ctx, inst, def, spec, si, schema.StepStatusSkipped, "sentinel", "timed out", nil)
	case schema.TimeoutActionFail:
		return s.finishStep(ctx, inst, def, spec, si, schema.StepStatusFailed, "sentinel", "timed out", nil)
	case schema.TimeoutActionEscalate:
		return s.escalate(ctx, spec, si)
	case schema.TimeoutActionReassign:
		return s.reassign(ctx, spec, si)
	default:
		// No action configured: clear the timer so the step stops surfacing
		// as due.
		return s.store.UpdateStepInstance(ctx, si.ID, si.Version, store.StepInstanceUpdate{
			ClearTimeout: true,
		})
	}
}

// escalate notifies the escalation target and, for approval steps with an
// escalation approver configured, adds them as a pending approver. The
// timeout window restarts so the escalation gets its own deadline.
func (s *Supervisor) escalate(ctx context.Context, spec *schema.StepSpec, si *store.StepInstance) error {
	target := ""
	if spec.Type == schema.StepTypeApproval {
		cfg, err := parseApprovalConfig(spec)
		if err != nil {
			return err
		}
		if cfg.Escalation != nil {
			target = cfg.Escalation.ApproverID
			if err := s.approvals.createRecord(ctx, si.ID, cfg.ApprovalType, *cfg.Escalation); err != nil {
				return err
			}
		}
	}

	if err := s.resetTimeout(ctx, spec, si); err != nil {
		return err
	}

	if err := s.executor.notifier.Send(ctx, notify.Notification{
		Channel:    "escalation",
		Recipients: escalationRecipients(target, si),
		Subject:    "step timed out",
		Payload: map[string]any{
			"instance_id": si.InstanceID,
			"step_code":   si.StepCode,
		},
	}); err != nil {
		s.logger.WarnContext(ctx, "escalation notification failed", "error", err)
	}
	return nil
}

func escalationRecipients(target string, si *store.StepInstance) []string {
	if target != "" {
		return []string{target}
	}
	if si.AssignedGroup != "" {
		return []string{si.AssignedGroup}
	}
	if si.AssignedTo != "" {
		return []string{si.AssignedTo}
	}
	return nil
}

// reassign rotates a manual step to the next assignee in its pool and
// restarts the timeout window. With no pool configured the action degrades
// to a timer reset.
func (s *Supervisor) reassign(ctx context.Context, spec *schema.StepSpec, si *store.StepInstance) error {
	var cfg schema.ManualConfig
	if len(spec.Configuration) > 0 {
		if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeTimeoutAction,
				"invalid manual configuration: %s", err).WithStep(spec.Code).WithCause(err)
		}
	}
	if len(cfg.Assignees) == 0 {
		return s.resetTimeout(ctx, spec, si)
	}

	next := cfg.Assignees[0]
	for i, assignee := range cfg.Assignees {
		if assignee == si.AssignedTo {
			next = cfg.Assignees[(i+1)%len(cfg.Assignees)]
			break
		}
	}

	update := store.StepInstanceUpdate{AssignedTo: &next}
	if spec.TimeoutMinutes != nil && *spec.TimeoutMinutes > 0 {
		due := s.now().UTC().Add(time.Duration(*spec.TimeoutMinutes) * time.Minute)
		update.TimeoutAt = &due
	}
	if err := s.store.UpdateStepInstance(ctx, si.ID, si.Version, update); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "step reassigned", "assigned_to", next)
	return nil
}

func (s *Supervisor) resetTimeout(ctx context.Context, spec *schema.StepSpec, si *store.StepInstance) error {
	update := store.StepInstanceUpdate{ClearTimeout: true}
	if spec.TimeoutMinutes != nil && *spec.TimeoutMinutes > 0 {
		due := s.now().UTC().Add(time.Duration(*spec.TimeoutMinutes) * time.Minute)
		update.TimeoutAt = &due
		update.ClearTimeout = false
	}
	if err := s.store.UpdateStepInstance(ctx, si.ID, si.Version, update); err != nil {
		return err
	}
	si.Version++
	return nil
}
