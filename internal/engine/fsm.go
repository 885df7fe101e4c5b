package engine

import (
	"github.com/warekit/procflow/pkg/schema"
)

// validInstanceTransitions defines the lifecycle state machine for
// workflow instances. Statuses with no entry are terminal.
var validInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending: {
		schema.InstanceStatusInProgress,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusInProgress: {
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
		schema.InstanceStatusPaused,
	},
	schema.InstanceStatusPaused: {
		schema.InstanceStatusInProgress,
		schema.InstanceStatusCancelled,
	},
	// Failed instances may be retried back into in_progress.
	schema.InstanceStatusFailed: {
		schema.InstanceStatusInProgress,
	},
}

// validStepTransitions defines the lifecycle state machine for step
// instances.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusInProgress,
		schema.StepStatusSkipped,
		schema.StepStatusCancelled,
	},
	schema.StepStatusInProgress: {
		schema.StepStatusCompleted,
		schema.StepStatusSkipped,
		schema.StepStatusFailed,
		schema.StepStatusCancelled,
	},
	// Failed steps are re-dispatched on instance retry.
	schema.StepStatusFailed: {
		schema.StepStatusPending,
		schema.StepStatusInProgress,
	},
}

func canTransitionInstance(from, to schema.InstanceStatus) bool {
	for _, allowed := range validInstanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func canTransitionStep(from, to schema.StepStatus) bool {
	for _, allowed := range validStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkInstanceTransition returns an INVALID_TRANSITION error when the
// requested instance status change is not allowed by the lifecycle.
func checkInstanceTransition(from, to schema.InstanceStatus) error {
	if canTransitionInstance(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"instance cannot move from %s to %s", from, to)
}

// checkStepTransition returns an INVALID_TRANSITION error when the
// requested step status change is not allowed by the lifecycle.
func checkStepTransition(from, to schema.StepStatus) error {
	if canTransitionStep(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"step cannot move from %s to %s", from, to)
}
