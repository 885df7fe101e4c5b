package schema

// StepType enumerates the behavioral categories of workflow steps.
type StepType string

const (
	StepTypeManual       StepType = "manual"
	StepTypeAutomatic    StepType = "automatic"
	StepTypeApproval     StepType = "approval"
	StepTypeNotification StepType = "notification"
	StepTypeCondition    StepType = "condition"
	StepTypeIntegration  StepType = "integration"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
// Values are persisted and consumed verbatim by collaborating UIs.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
	InstanceStatusPaused     InstanceStatus = "paused"
)

// Terminal reports whether the instance has settled and no longer schedules
// work. A failed instance still counts as terminal even though a retry can
// move it back to in_progress.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusCancelled || s == InstanceStatusFailed
}

// StepStatus represents the lifecycle state of a step instance.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCancelled  StepStatus = "cancelled"
)

// Terminal reports whether the step has settled. A failed step still counts
// as terminal even though an instance retry re-dispatches it.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusSkipped, StepStatusFailed, StepStatusCancelled:
		return true
	}
	return false
}

// ApprovalType enumerates quorum policies for approval steps.
type ApprovalType string

const (
	ApprovalTypeIndividual   ApprovalType = "individual"
	ApprovalTypeGroup        ApprovalType = "group"
	ApprovalTypeHierarchical ApprovalType = "hierarchical"
)

// ApprovalStatus represents the state of a single approval record.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusDelegated ApprovalStatus = "delegated"
)

// TimeoutAction enumerates what the sentinel does to an overdue step.
type TimeoutAction string

const (
	TimeoutActionNone     TimeoutAction = "none"
	TimeoutActionEscalate TimeoutAction = "escalate"
	TimeoutActionSkip     TimeoutAction = "skip"
	TimeoutActionFail     TimeoutAction = "fail"
	TimeoutActionReassign TimeoutAction = "reassign"
)

// TransitionType categorizes rows in the append-only transition audit log.
type TransitionType string

const (
	TransitionTypeNormal   TransitionType = "normal"
	TransitionTypeSkip     TransitionType = "skip"
	TransitionTypeRollback TransitionType = "rollback"
	TransitionTypeError    TransitionType = "error"
)
