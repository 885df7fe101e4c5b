package store

import (
	"encoding/json"
	"time"

	"github.com/warekit/procflow/pkg/schema"
)

// Definition is the persisted wrapper around a workflow definition version.
// Rows are immutable once any instance references them; edits insert a new
// row with version+1.
type Definition struct {
	ID         string                    `json:"id"`
	EntityType string                    `json:"entity_type"`
	Version    int                       `json:"version"`
	Active     bool                      `json:"active"`
	Spec       schema.WorkflowDefinition `json:"spec"`
	CreatedBy  string                    `json:"created_by,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	ArchivedAt *time.Time                `json:"archived_at,omitempty"`
}

// Instance is a running or finished execution of a definition version
// against one entity.
type Instance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion int                   `json:"definition_version"`
	EntityType        string                `json:"entity_type"`
	EntityID          string                `json:"entity_id"`
	Status            schema.InstanceStatus `json:"status"`
	CurrentSteps      []string              `json:"current_step_codes"` // empty only in terminal status
	Data              map[string]any        `json:"workflow_data,omitempty"`
	InitiatedBy       string                `json:"initiated_by,omitempty"`
	Priority          int                   `json:"priority,omitempty"`
	DueDate           *time.Time            `json:"due_date,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// StepInstance is one activation of a StepSpec within an instance.
// Version is the optimistic-lock counter: every write is conditional on the
// caller holding the current value.
type StepInstance struct {
	ID            string            `json:"id"`
	InstanceID    string            `json:"instance_id"`
	StepCode      string            `json:"step_code"`
	Status        schema.StepStatus `json:"status"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	AssignedGroup string            `json:"assigned_group,omitempty"`
	Data          json.RawMessage   `json:"step_data,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Version       int64             `json:"version"`
	TimeoutAt     *time.Time        `json:"timeout_at,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Transition is an append-only audit row recording one edge traversal.
// Rows are never mutated or deleted; the ordered rows of an instance
// reconstruct a walk that is valid under the bound definition version.
type Transition struct {
	ID          int64                 `json:"id"`
	InstanceID  string                `json:"instance_id"`
	FromStep    string                `json:"from_step_code"`
	// ToStep is empty on the closing row the engine appends when the last
	// step settles the instance; Reason names the system action.
	ToStep string `json:"to_step_code"`
	Type        schema.TransitionType `json:"type"`
	TriggeredBy string                `json:"triggered_by,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
	Sequence    int64                 `json:"sequence"`
}

// Approval is one approver's pending or resolved response attached to an
// approval-type step instance.
type Approval struct {
	ID             string                `json:"id"`
	StepInstanceID string                `json:"step_instance_id"`
	ApprovalType   schema.ApprovalType   `json:"approval_type"`
	ApproverID     string                `json:"approver_id,omitempty"`
	ApproverRole   string                `json:"approver_role,omitempty"`
	Level          int                   `json:"level,omitempty"` // hierarchical approvals, 1-based
	Status         schema.ApprovalStatus `json:"status"`
	Comments       string                `json:"comments,omitempty"`
	RespondedAt    *time.Time            `json:"responded_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// IdempotencyKey is the claim row guaranteeing at-most-one instance per
// logical trigger. Expired keys are garbage collected, never reused.
type IdempotencyKey struct {
	Key        string          `json:"key"`
	Status     string          `json:"status"` // pending | completed
	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	EntityType string `json:"entity_type,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	DefinitionID string                 `json:"definition_id,omitempty"`
	EntityType   string                 `json:"entity_type,omitempty"`
	EntityID     string                 `json:"entity_id,omitempty"`
	Since        *time.Time             `json:"since,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance.
type InstanceUpdate struct {
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	CurrentSteps []string               `json:"current_step_codes,omitempty"` // nil = unchanged, empty = cleared
	Data         map[string]any         `json:"workflow_data,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// StepInstanceUpdate specifies mutable fields of a step instance. Every
// update increments the version counter; writers must pass the version they
// read, and a mismatch is rejected with CONFLICT.
type StepInstanceUpdate struct {
	Status        *schema.StepStatus `json:"status,omitempty"`
	AssignedTo    *string            `json:"assigned_to,omitempty"`
	AssignedGroup *string            `json:"assigned_group,omitempty"`
	Data          json.RawMessage    `json:"step_data,omitempty"`
	ErrorMessage  *string            `json:"error_message,omitempty"`
	TimeoutAt     *time.Time         `json:"timeout_at,omitempty"`
	ClearTimeout  bool               `json:"clear_timeout,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// ApprovalUpdate specifies mutable fields of an approval record.
type ApprovalUpdate struct {
	Status      *schema.ApprovalStatus `json:"status,omitempty"`
	Comments    *string                `json:"comments,omitempty"`
	ApproverID  *string                `json:"approver_id,omitempty"` // delegation and reassignment
	RespondedAt *time.Time             `json:"responded_at,omitempty"`
}
