package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable versions; activation flips the active flag)
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	GetActiveDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)
	LatestVersion(ctx context.Context, id string) (int, error)
	ActivateDefinition(ctx context.Context, id string, version int) error
	DeactivateDefinition(ctx context.Context, id string) error
	ArchiveDefinition(ctx context.Context, id string) error
	CountNonTerminalInstances(ctx context.Context, definitionID string) (int, error)

	// Instances
	CreateInstanceWithStep(ctx context.Context, inst *Instance, step *StepInstance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Step instances (version-guarded writes)
	CreateStepInstance(ctx context.Context, si *StepInstance) error
	GetStepInstance(ctx context.Context, id string) (*StepInstance, error)
	GetStepInstanceByCode(ctx context.Context, instanceID, stepCode string) (*StepInstance, error)
	ListStepInstances(ctx context.Context, instanceID string) ([]*StepInstance, error)
	UpdateStepInstance(ctx context.Context, id string, expectedVersion int64, update StepInstanceUpdate) error
	ListDueStepInstances(ctx context.Context, now time.Time, limit int) ([]*StepInstance, error)

	// Transition audit log (append-only)
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, instanceID string) ([]*Transition, error)
	ArrivedFrom(ctx context.Context, instanceID, toStep string) ([]string, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, stepInstanceID string) ([]*Approval, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error

	// Idempotency keys
	ClaimIdempotencyKey(ctx context.Context, key *IdempotencyKey) (claimed bool, existing *IdempotencyKey, err error)
	AttachInstanceToKey(ctx context.Context, key, instanceID string) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)

	// Retention
	PurgeTerminalInstancesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
