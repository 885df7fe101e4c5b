package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// Decision is the aggregate result of one approval response.
type Decision struct {
	// Resolved is true once the step has collected enough responses to
	// settle. Unresolved decisions leave the step waiting.
	Resolved bool
	// Approved is meaningful only when Resolved.
	Approved bool
	// NextLevel is set when a hierarchical approval advances to a deeper
	// level instead of resolving.
	NextLevel int
}

// Coordinator manages the approval records attached to approval-type steps:
// it fans requests out to the configured approvers and folds their responses
// into a single step outcome.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewCoordinator(st store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, logger: logger, now: time.Now}
}

// Request creates the pending approval records for a freshly dispatched
// approval step. Hierarchical approvals only open level 1; deeper levels are
// opened as earlier ones approve.
func (c *Coordinator) Request(ctx context.Context, si *store.StepInstance, cfg *schema.ApprovalConfig) error {
	for _, approver := range cfg.Approvers {
		if cfg.ApprovalType == schema.ApprovalTypeHierarchical && approver.Level != 1 {
			continue
		}
		if err := c.createRecord(ctx, si.ID, cfg.ApprovalType, approver); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) createRecord(ctx context.Context, stepInstanceID string, typ schema.ApprovalType, approver schema.ApproverSpec) error {
	return c.store.CreateApproval(ctx, &store.Approval{
		ID:             uuid.NewString(),
		StepInstanceID: stepInstanceID,
		ApprovalType:   typ,
		ApproverID:     approver.ApproverID,
		ApproverRole:   approver.Role,
		Level:          approver.Level,
		Status:         schema.ApprovalStatusPending,
		CreatedAt:      c.now().UTC(),
	})
}

// Respond records one approver's verdict and computes the aggregate decision.
// A response against an already resolved record is an idempotent no-op that
// reports the settled state. Responses from approvers with no pending record
// are rejected.
func (c *Coordinator) Respond(ctx context.Context, si *store.StepInstance, cfg *schema.ApprovalConfig, approverID string, approve bool, comments string) (Decision, error) {
	records, err := c.store.ListApprovals(ctx, si.ID)
	if err != nil {
		return Decision{}, err
	}

	record := c.findRecord(records, cfg, approverID)
	if record == nil {
		return Decision{}, schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not a pending approver for this step", approverID).WithStep(si.StepCode)
	}

	if record.Status != schema.ApprovalStatusPending {
		return c.settle(records, cfg)
	}

	status := schema.ApprovalStatusApproved
	if !approve {
		status = schema.ApprovalStatusRejected
	}
	respondedAt := c.now().UTC()
	update := store.ApprovalUpdate{
		Status:      &status,
		RespondedAt: &respondedAt,
	}
	if comments != "" {
		update.Comments = &comments
	}
	// Role-based records bind to the concrete responder on first response.
	if record.ApproverID == "" {
		update.ApproverID = &approverID
	}
	if err := c.store.UpdateApproval(ctx, record.ID, update); err != nil {
		return Decision{}, err
	}
	record.Status = status

	decision, err := c.settle(records, cfg)
	if err != nil {
		return Decision{}, err
	}

	// Advancing a hierarchical chain opens the next level's records.
	if decision.NextLevel > 0 {
		for _, approver := range cfg.Approvers {
			if approver.Level != decision.NextLevel {
				continue
			}
			if err := c.createRecord(ctx, si.ID, cfg.ApprovalType, approver); err != nil {
				return Decision{}, err
			}
		}
	}
	return decision, nil
}

// findRecord locates the approval record the responder may act on: a pending
// record addressed to them by ID, or an unbound role/group record.
// Hierarchical responders must hold a record at the currently open level.
func (c *Coordinator) findRecord(records []*store.Approval, cfg *schema.ApprovalConfig, approverID string) *store.Approval {
	var fallback *store.Approval
	for _, r := range records {
		if r.ApproverID == approverID {
			return r
		}
		if r.ApproverID == "" && r.Status == schema.ApprovalStatusPending && fallback == nil {
			fallback = r
		}
	}
	return fallback
}

// settle folds the current records into an aggregate decision per the
// configured approval type.
func (c *Coordinator) settle(records []*store.Approval, cfg *schema.ApprovalConfig) (Decision, error) {
	switch cfg.ApprovalType {
	case schema.ApprovalTypeIndividual:
		return settleIndividual(records), nil
	case schema.ApprovalTypeGroup:
		return settleGroup(records, cfg), nil
	case schema.ApprovalTypeHierarchical:
		return settleHierarchical(records, cfg), nil
	default:
		return Decision{}, schema.NewErrorf(schema.ErrCodeDefinition,
			"unknown approval type %q", cfg.ApprovalType)
	}
}

func settleIndividual(records []*store.Approval) Decision {
	for _, r := range records {
		switch r.Status {
		case schema.ApprovalStatusApproved:
			return Decision{Resolved: true, Approved: true}
		case schema.ApprovalStatusRejected:
			return Decision{Resolved: true, Approved: false}
		}
	}
	return Decision{}
}

// settleGroup resolves group approvals: any rejection rejects immediately;
// approvals resolve once the quorum is met. The default quorum is a single
// approval.
func settleGroup(records []*store.Approval, cfg *schema.ApprovalConfig) Decision {
	required := 1
	switch {
	case cfg.QuorumCount > 0:
		required = cfg.QuorumCount
	case cfg.Quorum == "all":
		required = len(cfg.Approvers)
	}

	approved := 0
	for _, r := range records {
		switch r.Status {
		case schema.ApprovalStatusRejected:
			return Decision{Resolved: true, Approved: false}
		case schema.ApprovalStatusApproved:
			approved++
		}
	}
	if approved >= required {
		return Decision{Resolved: true, Approved: true}
	}
	return Decision{}
}

// settleHierarchical resolves level-by-level: a rejection at any level
// rejects the whole chain, and approving the deepest configured level
// approves it. An intermediate level's approval opens the next level.
func settleHierarchical(records []*store.Approval, cfg *schema.ApprovalConfig) Decision {
	maxLevel := 0
	for _, approver := range cfg.Approvers {
		if approver.Level > maxLevel {
			maxLevel = approver.Level
		}
	}

	byLevel := make(map[int][]*store.Approval)
	for _, r := range records {
		byLevel[r.Level] = append(byLevel[r.Level], r)
	}

	for level := 1; level <= maxLevel; level++ {
		levelRecords := byLevel[level]
		if len(levelRecords) == 0 {
			// Level not opened yet; the chain stalled earlier.
			return Decision{}
		}
		levelApproved := false
		for _, r := range levelRecords {
			switch r.Status {
			case schema.ApprovalStatusRejected:
				return Decision{Resolved: true, Approved: false}
			case schema.ApprovalStatusApproved:
				levelApproved = true
			}
		}
		if !levelApproved {
			return Decision{}
		}
		if level == maxLevel {
			return Decision{Resolved: true, Approved: true}
		}
		if len(byLevel[level+1]) == 0 {
			return Decision{NextLevel: level + 1}
		}
	}
	return Decision{}
}

// parseApprovalConfig decodes the approval configuration of a step spec.
func parseApprovalConfig(spec *schema.StepSpec) (*schema.ApprovalConfig, error) {
	var cfg schema.ApprovalConfig
	if err := json.Unmarshal(spec.Configuration, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid approval configuration: %s", err).WithStep(spec.Code).WithCause(err)
	}
	return &cfg, nil
}

// summarizeResponses renders a short audit reason from resolved records.
func summarizeResponses(records []*store.Approval) string {
	approved, rejected := 0, 0
	for _, r := range records {
		switch r.Status {
		case schema.ApprovalStatusApproved:
			approved++
		case schema.ApprovalStatusRejected:
			rejected++
		}
	}
	return fmt.Sprintf("%d approved, %d rejected", approved, rejected)
}
