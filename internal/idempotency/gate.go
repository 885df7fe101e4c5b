// Package idempotency guarantees at-most-one workflow instance per logical
// trigger. Callers claim a key before starting an instance; a lost claim
// returns the instance the winning trigger created.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// DefaultTTL is how long a claimed key blocks duplicate triggers. Expired
// keys are garbage collected and a later identical trigger starts fresh.
const DefaultTTL = 24 * time.Hour

// Claim is the result of attempting to take a key.
type Claim struct {
	// Claimed is true when the caller won the key and must start the
	// instance (and then Attach it).
	Claimed bool
	// ExistingInstanceID is set when a previous trigger holds the key and
	// has already created its instance.
	ExistingInstanceID string
}

// Gate wraps the store's idempotency rows behind claim/attach semantics.
type Gate struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewGate(st store.Store, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, ttl: ttl, logger: logger, now: time.Now}
}

// Take attempts to claim the key. Exactly one concurrent caller wins; losers
// get the existing claim's instance. A lost claim whose instance is not yet
// attached (the winner is mid-flight) surfaces DUPLICATE_TRIGGER so the
// caller can retry or report the duplicate.
func (g *Gate) Take(ctx context.Context, key string, payload any) (Claim, error) {
	if key == "" {
		// No key means no dedup; the caller always proceeds.
		return Claim{Claimed: true}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Claim{}, schema.NewErrorf(schema.ErrCodeValidation,
			"idempotency payload: %s", err).WithCause(err)
	}
	now := g.now().UTC()
	claimed, existing, err := g.store.ClaimIdempotencyKey(ctx, &store.IdempotencyKey{
		Key:       key,
		Status:    "pending",
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		return Claim{}, err
	}
	if claimed {
		return Claim{Claimed: true}, nil
	}
	if existing != nil && existing.InstanceID != "" {
		g.logger.DebugContext(ctx, "duplicate trigger resolved to existing instance",
			"key", key, "instance_id", existing.InstanceID)
		return Claim{ExistingInstanceID: existing.InstanceID}, nil
	}
	return Claim{}, schema.NewErrorf(schema.ErrCodeDuplicateTrigger,
		"trigger %q is already being processed", key)
}

// Attach binds the started instance to the claimed key, completing the
// claim. Duplicate triggers from then on resolve to this instance.
func (g *Gate) Attach(ctx context.Context, key, instanceID string) error {
	if key == "" {
		return nil
	}
	return g.store.AttachInstanceToKey(ctx, key, instanceID)
}

// Sweep deletes expired keys and returns how many were removed.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredIdempotencyKeys(ctx, g.now().UTC())
}
