package sentinel

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// fakeApplier records which step instances had their timeout handled and
// returns a canned error per step.
type fakeApplier struct {
	mu      sync.Mutex
	calls   map[string]int
	failing map[string]error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{calls: make(map[string]int), failing: make(map[string]error)}
}

func (a *fakeApplier) HandleTimeout(_ context.Context, stepInstanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[stepInstanceID]++
	return a.failing[stepInstanceID]
}

func (a *fakeApplier) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedDueStep creates an in-progress instance with one overdue step.
func seedDueStep(t *testing.T, st store.Store) *store.StepInstance {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	def := &store.Definition{
		ID:         uuid.NewString(),
		EntityType: "outbound_order",
		Version:    1,
		Spec: schema.WorkflowDefinition{
			Name:       "Timed",
			EntityType: "outbound_order",
			Steps: []schema.StepSpec{
				{Code: "pack", Type: schema.StepTypeManual, IsStart: true, IsEnd: true},
			},
		},
		CreatedAt: now,
	}
	def.Spec.ID = def.ID
	def.Spec.Version = 1
	require.NoError(t, st.CreateDefinition(ctx, def))

	inst := &store.Instance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: 1,
		EntityType:        "outbound_order",
		EntityID:          uuid.NewString(),
		Status:            schema.InstanceStatusPending,
		CurrentSteps:      []string{"pack"},
		CreatedAt:         now,
	}
	si := &store.StepInstance{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepCode:   "pack",
		Status:     schema.StepStatusPending,
		CreatedAt:  now,
	}
	require.NoError(t, st.CreateInstanceWithStep(ctx, inst, si))

	running := schema.InstanceStatusInProgress
	require.NoError(t, st.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &running}))

	overdue := now.Add(-time.Hour)
	stepRunning := schema.StepStatusInProgress
	require.NoError(t, st.UpdateStepInstance(ctx, si.ID, si.Version, store.StepInstanceUpdate{
		Status:    &stepRunning,
		StartedAt: &overdue,
		TimeoutAt: &overdue,
	}))

	got, err := st.GetStepInstance(ctx, si.ID)
	require.NoError(t, err)
	return got
}

func TestSweepAppliesDueTimeouts(t *testing.T) {
	st := newTestStore(t)
	applier := newFakeApplier()
	s, err := New(st, applier, Config{}, nil)
	require.NoError(t, err)

	first := seedDueStep(t, st)
	second := seedDueStep(t, st)

	s.Sweep(context.Background())
	assert.Equal(t, 1, applier.count(first.ID))
	assert.Equal(t, 1, applier.count(second.ID))
}

func TestSweepRespectsBatchSize(t *testing.T) {
	st := newTestStore(t)
	applier := newFakeApplier()
	s, err := New(st, applier, Config{BatchSize: 1}, nil)
	require.NoError(t, err)

	first := seedDueStep(t, st)
	second := seedDueStep(t, st)

	s.Sweep(context.Background())
	handled := applier.count(first.ID) + applier.count(second.ID)
	assert.Equal(t, 1, handled)
}

func TestSweepHoldsOutFailingSteps(t *testing.T) {
	st := newTestStore(t)
	applier := newFakeApplier()
	s, err := New(st, applier, Config{FailureCooldown: time.Hour}, nil)
	require.NoError(t, err)

	si := seedDueStep(t, st)
	applier.failing[si.ID] = errors.New("handler panicked")

	s.Sweep(context.Background())
	require.Equal(t, 1, applier.count(si.ID))

	// The failed step is in cooldown and is skipped on the next pass.
	s.Sweep(context.Background())
	assert.Equal(t, 1, applier.count(si.ID))
}

func TestSweepIgnoresConflicts(t *testing.T) {
	st := newTestStore(t)
	applier := newFakeApplier()
	s, err := New(st, applier, Config{FailureCooldown: time.Hour}, nil)
	require.NoError(t, err)

	si := seedDueStep(t, st)
	applier.failing[si.ID] = schema.NewError(schema.ErrCodeConflict, "stale version")

	s.Sweep(context.Background())
	require.Equal(t, 1, applier.count(si.ID))

	// Conflicts are races, not failures. No cooldown applies.
	s.Sweep(context.Background())
	assert.Equal(t, 2, applier.count(si.ID))
}

func TestMaintainDeletesExpiredKeys(t *testing.T) {
	st := newTestStore(t)
	s, err := New(st, newFakeApplier(), Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now().UTC()
	claimed, _, err := st.ClaimIdempotencyKey(ctx, &store.IdempotencyKey{
		Key:       "stale-trigger",
		Status:    "pending",
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, claimed)

	s.Maintain(ctx)

	reclaimed, _, err := st.ClaimIdempotencyKey(ctx, &store.IdempotencyKey{
		Key:       "stale-trigger",
		Status:    "pending",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, reclaimed, "expired key was purged and can be claimed again")
}

func TestStartStopLifecycle(t *testing.T) {
	st := newTestStore(t)
	s, err := New(st, newFakeApplier(), Config{SweepInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// A stopped sentinel can be restarted.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestRejectsBadMaintenanceCron(t *testing.T) {
	st := newTestStore(t)
	_, err := New(st, newFakeApplier(), Config{MaintenanceCron: "not a cron"}, nil)
	require.Error(t, err)
}
