package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// recordingNotifier captures sent notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

// fakeAdapter returns canned data or a canned error.
type fakeAdapter struct {
	name string
	data map[string]any
	err  error

	mu      sync.Mutex
	invoked int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Invoke(context.Context, json.RawMessage, any) (map[string]any, error) {
	a.mu.Lock()
	a.invoked++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.data, nil
}

func newTestEngine(t *testing.T) (*Supervisor, *recordingNotifier, store.Store) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordingNotifier{}
	sup, err := New(st, notifier, nil)
	require.NoError(t, err)
	return sup, notifier, st
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// activate saves and activates a definition, returning the stored version.
func activate(t *testing.T, sup *Supervisor, spec *schema.WorkflowDefinition) *store.Definition {
	t.Helper()
	ctx := context.Background()
	def, err := sup.SaveDefinition(ctx, spec, "tester")
	require.NoError(t, err)
	def, err = sup.ActivateDefinition(ctx, def.ID, def.Version)
	require.NoError(t, err)
	return def
}

// manualStep is a minimal manual step with a single completed-outcome rule.
func manualStep(code, target string) schema.StepSpec {
	step := schema.StepSpec{
		Code: code,
		Type: schema.StepTypeManual,
	}
	if target != "" {
		step.TransitionRules = []schema.TransitionRule{{Target: target}}
	} else {
		step.IsEnd = true
	}
	return step
}

// linearDefinition is pick (manual) -> check (automatic) -> ship (manual, end).
func linearDefinition(t *testing.T, handler string) *schema.WorkflowDefinition {
	t.Helper()
	start := manualStep("pick", "check")
	start.IsStart = true
	return &schema.WorkflowDefinition{
		Name:       "Linear",
		EntityType: "outbound_order",
		Steps: []schema.StepSpec{
			start,
			{
				Code:          "check",
				Type:          schema.StepTypeAutomatic,
				Configuration: mustJSON(t, schema.AutomaticConfig{Handler: handler}),
				TransitionRules: []schema.TransitionRule{
					{Target: "ship"},
				},
			},
			manualStep("ship", ""),
		},
	}
}

func stepByCode(t *testing.T, st store.Store, instanceID, code string) *store.StepInstance {
	t.Helper()
	si, err := st.GetStepInstanceByCode(context.Background(), instanceID, code)
	require.NoError(t, err)
	return si
}

func instanceByID(t *testing.T, st store.Store, id string) *store.Instance {
	t.Helper()
	inst, err := st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}
