package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warekit/procflow/internal/engine"
	"github.com/warekit/procflow/internal/idempotency"
	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

func newTestServer(t *testing.T) (*Server, *engine.Supervisor, store.Store) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	sup, err := engine.New(st, notify.NewLogNotifier(nil), nil)
	require.NoError(t, err)
	gate := idempotency.NewGate(st, time.Hour, nil)
	return NewServer(sup, gate, nil), sup, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func simpleDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:       "Simple",
		EntityType: "outbound_order",
		Steps: []schema.StepSpec{
			{
				Code: "pick", Type: schema.StepTypeManual, IsStart: true,
				TransitionRules: []schema.TransitionRule{{Target: "ship"}},
			},
			{Code: "ship", Type: schema.StepTypeManual, IsEnd: true},
		},
	}
}

// publishDefinition creates and activates a definition over the API.
func publishDefinition(t *testing.T, srv *Server) *store.Definition {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/definitions", simpleDefinition(), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	def := decode[*store.Definition](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/definitions/"+def.ID+"/activate",
		map[string]any{"version": def.Version}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[*store.Definition](t, rec)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefinitionLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)
	def := publishDefinition(t, srv)
	assert.True(t, def.Active)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/definitions/"+def.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[*store.Definition](t, rec)
	assert.Equal(t, def.Version, got.Version)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/definitions?entity_type=outbound_order&active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode[[]*store.Definition](t, rec)
	require.Len(t, defs, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/definitions/"+def.ID+"/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exported := decode[*schema.WorkflowDefinition](t, rec)
	assert.Equal(t, def.ID, exported.ID)
}

func TestActivateInvalidDefinitionReturns422(t *testing.T) {
	srv, _, _ := newTestServer(t)

	spec := simpleDefinition()
	spec.Steps[0].TransitionRules[0].Target = "nowhere"
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/definitions", spec, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	def := decode[*store.Definition](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/definitions/"+def.ID+"/activate",
		map[string]any{"version": def.Version}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, schema.ErrCodeDefinition, body["code"])
}

func TestValidateEndpointReportsErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	spec := simpleDefinition()
	spec.Steps = spec.Steps[1:] // drop the start step
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/definitions/validate", spec, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[*schema.ValidationResult](t, rec)
	assert.False(t, result.Valid())
	assert.NotEmpty(t, result.Errors)
}

func TestStartInstanceAndCompleteSteps(t *testing.T) {
	srv, _, st := newTestServer(t)
	def := publishDefinition(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/instances", map[string]any{
		"definition_id": def.ID,
		"entity_id":     "ord-1",
		"data":          map[string]any{"order_value": 120},
	}, map[string]string{"X-Actor": "trigger-svc"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decode[*store.Instance](t, rec)
	assert.Equal(t, schema.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, "trigger-svc", inst.InitiatedBy)

	steps := decode[[]*store.StepInstance](t,
		doJSON(t, srv, http.MethodGet, "/api/v1/instances/"+inst.ID+"/steps", nil, nil))
	require.Len(t, steps, 1)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/steps/"+steps[0].ID+"/complete",
		map[string]any{"data": map[string]any{"picked": 2}}, map[string]string{"X-Actor": "alice"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := st.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ship"}, got.CurrentSteps)

	transitions := decode[[]*store.Transition](t,
		doJSON(t, srv, http.MethodGet, "/api/v1/instances/"+inst.ID+"/transitions", nil, nil))
	require.Len(t, transitions, 1)
	assert.Equal(t, "alice", transitions[0].TriggeredBy)
}

func TestStartInstanceIdempotentReplay(t *testing.T) {
	srv, _, _ := newTestServer(t)
	def := publishDefinition(t, srv)

	body := map[string]any{
		"definition_id":   def.ID,
		"entity_id":       "ord-2",
		"idempotency_key": "order-created:ord-2",
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/instances", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[*store.Instance](t, rec)

	// The replayed trigger gets the original instance back, not a new one.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/instances", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[*store.Instance](t, rec)
	assert.Equal(t, first.ID, second.ID)
}

func TestStartInstanceHonorsIdempotencyHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	def := publishDefinition(t, srv)

	body := map[string]any{"definition_id": def.ID, "entity_id": "ord-3"}
	headers := map[string]string{"Idempotency-Key": "hdr-key-1"}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/instances", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[*store.Instance](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/instances", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[*store.Instance](t, rec).ID)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _, _ := newTestServer(t)
	def := publishDefinition(t, srv)

	// Unknown instance: 404.
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/instances/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	// Missing entity_id: 400.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/instances",
		map[string]any{"definition_id": def.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Pausing a pending start: create then cancel twice for a transition error.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/instances",
		map[string]any{"definition_id": def.ID, "entity_id": "ord-4"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decode[*store.Instance](t, rec)
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/instances/%s/cancel", inst.ID),
		map[string]any{"reason": "test"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/instances/%s/cancel", inst.ID),
		map[string]any{"reason": "again"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInstanceDiagramRendersMermaid(t *testing.T) {
	srv, _, _ := newTestServer(t)
	def := publishDefinition(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/instances",
		map[string]any{"definition_id": def.ID, "entity_id": "ord-5"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decode[*store.Instance](t, rec)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/instances/"+inst.ID+"/diagram", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.Contains(t, rec.Body.String(), "class pick in_progress")
}
