package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/internal/streaming"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// --- Mock controller ---

type mockController struct {
	submitOK     bool
	lastDecision schema.Decision
	lastFeedback string

	pauseErr  error
	resumeErr error
	abortErr  error

	activeID    string
	activeState string
	activeOK    bool
}

func (m *mockController) SubmitApproval(_ string, decision schema.Decision, feedback string) bool {
	m.lastDecision = decision
	m.lastFeedback = feedback
	return m.submitOK
}

func (m *mockController) Pause(_ string) error { return m.pauseErr }
func (m *mockController) Abort(_ string) error { return m.abortErr }

func (m *mockController) Resume(_ context.Context, _ string) error { return m.resumeErr }

func (m *mockController) Active() (string, schema.RunStatus, string, bool) {
	return m.activeID, schema.RunStatusRunning, m.activeState, m.activeOK
}

// --- Harness ---

type harness struct {
	server  *PanelServer
	store   store.Store
	dataDir string
}

func newHarness(t *testing.T, ctrl *mockController) *harness {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	dataDir := t.TempDir()
	panel := NewPanelServer(PanelDeps{
		Store:      s,
		Controller: ctrl,
		Hub:        streaming.NewMemoryHub(),
		Workflow:   testWorkflow(),
		DataDir:    dataDir,
	})
	return &harness{server: panel, store: s, dataDir: dataDir}
}

func testWorkflow() *schema.WorkflowConfig {
	return &schema.WorkflowConfig{
		Name:       "storycraft",
		EntryState: "draft",
		States: map[string]*schema.StateDefinition{
			"draft": {
				Name: "draft", Type: schema.StateTypeFanOut,
				Agents:      []string{"writer"},
				Transitions: []schema.TransitionRule{{To: "done"}},
			},
			"done": {Name: "done", Type: schema.StateTypeTerminal},
		},
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target))
}

func seedRun(t *testing.T, s store.Store, id string, status schema.RunStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(context.Background(), &store.Run{
		ID: id, StoryID: "story-1", UserID: "user-1",
		Status: status, CurrentState: "draft",
		CreatedAt: now, UpdatedAt: now,
	}))
}

// --- Tests ---

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, &mockController{activeID: "run-1", activeState: "draft", activeOK: true})

	rec := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	decode(t, rec, &out)
	assert.Equal(t, true, out["active"])
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, "storycraft", out["workflow"])
}

func TestStatusEndpointIdle(t *testing.T) {
	h := newHarness(t, &mockController{})

	rec := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	decode(t, rec, &out)
	assert.Equal(t, false, out["active"])
}

func TestRunsEndpointFiltersByStatus(t *testing.T) {
	h := newHarness(t, &mockController{})
	seedRun(t, h.store, "run-1", schema.RunStatusComplete)
	seedRun(t, h.store, "run-2", schema.RunStatusError)

	rec := h.do(t, http.MethodGet, "/api/runs?status=complete", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Runs []*store.Run `json:"runs"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "run-1", out.Runs[0].ID)
}

func TestRunDetailEndpoint(t *testing.T) {
	h := newHarness(t, &mockController{})
	seedRun(t, h.store, "run-1", schema.RunStatusRunning)
	require.NoError(t, eventlog.WriteManifest(h.dataDir, &eventlog.Manifest{
		RunID:        "run-1",
		Status:       schema.RunStatusRunning,
		CurrentState: "draft",
		Visits:       map[string]int{"draft": 2},
		StartedAt:    time.Now().UTC(),
	}))

	rec := h.do(t, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Run    *store.Run     `json:"run"`
		Visits map[string]int `json:"visits"`
	}
	decode(t, rec, &out)
	assert.Equal(t, "run-1", out.Run.ID)
	assert.Equal(t, 2, out.Visits["draft"])
}

func TestRunDetailNotFound(t *testing.T) {
	h := newHarness(t, &mockController{})

	rec := h.do(t, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEventsEndpoint(t *testing.T) {
	h := newHarness(t, &mockController{})
	log, err := eventlog.Open(h.dataDir, "run-1")
	require.NoError(t, err)
	for _, kind := range []string{"run_started", "state_enter"} {
		require.NoError(t, log.Append(&eventlog.Event{RunID: "run-1", Kind: kind}))
	}
	require.NoError(t, log.Close())

	rec := h.do(t, http.MethodGet, "/api/runs/run-1/events?since=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Events []*eventlog.Event `json:"events"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "state_enter", out.Events[0].Kind)
}

func TestApproveEndpoint(t *testing.T) {
	ctrl := &mockController{submitOK: true}
	h := newHarness(t, ctrl)

	rec := h.do(t, http.MethodPost, "/api/runs/run-1/approve",
		`{"decision":"feedback","feedback":"tighten act two"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, schema.DecisionFeedback, ctrl.lastDecision)
	assert.Equal(t, "tighten act two", ctrl.lastFeedback)
}

func TestApproveEndpointRejectsBadDecision(t *testing.T) {
	h := newHarness(t, &mockController{submitOK: true})

	rec := h.do(t, http.MethodPost, "/api/runs/run-1/approve", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveEndpointNothingPending(t *testing.T) {
	h := newHarness(t, &mockController{submitOK: false})

	rec := h.do(t, http.MethodPost, "/api/runs/run-1/approve", `{"decision":"approved"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestControlEndpoints(t *testing.T) {
	h := newHarness(t, &mockController{})

	for _, path := range []string{
		"/api/runs/run-1/pause",
		"/api/runs/run-1/resume",
		"/api/runs/run-1/abort",
	} {
		rec := h.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestControlEndpointsMapNotFound(t *testing.T) {
	notFound := schema.NewErrorf(schema.ErrCodeNotFound, "no active run")
	h := newHarness(t, &mockController{pauseErr: notFound, resumeErr: notFound, abortErr: notFound})

	for _, path := range []string{
		"/api/runs/run-1/pause",
		"/api/runs/run-1/resume",
		"/api/runs/run-1/abort",
	} {
		rec := h.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestDiagramEndpoint(t *testing.T) {
	h := newHarness(t, &mockController{})

	rec := h.do(t, http.MethodGet, "/api/diagram?format=dot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digraph workflow {")

	rec = h.do(t, http.MethodGet, "/api/diagram?format=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEStreamsRunEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	panel := NewPanelServer(PanelDeps{
		Controller: &mockController{},
		Hub:        hub,
		Workflow:   testWorkflow(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sse/runs/run-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		panel.Handler().ServeHTTP(rec, req)
	}()

	// Give the subscriber a moment to attach, then publish.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{
		RunID: "run-1", Kind: "state_enter", State: "draft",
	}))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: state_enter")
	assert.Contains(t, body, `"run_id":"run-1"`)
}

func TestSSEKindsFilterAndEventID(t *testing.T) {
	hub := streaming.NewMemoryHub()
	panel := NewPanelServer(PanelDeps{
		Controller: &mockController{},
		Hub:        hub,
		Workflow:   testWorkflow(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet,
		"/sse/runs/run-1?kinds=approval_requested", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		panel.Handler().ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{
		RunID: "run-1", Seq: 3, Kind: "state_enter", State: "draft",
	}))
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{
		RunID: "run-1", Seq: 4, Kind: "approval_requested", State: "review",
	}))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: approval_requested")
	assert.Contains(t, body, "id: 4")
	assert.NotContains(t, body, "event: state_enter")
}

func TestSSERejectsUnknownKind(t *testing.T) {
	panel := NewPanelServer(PanelDeps{
		Controller: &mockController{},
		Hub:        streaming.NewMemoryHub(),
		Workflow:   testWorkflow(),
	})

	rec := httptest.NewRecorder()
	panel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse/events?kinds=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")
}
