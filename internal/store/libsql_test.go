package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:           "run_20260830T120000Z_test-story",
		StoryID:      "story-1",
		UserID:       "user-1",
		WorkflowName: "story-pipeline",
		Status:       schema.RunStatusRunning,
		CurrentState: "draft",
		Input:        json.RawMessage(`{"title":"Test"}`),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "story-1", got.StoryID)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "draft", got.CurrentState)
	assert.JSONEq(t, `{"title":"Test"}`, string(got.Input))
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)

	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeNotFound, fErr.Code)
}

func TestCreateRunDuplicateID(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	err := s.CreateRun(context.Background(), run)
	require.Error(t, err)

	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeStore, fErr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	status := schema.RunStatusComplete
	state := "complete"
	now := time.Now().UTC()
	err := s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:       &status,
		CurrentState: &state,
		CompletedAt:  &now,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusComplete, got.Status)
	assert.Equal(t, "complete", got.CurrentState)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRunCostTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	cost := 0.042
	in := int64(1200)
	out := int64(800)
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		TotalCostUSD: &cost,
		InputTokens:  &in,
		OutputTokens: &out,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.042, got.TotalCostUSD)
	assert.Equal(t, int64(1200), got.InputTokens)
	assert.Equal(t, int64(800), got.OutputTokens)

	// A fresh run starts at zero.
	fresh, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.TotalCostUSD, fresh.TotalCostUSD)
}

func TestUpdateRunNotFound(t *testing.T) {
	s := newTestStore(t)

	status := schema.RunStatusError
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
	assert.Error(t, err)
}

func TestUpdateRunNoFields(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	// Empty update is a no-op, not an error.
	assert.NoError(t, s.UpdateRun(context.Background(), run.ID, RunUpdate{}))
}

func TestListRunsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	other := &Run{
		ID:      "run_20260830T130000Z_other",
		StoryID: "story-2",
		UserID:  "user-1",
		Status:  schema.RunStatusComplete,
	}
	require.NoError(t, s.CreateRun(ctx, other))

	running := schema.RunStatusRunning
	runs, err := s.ListRuns(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

// --- State Output Tests ---

func TestSaveAndListOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	score := 8.5
	require.NoError(t, s.SaveOutput(ctx, &StateOutput{
		RunID:   run.ID,
		State:   "draft",
		AgentID: "writer",
		Attempt: 1,
		Output:  json.RawMessage(`{"text":"once upon a time"}`),
	}))
	require.NoError(t, s.SaveOutput(ctx, &StateOutput{
		RunID:   run.ID,
		State:   "audit",
		AgentID: "critic",
		Attempt: 1,
		Output:  json.RawMessage(`{"score":8.5}`),
		Score:   &score,
	}))

	outputs, err := s.ListOutputs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "draft", outputs[0].State)
	assert.Nil(t, outputs[0].Score)
	require.NotNil(t, outputs[1].Score)
	assert.Equal(t, 8.5, *outputs[1].Score)
}

func TestOutputsKeepEarlierAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, s.SaveOutput(ctx, &StateOutput{
			RunID:   run.ID,
			State:   "draft",
			AgentID: "writer",
			Attempt: attempt,
			Output:  json.RawMessage(`{}`),
		}))
	}

	outputs, err := s.ListOutputs(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, outputs, 3)
}

// --- Invocation Metric Tests ---

func TestSaveAndListInvocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	rec := &InvocationRecord{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		State:        "draft",
		AgentID:      "writer",
		InputTokens:  1200,
		OutputTokens: 800,
		CostUSD:      0.042,
		DurationMs:   5300,
	}
	require.NoError(t, s.SaveInvocation(ctx, rec))

	recs, err := s.ListInvocations(ctx, InvocationFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1200), recs[0].InputTokens)
	assert.Equal(t, 0.042, recs[0].CostUSD)
}

func TestListInvocationsByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, agent := range []string{"writer", "critic", "writer"} {
		require.NoError(t, s.SaveInvocation(ctx, &InvocationRecord{
			ID:      uuid.New().String(),
			RunID:   run.ID,
			State:   "draft",
			AgentID: agent,
		}))
	}

	recs, err := s.ListInvocations(ctx, InvocationFilter{RunID: run.ID, AgentID: "writer"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

// --- Session Tests ---

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.SaveSession(ctx, &Session{
		RunID:   run.ID,
		AgentID: "writer",
		Handle:  "sess_abc123",
	}))

	sess, err := s.GetSession(ctx, run.ID, "writer")
	require.NoError(t, err)
	assert.Equal(t, "sess_abc123", sess.Handle)
}

func TestSaveSessionOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.SaveSession(ctx, &Session{RunID: run.ID, AgentID: "writer", Handle: "first"}))
	require.NoError(t, s.SaveSession(ctx, &Session{RunID: run.ID, AgentID: "writer", Handle: "second"}))

	sess, err := s.GetSession(ctx, run.ID, "writer")
	require.NoError(t, err)
	assert.Equal(t, "second", sess.Handle)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	_, err := s.GetSession(context.Background(), run.ID, "ghost")
	assert.Error(t, err)
}

func TestDeleteSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.SaveSession(ctx, &Session{RunID: run.ID, AgentID: "writer", Handle: "h1"}))
	require.NoError(t, s.SaveSession(ctx, &Session{RunID: run.ID, AgentID: "critic", Handle: "h2"}))

	require.NoError(t, s.DeleteSessions(ctx, run.ID))

	_, err := s.GetSession(ctx, run.ID, "writer")
	assert.Error(t, err)
	_, err = s.GetSession(ctx, run.ID, "critic")
	assert.Error(t, err)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Second migrate is a no-op.
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte{0x01, 0x02, 0x03}))

	got, err := s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	// Upsert replaces the value.
	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte{0xff}))
	got, err = s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, got)

	require.NoError(t, s.StoreSecret(ctx, "OTHER", []byte{0x00}))
	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "OTHER"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "API_KEY"))
	_, err = s.GetSecret(ctx, "API_KEY")
	assert.Error(t, err)
	assert.Error(t, s.DeleteSecret(ctx, "API_KEY"))
}
