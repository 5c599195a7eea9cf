package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventRunStarted}))
	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventStateEnter, State: "draft"}))
	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventRunCompleted}))

	events, err := Read(dir, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)
	assert.Equal(t, schema.EventStateEnter, events[1].Kind)
	assert.Equal(t, "draft", events[1].State)
}

func TestReadSince(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventTransition}))
	}

	events, err := Read(dir, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
}

func TestReadMissingLogReturnsNil(t *testing.T) {
	events, err := Read(t.TempDir(), "nope", 0)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestEachEventIsOneSelfContainedLine(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(&Event{
		RunID:   "run-1",
		Kind:    schema.EventAgentInvoked,
		State:   "draft",
		AgentID: "writer",
		Payload: map[string]any{"attempt": 1},
	}))
	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventRunError}))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventRunStarted}))
	require.NoError(t, l.Append(&Event{RunID: "run-1", Kind: schema.EventRunPaused}))
	require.NoError(t, l.Close())

	l2, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Append(&Event{RunID: "run-1", Kind: schema.EventRunResumed}))

	events, err := Read(dir, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Sequence)
	assert.Equal(t, schema.EventRunResumed, events[2].Kind)
}

func TestConcurrentAppendsKeepLinesWhole(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(&Event{RunID: "run-1", Kind: schema.EventTransition})
		}()
	}
	wg.Wait()

	events, err := Read(dir, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestReadDetectsSequenceGap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-1.events.jsonl")
	lines := `{"seq":1,"ts":"2026-08-30T12:00:00Z","run_id":"run-1","kind":"run_started"}
{"seq":3,"ts":"2026-08-30T12:00:01Z","run_id":"run-1","kind":"run_completed"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	_, err := Read(dir, "run-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}
