package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/pkg/schema"
)

type captureAppender struct {
	mu     sync.Mutex
	events []*eventlog.Event
	fail   error
}

func (a *captureAppender) Append(event *eventlog.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.events = append(a.events, event)
	return nil
}

func (a *captureAppender) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Kind
	}
	return out
}

func TestFSMValidTransitionsEmitEvents(t *testing.T) {
	app := &captureAppender{}
	f := NewRunFSM(app)
	ctx := context.Background()

	require.NoError(t, f.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusPaused))
	require.NoError(t, f.Transition(ctx, "run-1", schema.RunStatusPaused, schema.RunStatusRunning))
	require.NoError(t, f.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusComplete))

	assert.Equal(t, []string{
		schema.EventRunPaused,
		schema.EventRunResumed,
		schema.EventRunCompleted,
	}, app.kinds())
}

func TestFSMRejectsInvalidTransitions(t *testing.T) {
	f := NewRunFSM(&captureAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusComplete, schema.RunStatusRunning},
		{schema.RunStatusAborted, schema.RunStatusRunning},
		{schema.RunStatusError, schema.RunStatusPaused},
		{schema.RunStatusHalted, schema.RunStatusRunning},
		{schema.RunStatusPaused, schema.RunStatusComplete},
	}
	for _, tc := range cases {
		err := f.Transition(ctx, "run-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)

		var fErr *schema.FabulaError
		require.ErrorAs(t, err, &fErr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, fErr.Code)
	}
}

func TestFSMTerminalStatusesAcceptNothing(t *testing.T) {
	for status, allowed := range ValidRunTransitions {
		if status.IsTerminal() {
			assert.Empty(t, allowed, "terminal status %s must accept no transitions", status)
		}
	}
}

func TestFSMHaltEmitsNoStatusEvent(t *testing.T) {
	app := &captureAppender{}
	f := NewRunFSM(app)

	require.NoError(t, f.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusHalted))
	// The approval timeout event carries the halt context instead.
	assert.Empty(t, app.kinds())
}

func TestFSMHooksRunInOrder(t *testing.T) {
	app := &captureAppender{}
	f := NewRunFSM(app)

	var order []string
	f.OnBefore(schema.RunStatusRunning, schema.RunStatusPaused, func(from, to schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	f.OnAfter(schema.RunStatusRunning, schema.RunStatusPaused, func(from, to schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, f.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusPaused))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestFSMBeforeHookFailureBlocksTransition(t *testing.T) {
	app := &captureAppender{}
	f := NewRunFSM(app)

	f.OnBefore(schema.RunStatusRunning, schema.RunStatusComplete, func(from, to schema.RunStatus) error {
		return errors.New("not yet")
	})

	err := f.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusComplete)
	require.Error(t, err)
	assert.Empty(t, app.kinds(), "no event for a blocked transition")
}

func TestFSMAppendFailurePropagates(t *testing.T) {
	app := &captureAppender{fail: errors.New("disk full")}
	f := NewRunFSM(app)

	err := f.Transition(context.Background(), "run-1",
		schema.RunStatusRunning, schema.RunStatusComplete)
	require.Error(t, err)

	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeStore, fErr.Code)
}
