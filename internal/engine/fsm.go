package engine

import (
	"context"
	"sync"

	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventAppender is satisfied by the event log; the FSM emits a status event
// on every transition it executes.
type EventAppender interface {
	Append(event *eventlog.Event) error
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates and executes run status transitions. Every accepted
// transition is recorded in the event log before after-hooks fire.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run status transition, emitting the
// corresponding event. The caller persists the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if kind := statusEventKind(from, to); kind != "" {
		event := &eventlog.Event{
			RunID: runID,
			Kind:  kind,
			Payload: map[string]any{
				"from": string(from),
				"to":   string(to),
			},
		}
		if err := f.appender.Append(event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit status event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func statusEventKind(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusRunning:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
		return ""
	case schema.RunStatusComplete:
		return schema.EventRunCompleted
	case schema.RunStatusError:
		return schema.EventRunError
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	case schema.RunStatusHalted:
		// The approval gate emits approval_timeout with the halt context;
		// no extra status event needed.
		return ""
	}
	return ""
}

// ValidRunTransitions defines the allowed status transitions for runs.
// Terminal statuses accept no transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusPaused,
		schema.RunStatusComplete,
		schema.RunStatusError,
		schema.RunStatusHalted,
		schema.RunStatusAborted,
	},
	schema.RunStatusPaused: {
		schema.RunStatusRunning,
		schema.RunStatusAborted,
		schema.RunStatusError,
	},
	schema.RunStatusComplete: {},
	schema.RunStatusError:    {},
	schema.RunStatusHalted:   {},
	schema.RunStatusAborted:  {},
}
