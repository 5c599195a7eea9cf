package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Coordinator owns the single-run-at-a-time policy: one workflow run may be
// active per process. Control operations are delegated to the active
// machine.
type Coordinator struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	active *Machine
	done   chan struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{deps: deps, logger: logger}
}

// Start begins a new run for the story. Returns ALREADY_RUNNING when a run
// is active; callers must wait or abort the active run first. The run
// executes in a background goroutine; Start returns once the run record and
// event log exist.
func (c *Coordinator) Start(ctx context.Context, input schema.StoryInput) (string, error) {
	c.mu.Lock()
	if c.active != nil {
		runID := c.active.RunID()
		c.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"run %s is already active", runID).
			WithDetails(map[string]any{"active_run_id": runID})
	}

	runID := newRunID(input.StoryID)
	machine, err := NewMachine(c.deps, runID, input)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.active = machine
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	if err := machine.Initialize(ctx); err != nil {
		c.clearActive(machine)
		close(done)
		return "", err
	}

	go c.execute(machine, done)
	return runID, nil
}

// execute drives the run to completion. A panic inside the run is contained:
// the run ends in error status instead of taking the process down.
func (c *Coordinator) execute(machine *Machine, done chan struct{}) {
	defer close(done)
	defer c.clearActive(machine)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("run panicked", "run_id", machine.RunID(), "panic", r)
			_ = machine.finish(context.Background(), schema.RunStatusError,
				fmt.Sprintf("internal panic: %v", r))
		}
	}()

	if err := machine.Run(context.Background()); err != nil {
		c.logger.Error("run ended in error", "run_id", machine.RunID(), "error", err)
		return
	}
	status, _ := machine.Status()
	c.logger.Info("run finished", "run_id", machine.RunID(), "status", string(status))
}

// SubmitApproval delivers a reviewer decision to the active run. Returns
// false when no run is active or nothing is pending.
func (c *Coordinator) SubmitApproval(runID string, decision schema.Decision, feedback string) bool {
	machine := c.machineFor(runID)
	if machine == nil {
		return false
	}
	return machine.SubmitApproval(decision, feedback)
}

// Pause requests a pause of the active run.
func (c *Coordinator) Pause(runID string) error {
	machine := c.machineFor(runID)
	if machine == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %s", runID)
	}
	return machine.Pause()
}

// Resume wakes the active run if it is paused.
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	machine := c.machineFor(runID)
	if machine == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %s", runID)
	}
	return machine.Resume(ctx)
}

// Abort requests an abort of the active run.
func (c *Coordinator) Abort(runID string) error {
	machine := c.machineFor(runID)
	if machine == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %s", runID)
	}
	machine.Abort()
	return nil
}

// PendingReview returns the active run's unresolved approval, if any.
func (c *Coordinator) PendingReview(runID string) (*Review, bool) {
	machine := c.machineFor(runID)
	if machine == nil || c.deps.Gate == nil {
		return nil, false
	}
	return c.deps.Gate.PendingReview(machine.RunID())
}

// Active returns the active run's id, status and state, or ok = false when
// idle.
func (c *Coordinator) Active() (runID string, status schema.RunStatus, state string, ok bool) {
	c.mu.Lock()
	machine := c.active
	c.mu.Unlock()
	if machine == nil {
		return "", "", "", false
	}
	status, state = machine.Status()
	return machine.RunID(), status, state, true
}

// Wait blocks until the active run finishes. Used by tests and graceful
// shutdown; returns immediately when idle.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Coordinator) machineFor(runID string) *Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || (runID != "" && c.active.RunID() != runID) {
		return nil
	}
	return c.active
}

func (c *Coordinator) clearActive(machine *Machine) {
	c.mu.Lock()
	if c.active == machine {
		c.active = nil
	}
	c.mu.Unlock()
}

// newRunID builds a sortable, human-scannable run identifier from the start
// time and the story id.
func newRunID(storyID string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, storyID)
	if len(slug) > 32 {
		slug = slug[:32]
	}
	if slug == "" {
		slug = "story"
	}
	return fmt.Sprintf("run_%s_%s", ts, slug)
}
