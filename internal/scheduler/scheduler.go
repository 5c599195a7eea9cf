package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// StoryLauncher starts workflow runs. Satisfied by the run coordinator
// (interface avoids an import cycle).
type StoryLauncher interface {
	Start(ctx context.Context, input schema.StoryInput) (string, error)
}

// Schedule is one recurring story run, e.g. a nightly digest draft.
type Schedule struct {
	Name  string            `json:"name"`
	Cron  string            `json:"cron"`
	Story schema.StoryInput `json:"story"`
}

type scheduleState struct {
	spec      Schedule
	schedule  cron.Schedule
	nextRunAt time.Time
}

// Scheduler launches configured story runs on cron schedules. A tick that
// finds the coordinator busy skips the run: one run at a time is the
// engine's contract, and a scheduled story can wait for the next slot.
type Scheduler struct {
	launcher StoryLauncher
	parser   cron.Parser
	logger   *slog.Logger

	mu     sync.Mutex
	states []*scheduleState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler from the configured schedules. Invalid
// cron expressions fail construction; a silently dropped schedule would be
// discovered weeks later.
func NewScheduler(launcher StoryLauncher, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	now := time.Now().UTC()
	states := make([]*scheduleState, 0, len(schedules))
	for _, spec := range schedules {
		sched, err := parser.Parse(spec.Cron)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"schedule %q: invalid cron expression %q: %s", spec.Name, spec.Cron, err.Error()).
				WithCause(err)
		}
		states = append(states, &scheduleState{
			spec:      spec,
			schedule:  sched,
			nextRunAt: sched.Next(now),
		})
	}

	return &Scheduler{
		launcher: launcher,
		parser:   parser,
		logger:   logger,
		states:   states,
	}, nil
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "schedules", len(s.states))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick launches every due schedule. All due schedules advance their next
// run time, launched or skipped; a skipped occurrence is not replayed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*scheduleState
	for _, st := range s.states {
		if !st.nextRunAt.After(now) {
			due = append(due, st)
			st.nextRunAt = st.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		runID, err := s.launcher.Start(ctx, st.spec.Story)
		if err != nil {
			var fErr *schema.FabulaError
			if errors.As(err, &fErr) && fErr.Code == schema.ErrCodeAlreadyRunning {
				s.logger.Info("schedule skipped, a run is already active",
					"schedule", st.spec.Name)
				continue
			}
			s.logger.Error("failed to launch scheduled run",
				"schedule", st.spec.Name, "error", err)
			continue
		}
		s.logger.Info("scheduled run launched",
			"schedule", st.spec.Name, "run_id", runID)
	}
}

// NextRun returns when the named schedule fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.spec.Name == name {
			return st.nextRunAt, true
		}
	}
	return time.Time{}, false
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
