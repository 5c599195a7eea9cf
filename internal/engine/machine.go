package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fabula-ai/fabula/internal/agents"
	"github.com/fabula-ai/fabula/internal/costs"
	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/internal/expressions"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/internal/streaming"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// Deps bundles the collaborators a run machine needs.
type Deps struct {
	Workflow *schema.WorkflowConfig
	Agents   map[string]*schema.AgentConfig
	Store    store.Store
	DataDir  string // event logs and manifests live here
	Hub      streaming.EventHub
	Bridge   *Bridge
	Gate     *Gate
	Ledger   *costs.Ledger
	Sessions *agents.SessionRegistry
	Invoker  agents.Invoker
	Pool     *Pool
	Logger   *slog.Logger
}

// Machine drives one workflow run: it walks the state graph, invokes agents,
// enforces the circuit breaker, suspends at approval states, and records
// every step in the run's event log.
type Machine struct {
	deps    Deps
	runID   string
	input   schema.StoryInput
	log     *eventlog.Log
	fsm     *RunFSM
	breaker *Breaker
	expr    expressions.Engine
	cel     expressions.Engine
	jq      *expressions.GoJQEngine
	logger  *slog.Logger

	mu             sync.Mutex
	status         schema.RunStatus
	current        string
	visits         map[string]int
	lastScore      *float64
	outputs        map[string]any
	decision       string
	feedback       string
	pauseRequested bool
	abortRequested bool
	resumeCh       chan struct{}
	cancel         context.CancelFunc
	startedAt      time.Time
}

// NewMachine creates a machine for one run. Initialize must be called before
// Run.
func NewMachine(deps Deps, runID string, input schema.StoryInput) (*Machine, error) {
	if deps.Workflow == nil || len(deps.Workflow.States) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "workflow has no states")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Pool == nil {
		deps.Pool = NewPool(0)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	m := &Machine{
		deps:     deps,
		runID:    runID,
		input:    input,
		breaker:  NewBreaker(deps.Workflow.Breaker),
		expr:     expressions.NewExprEngine(),
		cel:      celEngine,
		jq:       expressions.NewGoJQEngine(),
		logger:   deps.Logger.With("run_id", runID),
		visits:   make(map[string]int),
		outputs:  make(map[string]any),
		resumeCh: make(chan struct{}, 1),
	}
	m.fsm = NewRunFSM(m)
	return m, nil
}

// Append writes an event to the run's event log, then mirrors it to the
// stream hub and the event bridge. The log write is synchronous and its
// failure propagates; hub and bridge are best-effort.
func (m *Machine) Append(event *eventlog.Event) error {
	event.RunID = m.runID
	if err := m.log.Append(event); err != nil {
		return err
	}

	ctx := context.Background()
	if err := m.deps.Hub.Publish(ctx, streaming.StreamEvent{
		RunID:   m.runID,
		Seq:     event.Sequence,
		State:   event.State,
		Kind:    event.Kind,
		Payload: event.Payload,
	}); err != nil {
		m.logger.Warn("stream publish failed", "kind", event.Kind, "error", err)
	}
	m.deps.Bridge.Dispatch(ctx, Notification{
		RunID:   m.runID,
		State:   event.State,
		Kind:    event.Kind,
		Payload: event.Payload,
	})
	return nil
}

// Initialize persists the run record and opens its event log. A store
// failure here is fatal: a run that cannot be recorded must not start.
func (m *Machine) Initialize(ctx context.Context) error {
	entry := m.deps.Workflow.EntryState
	if entry == "" {
		entry = "start"
	}
	if _, ok := m.deps.Workflow.States[entry]; !ok {
		return schema.NewErrorf(schema.ErrCodeConfig, "entry state %q not defined", entry)
	}

	inputJSON, err := json.Marshal(m.input)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal run input").WithCause(err)
	}

	now := time.Now().UTC()
	if err := m.deps.Store.CreateRun(ctx, &store.Run{
		ID:           m.runID,
		StoryID:      m.input.StoryID,
		UserID:       m.input.UserID,
		WorkflowName: m.deps.Workflow.Name,
		Status:       schema.RunStatusRunning,
		CurrentState: entry,
		Input:        inputJSON,
		CreatedAt:    now,
		StartedAt:    &now,
	}); err != nil {
		return err
	}

	log, err := eventlog.Open(m.deps.DataDir, m.runID)
	if err != nil {
		return err
	}
	m.log = log

	m.mu.Lock()
	m.status = schema.RunStatusRunning
	m.current = entry
	m.startedAt = now
	m.mu.Unlock()

	if err := m.Append(&eventlog.Event{
		Kind:  schema.EventRunStarted,
		State: entry,
		Payload: map[string]any{
			"story_id": m.input.StoryID,
			"user_id":  m.input.UserID,
			"workflow": m.deps.Workflow.Name,
		},
	}); err != nil {
		return err
	}

	m.writeManifest()
	return nil
}

// Run executes the workflow until a terminal state, an abort, a halt, or an
// unrecoverable error. Completed, aborted and halted runs return nil; a run
// that ends in error status returns the error as well.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()
	defer m.log.Close()

	for {
		if stop, err := m.checkpoint(ctx); stop {
			return err
		}

		next, done, err := m.step(ctx)
		if err != nil {
			if isAbortErr(err) {
				return m.finish(ctx, schema.RunStatusAborted, "")
			}
			m.logger.Error("run failed", "state", m.currentState(), "error", err)
			_ = m.finish(ctx, schema.RunStatusError, err.Error())
			return err
		}
		if done {
			return nil
		}

		m.mu.Lock()
		m.current = next
		m.mu.Unlock()
		m.persistState(ctx, next)
		m.persistCosts(ctx)
		m.writeManifest()
	}
}

// ExecuteState runs the current state once and returns the next state name.
// Terminal states and suspensions that end the run return done = true.
func (m *Machine) ExecuteState(ctx context.Context) (next string, done bool, err error) {
	return m.step(ctx)
}

// SubmitApproval delivers a human decision to this run's pending approval.
// Returns false when nothing is pending (e.g. the approval already timed
// out), so the caller can report the decision as late.
func (m *Machine) SubmitApproval(decision schema.Decision, feedback string) bool {
	return m.deps.Gate.Submit(m.runID, decision, feedback)
}

// Pause requests a pause. It takes effect at the next state boundary: the
// state currently executing finishes first. Pausing an already paused run
// (or re-requesting a pending pause) is a no-op.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == schema.RunStatusPaused || m.pauseRequested {
		return nil
	}
	if m.status != schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause run in status %s", m.status)
	}
	m.pauseRequested = true
	return nil
}

// Resume wakes a paused run.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.status != schema.RunStatusPaused {
		status := m.status
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume run in status %s", status)
	}
	m.mu.Unlock()

	if err := m.fsm.Transition(ctx, m.runID, schema.RunStatusPaused, schema.RunStatusRunning); err != nil {
		return err
	}
	m.setStatus(ctx, schema.RunStatusRunning)

	select {
	case m.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Abort requests an abort. Takes effect at the next checkpoint, or
// immediately when the run is blocked waiting.
func (m *Machine) Abort() {
	m.mu.Lock()
	m.abortRequested = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the run's current status and state.
func (m *Machine) Status() (schema.RunStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.current
}

// RunID returns the run identifier.
func (m *Machine) RunID() string {
	return m.runID
}

// checkpoint handles pause and abort requests at a state boundary. Returns
// stop = true when the run loop must exit.
func (m *Machine) checkpoint(ctx context.Context) (stop bool, err error) {
	m.mu.Lock()
	aborted := m.abortRequested || ctx.Err() != nil
	paused := m.pauseRequested
	m.pauseRequested = false
	m.mu.Unlock()

	if aborted {
		return true, m.finish(ctx, schema.RunStatusAborted, "")
	}
	if !paused {
		return false, nil
	}

	if err := m.fsm.Transition(ctx, m.runID, schema.RunStatusRunning, schema.RunStatusPaused); err != nil {
		return true, err
	}
	m.setStatus(ctx, schema.RunStatusPaused)
	m.writeManifest()

	select {
	case <-m.resumeCh:
		// Resume already transitioned paused -> running.
		m.writeManifest()
		return false, nil
	case <-ctx.Done():
		return true, m.finish(ctx, schema.RunStatusAborted, "")
	}
}

// step executes the current state and evaluates the outgoing transition.
func (m *Machine) step(ctx context.Context) (next string, done bool, err error) {
	state := m.currentState()
	def, ok := m.deps.Workflow.States[state]
	if !ok {
		return "", false, schema.NewErrorf(schema.ErrCodeExecution,
			"state %q not defined in workflow", state).WithState(state)
	}

	verdict, visits := m.enterState(state)
	switch verdict.Outcome {
	case schema.BreakerAbort:
		if err := m.Append(&eventlog.Event{
			Kind:  schema.EventCircuitAbort,
			State: state,
			Payload: map[string]any{
				"reason": verdict.Reason,
				"visits": visits,
			},
		}); err != nil {
			return "", false, err
		}
		return "", true, m.finish(ctx, schema.RunStatusAborted, verdict.Reason)
	case schema.BreakerAutoSkip:
		if err := m.Append(&eventlog.Event{
			Kind:  schema.EventCircuitAutoSkip,
			State: state,
			Payload: map[string]any{
				"reason": verdict.Reason,
				"target": verdict.Target,
			},
		}); err != nil {
			return "", false, err
		}
		return verdict.Target, false, nil
	}

	if err := m.Append(&eventlog.Event{
		Kind:  schema.EventStateEnter,
		State: state,
		Payload: map[string]any{
			"type":   string(def.Type),
			"visits": visits,
		},
	}); err != nil {
		return "", false, err
	}

	switch def.Type {
	case schema.StateTypeTerminal:
		return "", true, m.finishTerminal(ctx, def)
	case schema.StateTypeFanOut:
		err = m.executeFanOut(ctx, def, visits)
	case schema.StateTypeAudit:
		err = m.executeAudit(ctx, def, visits)
	case schema.StateTypeApproval:
		done, err = m.executeApproval(ctx, def)
		if err != nil || done {
			return "", done, err
		}
	case schema.StateTypeDecision:
		// Nothing to execute; the transition rules do the work.
	default:
		return "", false, schema.NewErrorf(schema.ErrCodeConfig,
			"state %q has unknown type %q", state, def.Type).WithState(state)
	}
	if err != nil {
		return "", false, err
	}

	if err := m.Append(&eventlog.Event{
		Kind:    schema.EventStateComplete,
		State:   state,
		Payload: m.statePayload(state),
	}); err != nil {
		return "", false, err
	}

	next, err = m.evaluateTransitions(ctx, def)
	if err != nil {
		return "", false, err
	}

	if err := m.Append(&eventlog.Event{
		Kind:  schema.EventTransition,
		State: state,
		Payload: map[string]any{
			"from": state,
			"to":   next,
		},
	}); err != nil {
		return "", false, err
	}
	return next, false, nil
}

// enterState counts the visit and consults the breaker. A score is consumed
// once: either when it triggers a skip or when the skip target is reached
// naturally, so one audit pass yields at most one auto-skip.
func (m *Machine) enterState(state string) (Verdict, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.deps.Workflow.Breaker.AutoSkipTarget
	verdict := m.breaker.Evaluate(state, m.visits[state]+1, m.lastScore)
	if verdict.Outcome == schema.BreakerAutoSkip && state == target {
		verdict = Verdict{Outcome: schema.BreakerNone}
	}

	switch verdict.Outcome {
	case schema.BreakerAutoSkip:
		m.lastScore = nil
		return verdict, m.visits[state]
	case schema.BreakerAbort:
		m.visits[state]++
		return verdict, m.visits[state]
	}

	m.visits[state]++
	if state == target {
		m.lastScore = nil
	}
	return verdict, m.visits[state]
}

func (m *Machine) executeFanOut(ctx context.Context, def *schema.StateDefinition, attempt int) error {
	prompt := m.renderPrompt(def.Prompt)

	required := make(map[string]bool, len(def.Required))
	for _, id := range def.Required {
		required[id] = true
	}

	results := make([]*agents.Result, len(def.Agents))
	tasks := make([]Task, len(def.Agents))
	for i, agentID := range def.Agents {
		i, agentID := i, agentID
		tasks[i] = func(taskCtx context.Context) error {
			agent, ok := m.deps.Agents[agentID]
			if !ok {
				return schema.NewErrorf(schema.ErrCodeConfig, "agent %q not defined", agentID)
			}
			res, err := m.invokeWithRetry(taskCtx, def.Name, agent, prompt)
			results[i] = res
			return err
		}
	}

	errs := m.deps.Pool.Run(ctx, tasks)

	// Invocations that were in flight when an abort arrived have finished by
	// now; their outputs are discarded rather than committed.
	if m.aborting() {
		return schema.NewErrorf(schema.ErrCodeCancelled,
			"run aborted during state %s", def.Name).WithState(def.Name)
	}

	stateOutputs := make(map[string]any, len(def.Agents))
	var failed *schema.FabulaError
	for i, agentID := range def.Agents {
		if errs[i] != nil {
			if required[agentID] && failed == nil {
				failed = schema.NewErrorf(schema.ErrCodeExecution,
					"required agent %s failed: %s", agentID, errs[i].Error()).
					WithState(def.Name).WithCause(errs[i])
			}
			continue
		}
		out := resultValue(results[i])
		stateOutputs[agentID] = out
		m.saveOutput(ctx, def.Name, agentID, attempt, out, nil)
	}

	m.mu.Lock()
	m.outputs[def.Name] = stateOutputs
	m.mu.Unlock()

	if failed != nil {
		return failed
	}
	return nil
}

func (m *Machine) executeAudit(ctx context.Context, def *schema.StateDefinition, attempt int) error {
	prompt := m.renderPrompt(def.Prompt)

	var score *float64
	stateOutputs := make(map[string]any, len(def.Agents))
	for _, agentID := range def.Agents {
		agent, ok := m.deps.Agents[agentID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeConfig, "agent %q not defined", agentID)
		}
		res, err := m.invokeWithRetry(ctx, def.Name, agent, prompt)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"audit agent %s failed: %s", agentID, err.Error()).
				WithState(def.Name).WithCause(err)
		}
		if m.aborting() {
			return schema.NewErrorf(schema.ErrCodeCancelled,
				"run aborted during state %s", def.Name).WithState(def.Name)
		}

		out := resultValue(res)
		stateOutputs[agentID] = out

		if s, ok := m.extractScore(ctx, def.ScoreQuery, res); ok {
			score = &s
		}
		m.saveOutput(ctx, def.Name, agentID, attempt, out, score)
	}

	m.mu.Lock()
	m.outputs[def.Name] = stateOutputs
	m.lastScore = score
	m.mu.Unlock()
	return nil
}

func (m *Machine) executeApproval(ctx context.Context, def *schema.StateDefinition) (done bool, err error) {
	timeout := time.Duration(0)
	if def.Timeout != "" {
		if d, parseErr := time.ParseDuration(def.Timeout); parseErr == nil {
			timeout = d
		}
	}

	content := m.reviewContent()
	if err := m.Append(&eventlog.Event{
		Kind:  schema.EventApprovalRequested,
		State: def.Name,
		Payload: map[string]any{
			"prompt":  m.renderPrompt(def.Prompt),
			"content": content,
			"timeout": def.Timeout,
		},
	}); err != nil {
		return false, err
	}

	res, err := m.deps.Gate.Request(ctx, m.runID, def.Name, content, timeout)
	if err != nil {
		var fErr *schema.FabulaError
		if errors.As(err, &fErr) && fErr.Code == schema.ErrCodeApprovalTimeout {
			if appendErr := m.Append(&eventlog.Event{
				Kind:    schema.EventApprovalTimeout,
				State:   def.Name,
				Payload: map[string]any{"timeout": def.Timeout},
			}); appendErr != nil {
				return false, appendErr
			}
			return true, m.finish(ctx, schema.RunStatusHalted, fErr.Message)
		}
		return false, err
	}

	if err := m.Append(&eventlog.Event{
		Kind:  schema.EventApprovalResolved,
		State: def.Name,
		Payload: map[string]any{
			"decision": string(res.Decision),
			"feedback": res.Feedback,
		},
	}); err != nil {
		return false, err
	}

	if res.Decision == schema.DecisionAbort {
		return true, m.finish(ctx, schema.RunStatusAborted, "aborted by reviewer")
	}

	m.mu.Lock()
	m.decision = string(res.Decision)
	if res.Decision == schema.DecisionFeedback {
		m.feedback = res.Feedback
	}
	m.mu.Unlock()
	return false, nil
}

// evaluateTransitions applies the state's rules in order; the first rule
// whose condition is true wins, an empty condition is unconditional.
func (m *Machine) evaluateTransitions(ctx context.Context, def *schema.StateDefinition) (string, error) {
	env := m.ruleEnv(def.Name)
	for _, rule := range def.Transitions {
		if rule.When == "" {
			return rule.To, nil
		}
		engine := m.expr
		if rule.Engine == "cel" {
			engine = m.cel
		}
		matched, err := engine.EvaluateBool(ctx, rule.When, env)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution,
				"transition rule %q: %s", rule.When, err.Error()).
				WithState(def.Name).WithCause(err)
		}
		if matched {
			return rule.To, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"no transition rule matched in state %q", def.Name).WithState(def.Name)
}

// invokeWithRetry runs one agent with the agent's retry policy, recording
// cost and session capture for every attempt.
func (m *Machine) invokeWithRetry(ctx context.Context, state string, agent *schema.AgentConfig, prompt string) (*agents.Result, error) {
	policy := schema.RetryPolicy{}
	if agent.Retry != nil {
		policy = *agent.Retry
	}

	var lastErr error
	var lastRes *agents.Result
	for attempt := 0; attempt <= policy.Max; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
				return lastRes, err
			}
		}

		// An abort must not kill a running agent mid-stream: the invocation
		// finishes on its own (its timeout still applies) and the abort is
		// honored afterwards, discarding the results.
		inv := m.deps.Sessions.BuildInvocation(ctx, agent, m.runID, prompt)
		res, err := m.deps.Invoker.Invoke(context.WithoutCancel(ctx), inv)
		lastRes = res

		if res != nil {
			m.deps.Ledger.Record(ctx, costs.Usage{
				RunID:        m.runID,
				State:        state,
				AgentID:      agent.ID,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				DurationMs:   res.DurationMs,
			})
			m.deps.Sessions.Capture(ctx, m.runID, agent.ID, res.Stdout)
		}

		if err == nil && res.ExitCode != 0 {
			err = schema.NewErrorf(schema.ErrCodeAgentInvocation,
				"agent %s exited with code %d: %s", agent.ID, res.ExitCode,
				firstLine(res.Stderr)).WithState(state)
		}

		if err == nil {
			if appendErr := m.Append(&eventlog.Event{
				Kind:    schema.EventAgentInvoked,
				State:   state,
				AgentID: agent.ID,
				Payload: map[string]any{
					"attempt":       attempt + 1,
					"duration_ms":   res.DurationMs,
					"input_tokens":  res.InputTokens,
					"output_tokens": res.OutputTokens,
				},
			}); appendErr != nil {
				return res, appendErr
			}
			return res, nil
		}

		lastErr = err
		if appendErr := m.Append(&eventlog.Event{
			Kind:    schema.EventAgentFailed,
			State:   state,
			AgentID: agent.ID,
			Payload: map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			},
		}); appendErr != nil {
			return res, appendErr
		}

		if !IsRetryableError(err) {
			return res, err
		}
	}

	if policy.Max > 0 {
		return lastRes, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"agent %s failed after %d attempts: %s", agent.ID, policy.Max+1, lastErr.Error()).
			WithState(state).WithCause(lastErr)
	}
	return lastRes, lastErr
}

// extractScore applies the audit state's jq query to the agent's parsed
// JSON output. Extraction failures are warn-only: a missing score just
// means no auto-skip.
func (m *Machine) extractScore(ctx context.Context, query string, res *agents.Result) (float64, bool) {
	if query == "" || res.Parsed == nil {
		return 0, false
	}
	data, ok := res.Parsed.(map[string]any)
	if !ok {
		return 0, false
	}

	s, ok, err := m.jq.ExtractScore(ctx, query, data)
	if err != nil {
		m.logger.Warn("score extraction failed", "query", query, "error", err)
		return 0, false
	}
	return s, ok
}

// finishTerminal maps a terminal state's name onto the run's final status.
func (m *Machine) finishTerminal(ctx context.Context, def *schema.StateDefinition) error {
	status := schema.RunStatusComplete
	switch def.Name {
	case "error", "failed":
		status = schema.RunStatusError
	case "halt", "halted":
		status = schema.RunStatusHalted
	}
	return m.finish(ctx, status, "")
}

// finish moves the run to a terminal status, persists it, and releases the
// run's agent sessions.
func (m *Machine) finish(ctx context.Context, status schema.RunStatus, reason string) error {
	m.mu.Lock()
	from := m.status
	m.mu.Unlock()
	if from.IsTerminal() {
		return nil
	}

	if err := m.fsm.Transition(ctx, m.runID, from, status); err != nil {
		m.logger.Warn("terminal transition failed", "from", from, "to", status, "error", err)
	}

	m.mu.Lock()
	m.status = status
	m.mu.Unlock()

	now := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if reason != "" {
		update.Error = errJSON(status, reason)
	}
	if err := m.deps.Store.UpdateRun(ctx, m.runID, update); err != nil {
		m.logger.Warn("failed to persist final run status", "status", status, "error", err)
	}

	m.deps.Sessions.Clear(ctx, m.runID)
	m.persistCosts(ctx)
	m.writeManifest()
	return nil
}

func (m *Machine) setStatus(ctx context.Context, status schema.RunStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	if err := m.deps.Store.UpdateRun(ctx, m.runID, store.RunUpdate{Status: &status}); err != nil {
		m.logger.Warn("failed to persist run status", "status", status, "error", err)
	}
}

func (m *Machine) persistState(ctx context.Context, state string) {
	if err := m.deps.Store.UpdateRun(ctx, m.runID, store.RunUpdate{CurrentState: &state}); err != nil {
		m.logger.Warn("failed to persist current state", "state", state, "error", err)
	}
}

// persistCosts copies the ledger's running totals onto the run record.
// Warn-only, like all accounting.
func (m *Machine) persistCosts(ctx context.Context) {
	if m.deps.Ledger == nil {
		return
	}
	s := m.deps.Ledger.Summary(ctx, m.runID)
	if s.Invocations == 0 {
		return
	}
	if err := m.deps.Store.UpdateRun(ctx, m.runID, store.RunUpdate{
		TotalCostUSD: &s.TotalCostUSD,
		InputTokens:  &s.InputTokens,
		OutputTokens: &s.OutputTokens,
	}); err != nil {
		m.logger.Warn("failed to persist run cost totals", "error", err)
	}
}

func (m *Machine) saveOutput(ctx context.Context, state, agentID string, attempt int, output any, score *float64) {
	raw, err := json.Marshal(output)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(output))
	}
	if err := m.deps.Store.SaveOutput(ctx, &store.StateOutput{
		RunID:     m.runID,
		State:     state,
		AgentID:   agentID,
		Attempt:   attempt,
		Output:    raw,
		Score:     score,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("failed to persist state output",
			"state", state, "agent", agentID, "error", err)
	}
}

// writeManifest snapshots the run for cheap external inspection. Best-effort:
// the event log is the source of truth.
func (m *Machine) writeManifest() {
	var cost *eventlog.CostSummary
	if m.deps.Ledger != nil {
		if s := m.deps.Ledger.Summary(context.Background(), m.runID); s.Invocations > 0 {
			cost = &eventlog.CostSummary{
				TotalCostUSD: s.TotalCostUSD,
				InputTokens:  s.InputTokens,
				OutputTokens: s.OutputTokens,
				Invocations:  s.Invocations,
			}
		}
	}

	m.mu.Lock()
	manifest := &eventlog.Manifest{
		RunID:        m.runID,
		StoryID:      m.input.StoryID,
		UserID:       m.input.UserID,
		WorkflowName: m.deps.Workflow.Name,
		Status:       m.status,
		CurrentState: m.current,
		Visits:       make(map[string]int, len(m.visits)),
		LastScore:    m.lastScore,
		Cost:         cost,
		StartedAt:    m.startedAt,
		UpdatedAt:    time.Now().UTC(),
	}
	for k, v := range m.visits {
		manifest.Visits[k] = v
	}
	m.mu.Unlock()

	if err := eventlog.WriteManifest(m.deps.DataDir, manifest); err != nil {
		m.logger.Warn("failed to write run manifest", "error", err)
	}
}

// reviewContent snapshots the outputs produced so far: the material the
// reviewer is asked to judge, plus the most recent audit score when one
// exists.
func (m *Machine) reviewContent() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	content := make(map[string]any, len(m.outputs)+1)
	for state, out := range m.outputs {
		content[state] = out
	}
	if m.lastScore != nil {
		content["score"] = *m.lastScore
	}
	return content
}

// ruleEnv builds the evaluation environment for transition rules.
func (m *Machine) ruleEnv(state string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	score := 0.0
	if m.lastScore != nil {
		score = *m.lastScore
	}
	outputs := make(map[string]any, len(m.outputs))
	for k, v := range m.outputs {
		outputs[k] = v
	}
	return map[string]any{
		"score":    score,
		"visits":   m.visits[state],
		"decision": m.decision,
		"feedback": m.feedback,
		"outputs":  outputs,
		"inputs": map[string]any{
			"story_id": m.input.StoryID,
			"user_id":  m.input.UserID,
			"title":    m.input.Title,
			"brief":    m.input.Brief,
			"params":   m.input.Params,
		},
		"run": map[string]any{
			"id":     m.runID,
			"status": string(m.status),
			"state":  state,
		},
	}
}

func (m *Machine) statePayload(state string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := map[string]any{"visits": m.visits[state]}
	if m.lastScore != nil {
		payload["score"] = *m.lastScore
	}
	return payload
}

// renderPrompt substitutes the story fields into a state's prompt template.
// {{context}} expands to the JSON of all prior state outputs.
func (m *Machine) renderPrompt(tpl string) string {
	m.mu.Lock()
	feedback := m.feedback
	outputs := m.outputs
	m.mu.Unlock()

	if tpl == "" {
		tpl = m.input.Brief
	}
	contextJSON := ""
	if len(outputs) > 0 {
		if b, err := json.Marshal(outputs); err == nil {
			contextJSON = string(b)
		}
	}
	return strings.NewReplacer(
		"{{brief}}", m.input.Brief,
		"{{title}}", m.input.Title,
		"{{feedback}}", feedback,
		"{{context}}", contextJSON,
	).Replace(tpl)
}

func (m *Machine) currentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) aborting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortRequested
}

func resultValue(res *agents.Result) any {
	if res.Parsed != nil {
		return res.Parsed
	}
	return res.Stdout
}

func errJSON(status schema.RunStatus, reason string) json.RawMessage {
	b, err := json.Marshal(map[string]string{
		"status":  string(status),
		"message": reason,
	})
	if err != nil {
		return nil
	}
	return b
}

func isAbortErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var fErr *schema.FabulaError
	return errors.As(err, &fErr) && fErr.Code == schema.ErrCodeCancelled
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
