package schema

// Event kind constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunError     = "run_error"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunAborted   = "run_aborted"

	EventStateEnter    = "state_enter"
	EventStateComplete = "state_complete"
	EventTransition    = "transition"

	EventCircuitAutoSkip = "circuit_auto_skip"
	EventCircuitAbort    = "circuit_abort"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalTimeout   = "approval_timeout"

	EventAgentInvoked = "agent_invoked"
	EventAgentFailed  = "agent_failed"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusPaused   RunStatus = "paused"
	RunStatusComplete RunStatus = "complete"
	RunStatusError    RunStatus = "error"
	RunStatusHalted   RunStatus = "halted"
	RunStatusAborted  RunStatus = "aborted"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusComplete, RunStatusError, RunStatusHalted, RunStatusAborted:
		return true
	}
	return false
}

// Decision is the outcome submitted for a suspended approval state.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionFeedback Decision = "feedback"
	DecisionAbort    Decision = "abort"
)

// Valid reports whether the decision is one of the accepted values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionFeedback, DecisionAbort:
		return true
	}
	return false
}

// BreakerOutcome is the circuit breaker's verdict for the next iteration.
type BreakerOutcome string

const (
	BreakerNone     BreakerOutcome = "none"
	BreakerAutoSkip BreakerOutcome = "auto_skip"
	BreakerAbort    BreakerOutcome = "abort"
)
