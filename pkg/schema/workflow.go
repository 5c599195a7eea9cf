package schema

// WorkflowConfig is the JSON-serializable workflow graph consumed by the
// state machine. It is loaded once per run and never mutated at runtime.
type WorkflowConfig struct {
	Name       string                      `json:"name,omitempty"`
	EntryState string                      `json:"entry_state,omitempty"` // default "start"
	States     map[string]*StateDefinition `json:"states"`
	Breaker    BreakerConfig               `json:"breaker,omitempty"`
	Metadata   map[string]any              `json:"metadata,omitempty"`
}

// StateType enumerates the kinds of states in a workflow.
type StateType string

const (
	StateTypeFanOut   StateType = "fanout"   // invoke all agents in parallel
	StateTypeAudit    StateType = "audit"    // sequential invocation, score extraction
	StateTypeDecision StateType = "decision" // no agents, transition rules only
	StateTypeApproval StateType = "approval" // suspend for a human decision
	StateTypeTerminal StateType = "terminal" // run ends here
)

// StateDefinition describes a single named state in the workflow graph.
type StateDefinition struct {
	Name        string           `json:"name"`
	Type        StateType        `json:"type"`
	Agents      []string         `json:"agents,omitempty"`       // agent ids to invoke
	Required    []string         `json:"required,omitempty"`     // agents whose failure aborts the run
	Prompt      string           `json:"prompt,omitempty"`       // prompt template; approval states: reviewer prompt
	ScoreQuery  string           `json:"score_query,omitempty"`  // jq query over agent JSON output (audit states)
	Transitions []TransitionRule `json:"transitions,omitempty"`
	Timeout     string           `json:"timeout,omitempty"` // per-state approval timeout (e.g. "30m")
}

// TransitionRule maps an evaluated condition to a next-state name.
// An empty When is unconditional; rules are evaluated in order and the
// first match wins. Engine selects the expression dialect ("expr" default,
// "cel" opt-in).
type TransitionRule struct {
	When   string `json:"when,omitempty"`
	Engine string `json:"engine,omitempty"`
	To     string `json:"to"`
}

// BreakerConfig holds the circuit breaker thresholds. Both rules are pure
// functions of run history; zero values disable the corresponding rule.
type BreakerConfig struct {
	// MaxVisits aborts the run when any single state has been entered more
	// than this many times (bounds draft/audit oscillation). 0 = disabled.
	MaxVisits int `json:"max_visits,omitempty"`
	// AutoSkipThreshold skips ahead when the most recent audit score meets
	// or exceeds it. 0 = disabled.
	AutoSkipThreshold float64 `json:"auto_skip_threshold,omitempty"`
	// AutoSkipTarget is the state jumped to on auto-skip.
	AutoSkipTarget string `json:"auto_skip_target,omitempty"`
}

// RetryPolicy configures retry behavior for an agent invocation.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// StoryInput identifies the content item a run operates on.
type StoryInput struct {
	StoryID string         `json:"story_id"`
	UserID  string         `json:"user_id"`
	Title   string         `json:"title,omitempty"`
	Brief   string         `json:"brief,omitempty"` // resolved input content the first draft works from
	Params  map[string]any `json:"params,omitempty"`
}
