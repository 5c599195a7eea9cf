package schema

// AgentConfig describes one CLI-driven agent: how to launch it, how to
// resume a prior session, and how its usage is priced.
type AgentConfig struct {
	ID      string `json:"id"`
	Command string `json:"command"` // executable name or path
	// Args is the fresh-invocation argument template. The placeholders
	// {{prompt}} and {{persona}} are substituted at invocation time.
	Args []string `json:"args,omitempty"`
	// ResumeArgs is the argument template used when a resumable session
	// handle exists for this agent and run. {{session}} is substituted with
	// the captured handle; {{prompt}} with the current prompt.
	ResumeArgs []string `json:"resume_args,omitempty"`
	// Persona is a system-prompt fragment describing the agent's role.
	Persona string `json:"persona,omitempty"`
	// SessionPattern is a regex with one capture group applied to the
	// agent's output to extract a resumable session handle. Empty disables
	// session capture for this agent.
	SessionPattern string `json:"session_pattern,omitempty"`
	// Pricing per 1K tokens, in USD. Zero means usage is tracked but free.
	InputCostPer1K  float64 `json:"input_cost_per_1k,omitempty"`
	OutputCostPer1K float64 `json:"output_cost_per_1k,omitempty"`

	Timeout string       `json:"timeout,omitempty"` // per-invocation timeout (e.g. "5m")
	Retry   *RetryPolicy `json:"retry,omitempty"`
	Env     []string     `json:"env,omitempty"` // extra KEY=VALUE pairs for the subprocess
}

// ScheduleConfig is one recurring story run, e.g. a nightly digest draft.
type ScheduleConfig struct {
	Name  string     `json:"name"`
	Cron  string     `json:"cron"`
	Story StoryInput `json:"story"`
}

// ProjectConfig bundles everything a fabula deployment needs: the workflow
// graph, the agent roster it references, and any recurring runs.
type ProjectConfig struct {
	Workflow  *WorkflowConfig         `json:"workflow"`
	Agents    map[string]*AgentConfig `json:"agents"`
	Schedules []ScheduleConfig        `json:"schedules,omitempty"`
}
