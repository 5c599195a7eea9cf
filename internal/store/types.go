package store

import (
	"encoding/json"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Run is the persisted representation of a workflow run.
type Run struct {
	ID           string           `json:"id"`
	StoryID      string           `json:"story_id"`
	UserID       string           `json:"user_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	CurrentState string           `json:"current_state,omitempty"`
	Input        json.RawMessage  `json:"input,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RunUpdate carries the mutable fields of a run. Nil pointers mean "leave as is".
type RunUpdate struct {
	Status       *schema.RunStatus
	CurrentState *string
	Error        json.RawMessage
	TotalCostUSD *float64
	InputTokens  *int64
	OutputTokens *int64
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status  *schema.RunStatus
	StoryID string
	UserID  string
	Since   *time.Time
	Limit   int
	Offset  int
}

// StateOutput is one agent's output produced while a run was in a state.
// Attempt counts state visits, so re-entered states keep earlier outputs.
type StateOutput struct {
	RunID     string          `json:"run_id"`
	State     string          `json:"state"`
	AgentID   string          `json:"agent_id"`
	Attempt   int             `json:"attempt"`
	Output    json.RawMessage `json:"output,omitempty"`
	Score     *float64        `json:"score,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvocationRecord captures usage and cost for a single agent invocation.
type InvocationRecord struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	State        string    `json:"state"`
	AgentID      string    `json:"agent_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// InvocationFilter narrows ListInvocations results.
type InvocationFilter struct {
	RunID   string
	AgentID string
	State   string
	Limit   int
}

// Session is a resumable conversation handle captured from an agent's
// output, scoped to one (run, agent) pair.
type Session struct {
	RunID      string    `json:"run_id"`
	AgentID    string    `json:"agent_id"`
	Handle     string    `json:"handle"`
	CapturedAt time.Time `json:"captured_at"`
}
