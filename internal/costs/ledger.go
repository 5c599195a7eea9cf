package costs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// Usage is the raw consumption of one agent invocation.
type Usage struct {
	RunID        string
	State        string
	AgentID      string
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
}

// Summary aggregates a run's spend.
type Summary struct {
	RunID        string             `json:"run_id"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	Invocations  int                `json:"invocations"`
	ByAgent      map[string]float64 `json:"by_agent,omitempty"`
	ByState      map[string]float64 `json:"by_state,omitempty"`
}

// Ledger prices agent usage and records it. Recording is never fatal: a
// run must not die because accounting failed, so store errors are logged
// and the in-memory totals keep the summary usable.
type Ledger struct {
	store  store.Store
	agents map[string]*schema.AgentConfig
	logger *slog.Logger

	mu     sync.Mutex
	totals map[string]*Summary // keyed by run id
}

// NewLedger creates a cost ledger priced from the agent roster.
func NewLedger(s store.Store, agents map[string]*schema.AgentConfig, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		agents: agents,
		logger: logger,
		totals: make(map[string]*Summary),
	}
}

// Record prices one invocation's usage and persists it. Returns the cost
// in USD. Never returns an error.
func (l *Ledger) Record(ctx context.Context, u Usage) float64 {
	cost := l.price(u)

	l.mu.Lock()
	s, ok := l.totals[u.RunID]
	if !ok {
		s = &Summary{
			RunID:   u.RunID,
			ByAgent: make(map[string]float64),
			ByState: make(map[string]float64),
		}
		l.totals[u.RunID] = s
	}
	s.TotalCostUSD += cost
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.Invocations++
	s.ByAgent[u.AgentID] += cost
	s.ByState[u.State] += cost
	l.mu.Unlock()

	err := l.store.SaveInvocation(ctx, &store.InvocationRecord{
		ID:           uuid.New().String(),
		RunID:        u.RunID,
		State:        u.State,
		AgentID:      u.AgentID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		DurationMs:   u.DurationMs,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "failed to persist invocation cost",
			"run_id", u.RunID, "agent", u.AgentID, "error", err)
	}
	return cost
}

// Summary returns the aggregated spend for a run. The in-memory totals are
// authoritative for the current process; a run unknown to this process gets
// its summary rebuilt from the store.
func (l *Ledger) Summary(ctx context.Context, runID string) *Summary {
	l.mu.Lock()
	if s, ok := l.totals[runID]; ok {
		out := cloneSummary(s)
		l.mu.Unlock()
		return out
	}
	l.mu.Unlock()

	s := &Summary{
		RunID:   runID,
		ByAgent: make(map[string]float64),
		ByState: make(map[string]float64),
	}
	recs, err := l.store.ListInvocations(ctx, store.InvocationFilter{RunID: runID})
	if err != nil {
		l.logger.WarnContext(ctx, "failed to load invocation history",
			"run_id", runID, "error", err)
		return s
	}
	for _, rec := range recs {
		s.TotalCostUSD += rec.CostUSD
		s.InputTokens += rec.InputTokens
		s.OutputTokens += rec.OutputTokens
		s.Invocations++
		s.ByAgent[rec.AgentID] += rec.CostUSD
		s.ByState[rec.State] += rec.CostUSD
	}
	return s
}

// price computes the USD cost of a usage sample from the agent's per-1K
// token rates. Unknown agents cost nothing but are still tracked.
func (l *Ledger) price(u Usage) float64 {
	agent, ok := l.agents[u.AgentID]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1000 * agent.InputCostPer1K
	out := float64(u.OutputTokens) / 1000 * agent.OutputCostPer1K
	return in + out
}

func cloneSummary(s *Summary) *Summary {
	out := &Summary{
		RunID:        s.RunID,
		TotalCostUSD: s.TotalCostUSD,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		Invocations:  s.Invocations,
		ByAgent:      make(map[string]float64, len(s.ByAgent)),
		ByState:      make(map[string]float64, len(s.ByState)),
	}
	for k, v := range s.ByAgent {
		out.ByAgent[k] = v
	}
	for k, v := range s.ByState {
		out.ByState[k] = v
	}
	return out
}
