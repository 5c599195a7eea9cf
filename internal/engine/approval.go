package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

const defaultApprovalTimeout = 24 * time.Hour

// Resolution is the outcome of a resolved approval request.
type Resolution struct {
	Decision schema.Decision
	Feedback string
}

// Review describes what a suspended run is waiting on: the state that
// suspended and the content the reviewer is asked to judge.
type Review struct {
	RunID       string         `json:"run_id"`
	State       string         `json:"state"`
	Content     map[string]any `json:"content,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

type decisionMsg struct {
	decision schema.Decision
	feedback string
}

type pendingReview struct {
	ch     chan decisionMsg
	review Review
}

// Gate suspends runs at approval states until a human decision arrives.
// One pending request per run; a submit for a run with nothing pending
// returns false so callers can tell the reviewer their decision was late.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingReview
	logger  *slog.Logger
}

// NewGate creates an approval gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pendingReview),
		logger:  logger,
	}
}

// Request blocks until a decision is submitted for the run, the timeout
// elapses, or ctx is cancelled. The content is held for the duration of the
// suspension so status surfaces can show the reviewer what is pending. A
// timeout returns an APPROVAL_TIMEOUT error; the caller halts the run. Only
// one request per run may be pending.
func (g *Gate) Request(ctx context.Context, runID, state string, content map[string]any, timeout time.Duration) (*Resolution, error) {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}

	ch := make(chan decisionMsg, 1)
	g.mu.Lock()
	if _, exists := g.pending[runID]; exists {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s already has a pending approval", runID)
	}
	g.pending[runID] = &pendingReview{
		ch: ch,
		review: Review{
			RunID:       runID,
			State:       state,
			Content:     content,
			RequestedAt: time.Now().UTC(),
		},
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		g.drop(runID)
		return &Resolution{Decision: msg.decision, Feedback: msg.feedback}, nil
	case <-timer.C:
		g.drop(runID)
		// A submit that won the race already removed the entry and buffered
		// its decision; honor it instead of timing out.
		select {
		case msg := <-ch:
			return &Resolution{Decision: msg.decision, Feedback: msg.feedback}, nil
		default:
		}
		return nil, schema.NewErrorf(schema.ErrCodeApprovalTimeout,
			"approval for run %s state %s not resolved within %s", runID, state, timeout).
			WithState(state)
	case <-ctx.Done():
		g.drop(runID)
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"approval wait cancelled for run %s", runID).WithCause(ctx.Err())
	}
}

// Submit delivers a decision to the run's pending approval. Returns false
// when nothing is pending, which covers late submits after a timeout and
// submits for unknown runs.
func (g *Gate) Submit(runID string, decision schema.Decision, feedback string) bool {
	if !decision.Valid() {
		return false
	}

	g.mu.Lock()
	p, ok := g.pending[runID]
	if ok {
		delete(g.pending, runID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	p.ch <- decisionMsg{decision: decision, feedback: feedback}
	return true
}

// Pending reports whether the run has an unresolved approval request.
func (g *Gate) Pending(runID string) bool {
	_, ok := g.PendingReview(runID)
	return ok
}

// PendingReview returns the run's unresolved review, if any.
func (g *Gate) PendingReview(runID string) (*Review, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[runID]
	if !ok {
		return nil, false
	}
	review := p.review
	return &review, true
}

func (g *Gate) drop(runID string) {
	g.mu.Lock()
	delete(g.pending, runID)
	g.mu.Unlock()
}
