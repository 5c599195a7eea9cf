package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/fabula-ai/fabula/internal/costs"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/internal/streaming"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// RunController is the engine surface the panel drives. Satisfied by
// *engine.Coordinator.
type RunController interface {
	SubmitApproval(runID string, decision schema.Decision, feedback string) bool
	Pause(runID string) error
	Resume(ctx context.Context, runID string) error
	Abort(runID string) error
	Active() (runID string, status schema.RunStatus, state string, ok bool)
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store      store.Store
	Controller RunController
	Hub        streaming.EventHub
	Ledger     *costs.Ledger
	Workflow   *schema.WorkflowConfig
	DataDir    string
	Logger     *slog.Logger
}

// PanelServer serves the operator API: run inspection, approval decisions,
// run control, and live event streams over SSE.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read API.
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/diagram", s.handleDiagram)

	// Run control.
	mux.HandleFunc("POST /api/runs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/runs/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/runs/{id}/abort", s.handleAbort)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
