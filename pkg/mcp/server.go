package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fabula-ai/fabula/internal/costs"
	"github.com/fabula-ai/fabula/internal/engine"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// RunCoordinator is the engine surface the MCP tools drive. Satisfied by
// *engine.Coordinator.
type RunCoordinator interface {
	Start(ctx context.Context, input schema.StoryInput) (string, error)
	SubmitApproval(runID string, decision schema.Decision, feedback string) bool
	Pause(runID string) error
	Resume(ctx context.Context, runID string) error
	Abort(runID string) error
	Active() (runID string, status schema.RunStatus, state string, ok bool)
	PendingReview(runID string) (*engine.Review, bool)
}

// FabulaServerDeps holds the dependencies for creating a FabulaServer.
type FabulaServerDeps struct {
	Coordinator RunCoordinator
	Store       store.Store
	Ledger      *costs.Ledger
	Workflow    *schema.WorkflowConfig
	DataDir     string
	Logger      *slog.Logger
}

// FabulaServer wraps an MCP server with fabula-specific tool handlers.
type FabulaServer struct {
	coordinator RunCoordinator
	store       store.Store
	ledger      *costs.Ledger
	workflow    *schema.WorkflowConfig
	dataDir     string
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewFabulaServer creates a new FabulaServer with all 9 tools registered.
func NewFabulaServer(deps FabulaServerDeps) *FabulaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FabulaServer{
		coordinator: deps.Coordinator,
		store:       deps.Store,
		ledger:      deps.Ledger,
		workflow:    deps.Workflow,
		dataDir:     deps.DataDir,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"fabula",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Fabula orchestrates multi-agent content generation runs. Use fabula.start to launch a story run, fabula.status to check progress, fabula.approve to resolve a pending review, fabula.pause/resume/abort for run control, fabula.runs and fabula.events to inspect history, and fabula.diagram to visualize the workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FabulaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FabulaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user→session registry, shared with the notifier.
func (s *FabulaServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 9 registered MCP tools as ServerTool entries.
func (s *FabulaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("fabula.start",
		mcp.WithDescription("Start a workflow run for a story. Only one run may be active at a time"),
		mcp.WithString("story_id", mcp.Required(), mcp.Description("ID of the story to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user launching the run")),
		mcp.WithString("title", mcp.Description("Story title")),
		mcp.WithString("brief", mcp.Description("Input brief the first draft works from")),
		mcp.WithObject("params", mcp.Description("Extra input parameters for the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("fabula.status",
		mcp.WithDescription("Get the status of a run, including cost summary and state visit counts"),
		mcp.WithString("run_id", mcp.Description("Run ID (default: the active run)")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("fabula.approve",
		mcp.WithDescription("Resolve a pending review. A feedback decision loops the story back with the reviewer's notes"),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approved", "feedback", "abort"),
			mcp.Description("Reviewer decision"),
		),
		mcp.WithString("feedback", mcp.Description("Reviewer notes, carried into the next draft on a feedback decision")),
		mcp.WithString("run_id", mcp.Description("Run ID (default: the active run)")),
		mcp.WithString("user_id", mcp.Description("ID of the deciding user")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("fabula.pause",
		mcp.WithDescription("Pause the active run at the next state boundary"),
		mcp.WithString("run_id", mcp.Description("Run ID (default: the active run)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("fabula.resume",
		mcp.WithDescription("Resume a paused run"),
		mcp.WithString("run_id", mcp.Description("Run ID (default: the active run)")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("fabula.abort",
		mcp.WithDescription("Abort the active run"),
		mcp.WithString("run_id", mcp.Description("Run ID (default: the active run)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("fabula.runs",
		mcp.WithDescription("List workflow runs, newest first"),
		mcp.WithObject("filter", mcp.Description("Optional filter: status, story_id, user_id, since (RFC3339), limit")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("fabula.events",
		mcp.WithDescription("Read a run's event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID to read events for")),
		mcp.WithObject("filter", mcp.Description("Optional filter: since (sequence number), limit")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("fabula.diagram",
		mcp.WithDescription("Render the workflow graph as ASCII art, Mermaid flowchart syntax, or Graphviz DOT"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "dot"),
			mcp.Description("Output format"),
		),
		mcp.WithString("run_id", mcp.Description("Overlay a run's progress (current state, visit counts) on the graph")),
	)
}
