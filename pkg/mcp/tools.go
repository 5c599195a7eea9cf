package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fabula-ai/fabula/internal/diagram"
	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// handleStart launches a workflow run for a story.
func (s *FabulaServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID, err := req.RequireString("story_id")
	if err != nil {
		return mcp.NewToolResultError("story_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, userID)

	input := schema.StoryInput{
		StoryID: storyID,
		UserID:  userID,
		Title:   req.GetString("title", ""),
		Brief:   req.GetString("brief", ""),
		Params:  mcp.ParseStringMap(req, "params", nil),
	}

	runID, startErr := s.coordinator.Start(ctx, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": schema.RunStatusRunning,
	})
}

// handleStatus returns the current state of a run, with cost totals and the
// manifest's visit counts when available.
func (s *FabulaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, resErr := s.resolveRunID(req)
	if resErr != nil {
		return mcp.NewToolResultError(resErr.Error()), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
	}

	result := map[string]any{"run": run}
	if s.ledger != nil {
		result["cost"] = s.ledger.Summary(ctx, runID)
	}
	if review, ok := s.coordinator.PendingReview(runID); ok {
		result["pending_review"] = review
	}
	if manifest, mErr := eventlog.ReadManifest(s.dataDir, runID); mErr == nil {
		result["visits"] = manifest.Visits
		if manifest.LastScore != nil {
			result["last_score"] = *manifest.LastScore
		}
	}

	return marshalResult(result)
}

// handleApprove resolves a pending review on a suspended run.
func (s *FabulaServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisionRaw, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	decision := schema.Decision(decisionRaw)
	if !decision.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid decision: %s", decisionRaw)), nil
	}

	if userID := req.GetString("user_id", ""); userID != "" {
		s.captureSession(ctx, userID)
	}

	runID := req.GetString("run_id", "")
	feedback := req.GetString("feedback", "")

	if !s.coordinator.SubmitApproval(runID, decision, feedback) {
		return mcp.NewToolResultError("no pending review to resolve"), nil
	}

	if runID == "" {
		if activeID, _, _, ok := s.coordinator.Active(); ok {
			runID = activeID
		}
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"run_id":   runID,
		"decision": decision,
	})
}

// handlePause requests a pause at the next state boundary.
func (s *FabulaServer) handlePause(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if err := s.coordinator.Pause(runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleResume wakes a paused run.
func (s *FabulaServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if err := s.coordinator.Resume(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleAbort aborts the active run.
func (s *FabulaServer) handleAbort(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if err := s.coordinator.Abort(runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleRuns lists runs, newest first, with optional filters.
func (s *FabulaServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if storyID, ok := filter["story_id"].(string); ok {
		rf.StoryID = storyID
	}
	if userID, ok := filter["user_id"].(string); ok {
		rf.UserID = userID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleEvents reads a run's event log from the given sequence onward.
func (s *FabulaServer) handleEvents(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	since := int64(extractInt(filter, "since", 0))
	limit := extractInt(filter, "limit", 0)

	events, readErr := eventlog.Read(s.dataDir, runID, since)
	if readErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event log read failed: %v", readErr)), nil
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders the workflow graph, optionally overlaid with a
// run's progress.
func (s *FabulaServer) handleDiagram(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	var manifest *eventlog.Manifest
	if runID := req.GetString("run_id", ""); runID != "" {
		m, mErr := eventlog.ReadManifest(s.dataDir, runID)
		if mErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run manifest not found: %v", mErr)), nil
		}
		manifest = m
	}

	model, buildErr := diagram.Build(s.workflow, manifest)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "dot":
		return mcp.NewToolResultText(diagram.RenderDOT(model)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or dot"), nil
	}
}

// --- Internal helpers ---

// resolveRunID returns the requested run id, falling back to the active run.
func (s *FabulaServer) resolveRunID(req mcp.CallToolRequest) (string, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		return runID, nil
	}
	if runID, _, _, ok := s.coordinator.Active(); ok {
		return runID, nil
	}
	return "", fmt.Errorf("no active run; pass run_id")
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *FabulaServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
