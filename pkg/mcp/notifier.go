package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/fabula-ai/fabula/internal/engine"
)

// MCPNotifier pushes run notifications to connected MCP clients. It
// implements engine.Notifier, so it plugs straight into the event bridge.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify fans the notification out to every connected session. Best-effort:
// a client with no live session is skipped, expired sessions are pruned.
func (n *MCPNotifier) Notify(_ context.Context, note engine.Notification) error {
	payload := map[string]any{
		"run_id": note.RunID,
		"kind":   note.Kind,
	}
	if note.State != "" {
		payload["state"] = note.State
	}
	for k, v := range note.Payload {
		payload[k] = v
	}

	var lastErr error
	for _, sessionID := range n.sessions.SessionIDs() {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			lastErr = err
		}
	}
	return lastErr
}
