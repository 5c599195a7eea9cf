package agents

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// Extractor pulls a resumable session handle out of an agent's raw output.
type Extractor interface {
	Extract(output string) (string, bool)
}

// RegexExtractor extracts the first capture group of a pattern.
type RegexExtractor struct {
	re *regexp.Regexp
}

// NewRegexExtractor compiles a session pattern. The pattern must contain at
// least one capture group; the first group is the handle.
func NewRegexExtractor(pattern string) (*RegexExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"invalid session pattern %q: %s", pattern, err.Error()).WithCause(err)
	}
	if re.NumSubexp() < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"session pattern %q has no capture group", pattern)
	}
	return &RegexExtractor{re: re}, nil
}

// Extract returns the first capture group of the first match.
func (x *RegexExtractor) Extract(output string) (string, bool) {
	m := x.re.FindStringSubmatch(output)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// SessionRegistry tracks resumable agent sessions per (run, agent) pair.
// Handles are extracted from agent output via per-agent patterns and
// persisted through the store; persistence failures are warn-only because a
// lost session only costs a cold start on the next invocation.
type SessionRegistry struct {
	store      store.Store
	logger     *slog.Logger
	extractors map[string]Extractor
}

// NewSessionRegistry builds a registry with extractors compiled from each
// agent's session pattern. Agents without a pattern never capture sessions.
func NewSessionRegistry(s store.Store, agents map[string]*schema.AgentConfig, logger *slog.Logger) (*SessionRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	extractors := make(map[string]Extractor, len(agents))
	for id, agent := range agents {
		if agent.SessionPattern == "" {
			continue
		}
		x, err := NewRegexExtractor(agent.SessionPattern)
		if err != nil {
			return nil, err
		}
		extractors[id] = x
	}
	return &SessionRegistry{store: s, logger: logger, extractors: extractors}, nil
}

// Load returns the stored session handle for a (run, agent) pair, if any.
func (r *SessionRegistry) Load(ctx context.Context, runID, agentID string) (string, bool) {
	sess, err := r.store.GetSession(ctx, runID, agentID)
	if err != nil {
		return "", false
	}
	return sess.Handle, true
}

// Capture extracts a session handle from agent output and persists it.
// Returns the handle and whether one was found. Store failures are logged
// and swallowed.
func (r *SessionRegistry) Capture(ctx context.Context, runID, agentID, output string) (string, bool) {
	x, ok := r.extractors[agentID]
	if !ok {
		return "", false
	}
	handle, ok := x.Extract(output)
	if !ok {
		return "", false
	}

	err := r.store.SaveSession(ctx, &store.Session{
		RunID:      runID,
		AgentID:    agentID,
		Handle:     handle,
		CapturedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to persist agent session",
			"run_id", runID, "agent", agentID, "error", err)
	}
	return handle, true
}

// Clear drops all session handles for a run. Called when a run reaches a
// terminal status; stale handles must not leak into the next run.
func (r *SessionRegistry) Clear(ctx context.Context, runID string) {
	if err := r.store.DeleteSessions(ctx, runID); err != nil {
		r.logger.WarnContext(ctx, "failed to clear agent sessions",
			"run_id", runID, "error", err)
	}
}

// BuildInvocation resolves an agent's command template into an executable
// Invocation. When a session handle exists for this (run, agent) pair and
// the agent declares resume args, the resume template is used; otherwise
// the fresh-invocation template.
func (r *SessionRegistry) BuildInvocation(ctx context.Context, agent *schema.AgentConfig, runID, prompt string) Invocation {
	argsTemplate := agent.Args
	session := ""
	if len(agent.ResumeArgs) > 0 {
		if handle, ok := r.Load(ctx, runID, agent.ID); ok {
			argsTemplate = agent.ResumeArgs
			session = handle
		}
	}

	args := make([]string, len(argsTemplate))
	for i, a := range argsTemplate {
		a = strings.ReplaceAll(a, "{{prompt}}", prompt)
		a = strings.ReplaceAll(a, "{{persona}}", agent.Persona)
		a = strings.ReplaceAll(a, "{{session}}", session)
		args[i] = a
	}

	var timeout time.Duration
	if agent.Timeout != "" {
		if d, err := time.ParseDuration(agent.Timeout); err == nil {
			timeout = d
		}
	}

	return Invocation{
		AgentID: agent.ID,
		Command: agent.Command,
		Args:    args,
		Env:     agent.Env,
		Prompt:  prompt,
		Timeout: timeout,
	}
}
