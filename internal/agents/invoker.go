package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

const (
	defaultInvokeTimeout = 5 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// Invocation is a fully resolved agent command: templates substituted,
// session handle applied, ready to execute.
type Invocation struct {
	AgentID string
	Command string
	Args    []string
	Env     []string // extra KEY=VALUE pairs, appended to the inherited env
	Prompt  string   // the rendered prompt, used for token estimation
	Timeout time.Duration
}

// Result captures everything observable from one agent invocation.
type Result struct {
	Stdout       string
	Parsed       any // parsed JSON if stdout is valid JSON, nil otherwise
	Stderr       string
	ExitCode     int
	DurationMs   int64
	Killed       bool
	InputTokens  int64
	OutputTokens int64
}

// Invoker runs agent invocations.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// ProcessInvoker runs agents as subprocesses, capturing bounded output and
// extracting token usage from the agent's JSON output when present.
type ProcessInvoker struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// NewProcessInvoker creates a ProcessInvoker with default limits.
func NewProcessInvoker() *ProcessInvoker {
	return &ProcessInvoker{
		DefaultTimeout: defaultInvokeTimeout,
		MaxOutputSize:  defaultMaxOutputSize,
	}
}

// Invoke executes the agent command and waits for it to exit. A non-zero
// exit code is returned in the Result, not as an error; only failures to
// start or kill-by-timeout produce an AGENT_INVOCATION error.
func (p *ProcessInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}
	maxOutput := p.MaxOutputSize
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputSize
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, inv.Command, inv.Args...)
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxOutput}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeAgentInvocation,
				"agent %s: %v", inv.AgentID, runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	result := &Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Killed:     killed,
	}

	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			result.Parsed = parsed
		}
	}

	result.InputTokens, result.OutputTokens = extractUsage(result.Parsed, inv.Prompt, result.Stdout)

	if killed {
		return result, schema.NewErrorf(schema.ErrCodeTimeout,
			"agent %s killed after %s", inv.AgentID, timeout)
	}
	return result, nil
}

// extractUsage pulls token counts from the agent's usage block, falling
// back to a rough chars/4 estimate when the agent reports nothing.
func extractUsage(parsed any, prompt, stdout string) (int64, int64) {
	if obj, ok := parsed.(map[string]any); ok {
		if usage, ok := obj["usage"].(map[string]any); ok {
			in := numField(usage, "input_tokens")
			out := numField(usage, "output_tokens")
			if in > 0 || out > 0 {
				return in, out
			}
		}
	}
	return estimateTokens(prompt), estimateTokens(stdout)
}

func numField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// estimateTokens approximates token count as len/4, the usual rule of thumb
// for English text.
func estimateTokens(s string) int64 {
	return int64(len(strings.TrimSpace(s)) / 4)
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Invoker = (*ProcessInvoker)(nil)
