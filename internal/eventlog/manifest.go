package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Manifest is the per-run snapshot written next to the event log. It is a
// convenience view for tooling; the event log remains the authoritative
// record.
type Manifest struct {
	RunID        string           `json:"run_id"`
	StoryID      string           `json:"story_id"`
	UserID       string           `json:"user_id,omitempty"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	CurrentState string           `json:"current_state,omitempty"`
	Visits       map[string]int   `json:"visits,omitempty"`
	LastScore    *float64         `json:"last_score,omitempty"`
	Cost         *CostSummary     `json:"cost,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// CostSummary is the run's accumulated spend at the time the manifest was
// written.
type CostSummary struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Invocations  int     `json:"invocations"`
}

// WriteManifest atomically replaces the manifest for a run: the JSON is
// written to a temp file in the same directory and renamed into place, so
// readers never see a partial manifest.
func WriteManifest(dir string, m *Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal manifest").WithCause(err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, m.RunID+".manifest.json")
	tmp, err := os.CreateTemp(dir, m.RunID+".manifest.*.tmp")
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create manifest temp file").WithCause(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return schema.NewError(schema.ErrCodeStore, "write manifest").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return schema.NewError(schema.ErrCodeStore, "sync manifest").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return schema.NewError(schema.ErrCodeStore, "close manifest temp file").WithCause(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return schema.NewError(schema.ErrCodeStore, "rename manifest into place").WithCause(err)
	}
	return nil
}

// ReadManifest loads a run's manifest. Returns NOT_FOUND if none exists.
func ReadManifest(dir, runID string) (*Manifest, error) {
	path := filepath.Join(dir, runID+".manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "manifest for run %q not found", runID)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "parse manifest").WithCause(err)
	}
	return &m, nil
}
