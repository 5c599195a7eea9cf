package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Load reads a project config from a JSON file, applies defaults, and runs
// the full validation pipeline. Any failure is a CONFIG_ERROR.
func Load(path string) (*schema.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"read project config %s: %s", path, err.Error()).WithCause(err)
	}
	return Parse(data)
}

// Parse decodes and validates a project config from raw JSON bytes.
func Parse(data []byte) (*schema.ProjectConfig, error) {
	var cfg schema.ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parse project config: %s", err.Error()).WithCause(err)
	}

	applyDefaults(&cfg)

	validator, err := NewProjectValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if err := validator.ValidateProject(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults backfills map-keyed names and the entry state.
func applyDefaults(cfg *schema.ProjectConfig) {
	if cfg.Workflow == nil {
		return
	}
	if cfg.Workflow.EntryState == "" {
		cfg.Workflow.EntryState = "start"
	}
	for name, st := range cfg.Workflow.States {
		if st != nil && st.Name == "" {
			st.Name = name
		}
	}
	for id, agent := range cfg.Agents {
		if agent != nil && agent.ID == "" {
			agent.ID = id
		}
	}
}
