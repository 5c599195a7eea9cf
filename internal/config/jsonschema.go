package config

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// projectSchemaJSON is the JSON Schema for ProjectConfig validation.
// Embedded as a constant to avoid filesystem dependencies.
const projectSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fabula.dev/schemas/project.json",
  "type": "object",
  "required": ["workflow", "agents"],
  "properties": {
    "workflow": { "$ref": "#/$defs/workflow" },
    "agents": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/agent" }
    },
    "schedules": {
      "type": "array",
      "items": { "$ref": "#/$defs/schedule" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "workflow": {
      "type": "object",
      "required": ["states"],
      "properties": {
        "name": { "type": "string" },
        "entry_state": { "type": "string", "minLength": 1 },
        "states": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": { "$ref": "#/$defs/state" }
        },
        "breaker": { "$ref": "#/$defs/breaker" },
        "metadata": { "type": "object" }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["fanout", "audit", "decision", "approval", "terminal"]
        },
        "agents": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "required": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "prompt": { "type": "string" },
        "score_query": { "type": "string" },
        "transitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["to"],
      "properties": {
        "when": { "type": "string" },
        "engine": {
          "type": "string",
          "enum": ["expr", "cel"]
        },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "breaker": {
      "type": "object",
      "properties": {
        "max_visits": { "type": "integer", "minimum": 0 },
        "auto_skip_threshold": { "type": "number", "minimum": 0 },
        "auto_skip_target": { "type": "string" }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["name", "cron", "story"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "cron": { "type": "string", "minLength": 1 },
        "story": {
          "type": "object",
          "required": ["story_id"],
          "properties": {
            "story_id": { "type": "string", "minLength": 1 },
            "user_id": { "type": "string" },
            "title": { "type": "string" },
            "brief": { "type": "string" },
            "params": { "type": "object" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "agent": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "id": { "type": "string" },
        "command": { "type": "string", "minLength": 1 },
        "args": {
          "type": "array",
          "items": { "type": "string" }
        },
        "resume_args": {
          "type": "array",
          "items": { "type": "string" }
        },
        "persona": { "type": "string" },
        "session_pattern": { "type": "string" },
        "input_cost_per_1k": { "type": "number", "minimum": 0 },
        "output_cost_per_1k": { "type": "number", "minimum": 0 },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retry": { "$ref": "#/$defs/retry" },
        "env": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates project configs against the embedded JSON
// Schema (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	projectSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the project schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(projectSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal project schema: %w", err)
	}
	if err := c.AddResource("https://fabula.dev/schemas/project.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add project schema resource: %w", err)
	}

	compiled, err := c.Compile("https://fabula.dev/schemas/project.json")
	if err != nil {
		return nil, fmt.Errorf("compile project schema: %w", err)
	}

	return &JSONSchemaValidator{projectSchema: compiled}, nil
}

// ValidateProject validates a ProjectConfig against the project JSON Schema.
func (v *JSONSchemaValidator) ValidateProject(cfg *schema.ProjectConfig) error {
	if cfg == nil {
		return schema.NewError(schema.ErrCodeConfig, "project config is nil")
	}

	doc, err := toJSONValue(cfg)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "failed to serialize project config").WithCause(err)
	}

	if err := v.projectSchema.Validate(doc); err != nil {
		return toFabulaError(err)
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFabulaError converts a jsonschema.ValidationError into a FabulaError
// with clear, actionable messages.
func toFabulaError(err error) *schema.FabulaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeConfig, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeConfig, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeConfig, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("config validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeConfig, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
