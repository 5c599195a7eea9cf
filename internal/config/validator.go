package config

import "github.com/fabula-ai/fabula/pkg/schema"

// Validator checks project configs for correctness before any run starts.
type Validator interface {
	ValidateProject(cfg *schema.ProjectConfig) error
}

// ProjectValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (state-type rules, agent refs, transition targets)
// 3. Graph (reachability from entry, terminal reachability)
type ProjectValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewProjectValidator creates a ProjectValidator.
func NewProjectValidator() (*ProjectValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProjectValidator{jsonSchema: jsv}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (pv *ProjectValidator) Validate(cfg *schema.ProjectConfig) *schema.ValidationResult {
	if cfg == nil || cfg.Workflow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeConfig, "project config is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(pv.jsonSchema, cfg)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(cfg))

	// Stage 3: Graph (skip if semantic errors: refs may be dangling).
	if result.Valid() {
		result.Merge(validateGraph(cfg))
	}

	return result
}

// ValidateProject satisfies the Validator interface.
func (pv *ProjectValidator) ValidateProject(cfg *schema.ProjectConfig) error {
	return pv.Validate(cfg).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateProject, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, cfg *schema.ProjectConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateProject(cfg)
	if err == nil {
		return result
	}

	fErr, ok := err.(*schema.FabulaError)
	if !ok {
		result.AddError("/", schema.ErrCodeConfig, err.Error())
		return result
	}

	if fErr.Details != nil {
		if violations, ok := fErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeConfig, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeConfig, fErr.Message)
	return result
}
