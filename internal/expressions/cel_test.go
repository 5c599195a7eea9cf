package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

func TestCELEngineName(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCELEvaluateScoreRule(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "score >= 8.0 && visits < 5", map[string]any{
		"score":  8.5,
		"visits": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEvaluateDefaultsForMissingKeys(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No data at all: every declared variable gets its zero value.
	out, err := e.Evaluate(context.Background(), `score == 0.0 && decision == ""`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEvaluateMapAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"outputs": map[string]any{
			"critic": map[string]any{"verdict": "pass"},
		},
	}

	out, err := e.Evaluate(context.Background(), `outputs["critic"]["verdict"] == "pass"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	matched, err := e.EvaluateBool(ctx, "score >= 8.0", map[string]any{"score": 8.5})
	require.NoError(t, err)
	assert.True(t, matched)

	// A rule producing a non-boolean is rejected.
	_, err = e.EvaluateBool(ctx, "score + 1.0", map[string]any{"score": 8.5})
	require.Error(t, err)

	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeValidation, fErr.Code)
}

func TestCELCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "score >=", map[string]any{"score": 1.0})
	assert.Error(t, err)
}

func TestCELUndeclaredVariableIsCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "unknown_var > 1", nil)
	assert.Error(t, err)
}
