package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngineName(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExprEvaluateComparison(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "score >= 8.0", map[string]any{"score": 9.2})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, "score >= 8.0", map[string]any{"score": 4.5})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEvaluateVisitsAndDecision(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"visits":   3,
		"decision": "feedback",
		"feedback": "tighten act two",
	}

	out, err := e.Evaluate(ctx, `visits < 5 && decision == "feedback"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEvaluateUndefinedVariable(t *testing.T) {
	e := NewExprEngine()

	// AllowUndefinedVariables means missing keys resolve to nil, not a
	// compile error.
	out, err := e.Evaluate(context.Background(), "score == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEvaluateEmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExprCompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "score >=", map[string]any{"score": 1.0})
	assert.Error(t, err)
}

func TestExprEvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	matched, err := e.EvaluateBool(ctx, "score >= 8.0", map[string]any{"score": 9.2})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = e.EvaluateBool(ctx, "score >= 8.0", map[string]any{"score": 4.5})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestExprEvaluateBoolRejectsNonBoolean(t *testing.T) {
	e := NewExprEngine()

	// A rule that computes a number instead of a condition is a config
	// error, not a silent non-match.
	_, err := e.EvaluateBool(context.Background(), "score + 1.0", map[string]any{"score": 2.0})
	assert.Error(t, err)
}

func TestExprCompiledProgramCached(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "score > 1.0", map[string]any{"score": 2.0})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.programs["score > 1.0"]
	e.mu.RUnlock()
	assert.True(t, cached)

	// Second evaluation with different data reuses the cached program.
	out, err := e.Evaluate(ctx, "score > 1.0", map[string]any{"score": 0.5})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprBoolRulesCachedSeparately(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "score >= 8.0", map[string]any{"score": 9.0})
	require.NoError(t, err)
	_, err = e.EvaluateBool(ctx, "score >= 8.0", map[string]any{"score": 9.0})
	require.NoError(t, err)

	e.mu.RLock()
	_, asValue := e.programs["score >= 8.0"]
	_, asRule := e.boolRules["score >= 8.0"]
	e.mu.RUnlock()
	assert.True(t, asValue)
	assert.True(t, asRule)
}
