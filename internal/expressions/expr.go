package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// ExprEngine is the default dialect for transition-rule conditions
// (e.g. "score >= 8.0"). Rules are compiled once and cached; boolean
// rules are compiled with a bool result type so "score + 1" in a
// transition condition fails loudly instead of silently matching
// nothing.
// Thread-safe: compiled *vm.Program objects are reused across goroutines.
type ExprEngine struct {
	mu        sync.RWMutex
	programs  map[string]*vm.Program
	boolRules map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		programs:  make(map[string]*vm.Program),
		boolRules: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates
// it against the provided data. The data map is injected as the expression
// environment, making all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.run(expression, data, false)
}

// EvaluateBool evaluates a transition-rule condition. The expression is
// compiled expecting a boolean result.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.run(expression, data, true)
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"expr rule %q did not produce a boolean", expression)
	}
	return matched, nil
}

func (e *ExprEngine) run(expression string, data map[string]any, asBool bool) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, data, asBool)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. Bool rules live in their own cache: the same expression text may be
// used both as a rule and as a value expression.
func (e *ExprEngine) getOrCompile(expression string, data map[string]any, asBool bool) (*vm.Program, error) {
	cache := e.programs
	if asBool {
		cache = e.boolRules
	}

	e.mu.RLock()
	if prg, ok := cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := cache[expression]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	opts := []expr.Option{
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}

	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
