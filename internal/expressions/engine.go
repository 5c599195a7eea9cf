package expressions

import "context"

// Engine evaluates expressions over run data.
// Three implementations: Expr (transition rules, default), CEL (transition
// rules, opt-in per rule), GoJQ (field extraction from agent JSON output).
//
// EvaluateBool is the contract transition rules actually need: a rule
// either matches or it does not, and a rule that cannot produce a bool
// is a config error, not a silent non-match.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}
