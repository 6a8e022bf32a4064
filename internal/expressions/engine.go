package expressions

import "context"

// Engine evaluates expressions against run-time data.
// Three implementations: Expr (inline expression fallback), CEL (loop
// conditions), GoJQ (transform queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
