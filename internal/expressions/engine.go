package expressions

import "context"

// Engine evaluates expressions over pipeline data.
// Three implementations: GoJQ (output extraction and mapping), Expr (computed
// input values), CEL (notification filter predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
