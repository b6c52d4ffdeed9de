package engine

import (
	"context"
	"strings"

	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/pkg/schema"
)

// ParameterResolver turns a step's input mapping into the concrete input
// payload sent to the backend. Rules are resolved against the pipeline
// context document; see schema.StepDefinition for the rule grammar.
type ParameterResolver struct {
	jq   *expressions.GoJQEngine
	expr *expressions.ExprEngine
}

func NewParameterResolver(jq *expressions.GoJQEngine, expr *expressions.ExprEngine) *ParameterResolver {
	return &ParameterResolver{jq: jq, expr: expr}
}

// Resolve evaluates every rule in the mapping against the context document.
// A rule that resolves to nil is a hard error: dispatching a step with a
// missing input would only fail later and more expensively at the backend.
func (r *ParameterResolver) Resolve(ctx context.Context, mapping map[string]string, doc map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(mapping))
	for param, rule := range mapping {
		value, err := r.resolveRule(ctx, rule, doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q (%s): %s", param, rule, err.Error()).WithCause(err)
		}
		if value == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q resolved to nothing (rule %q)", param, rule)
		}
		resolved[param] = value
	}
	return resolved, nil
}

func (r *ParameterResolver) resolveRule(ctx context.Context, rule string, doc map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(rule, "literal:"):
		return strings.TrimPrefix(rule, "literal:"), nil
	case strings.HasPrefix(rule, "jq:"):
		return r.jq.Evaluate(ctx, strings.TrimPrefix(rule, "jq:"), doc)
	case strings.HasPrefix(rule, "expr:"):
		return r.expr.Evaluate(ctx, strings.TrimPrefix(rule, "expr:"), doc)
	default:
		return lookupPath(doc, rule), nil
	}
}

// lookupPath walks a dotted path ("steps.0.imageUrl") through nested maps.
// Returns nil when any segment is missing.
func lookupPath(doc map[string]any, path string) any {
	segments := strings.Split(path, ".")
	var current any = doc
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}
