// Package expressions hosts the expression engines used around step dispatch:
// CEL for guard predicates, Expr for parameter interpolation, and GoJQ for
// declared-output extraction. All engines cache compiled programs and are safe
// for concurrent use.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
