package authz

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// Guard classifies authorization checks with CEL expressions over the
// variables user, relation, and object. Deployments use it to widen or
// narrow the built-in write-relation set and to force fail-closed handling
// for sensitive checks without a redeploy.
//
// Expressions are compiled once at construction, so malformed guard
// configuration fails at startup. Evaluation errors fail safe: the check is
// treated as write-classified or strict.
type Guard struct {
	writeProgram  cel.Program
	strictProgram cel.Program
	logger        *slog.Logger
}

// NewGuard compiles the optional expressions. Either may be empty, which
// leaves that classification to the engine's defaults.
func NewGuard(writeClassifiedExpr, forceStrictExpr string, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{logger: logger.With("component", "authz_guard")}

	env, err := cel.NewEnv(
		cel.Variable("user", cel.StringType),
		cel.Variable("relation", cel.StringType),
		cel.Variable("object", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("authz: create guard environment: %w", err)
	}

	compile := func(expr string) (cel.Program, error) {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
		}
		return env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
	}

	if writeClassifiedExpr != "" {
		if g.writeProgram, err = compile(writeClassifiedExpr); err != nil {
			return nil, fmt.Errorf("authz: write_classified guard: %w", err)
		}
	}
	if forceStrictExpr != "" {
		if g.strictProgram, err = compile(forceStrictExpr); err != nil {
			return nil, fmt.Errorf("authz: force_strict guard: %w", err)
		}
	}
	return g, nil
}

// HasWriteRule reports whether a write-classification expression was set.
func (g *Guard) HasWriteRule() bool {
	return g != nil && g.writeProgram != nil
}

// WriteClassified evaluates the write-classification expression.
func (g *Guard) WriteClassified(user, relation, object string) bool {
	return g.eval(g.writeProgram, user, relation, object)
}

// ForceStrict reports whether a fallback for this check must deny even when
// the engine is otherwise permissive.
func (g *Guard) ForceStrict(user, relation, object string) bool {
	if g == nil || g.strictProgram == nil {
		return false
	}
	return g.eval(g.strictProgram, user, relation, object)
}

func (g *Guard) eval(prg cel.Program, user, relation, object string) bool {
	out, _, err := prg.Eval(map[string]any{
		"user":     user,
		"relation": relation,
		"object":   object,
	})
	if err != nil {
		g.logger.Warn("guard evaluation failed, treating as sensitive", "error", err)
		return true
	}
	val, ok := out.Value().(bool)
	if !ok {
		g.logger.Warn("guard expression did not yield a bool, treating as sensitive")
		return true
	}
	return val
}
