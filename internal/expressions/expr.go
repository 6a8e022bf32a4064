package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Expressions come out of workflow definitions, so the set of distinct
// programs a long-lived process compiles is open-ended. Past this point the
// cache is reset instead of growing further.
const maxCachedPrograms = 1024

// ExprEngine implements the Engine interface using expr-lang/expr. The
// evaluator uses it as the best-effort fallback for inline expressions that
// are neither literals nor plain dotted paths ("state.count + 1",
// "input.items | len"). The environment binds only what the caller passes;
// nothing else is reachable from an expression.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against the provided data. The data map is the
// whole environment; its keys are the only top-level names available.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached program, compiling on first sight. Programs
// are compiled untyped: successive runs see different key sets (state grows
// as steps execute), so binding the compile to one caller's map would make
// the cache wrong for the next caller.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]*vm.Program)
	}
	e.cache[expression] = prg
	e.mu.Unlock()

	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
