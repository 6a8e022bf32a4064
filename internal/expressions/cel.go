package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowstate/flowstate/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language. The while handler evaluates its loop condition through it; the
// environment binds exactly the two names the condition may see.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL engine with a sandboxed environment exposing
// two top-level variables:
//   - state:   map(string, dyn) — the run's durable state
//   - globals: map(string, dyn) — read-only run parameters
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("state", mapType),
		cel.Variable("globals", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs a CEL expression against the provided data. The data map
// should carry the "state" and "globals" keys; missing ones default to empty
// maps. Evaluation stops early when ctx is cancelled.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	// Defaults for missing keys avoid CEL runtime nil-ref errors.
	activation := buildActivation(data)

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached program, compiling on first sight. Compilation
// happens outside the lock; two racing callers may both compile the same
// expression and the second insert simply wins.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	compiled, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to empty maps.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 2)

	for _, key := range []string{"state", "globals"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

var _ Engine = (*CELEngine)(nil)
