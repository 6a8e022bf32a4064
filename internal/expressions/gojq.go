package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/flowstate/flowstate/pkg/schema"
)

// GoJQEngine implements the Engine interface using GoJQ. Transform nodes use
// it for their optional "query" parameter: a jq program reshaping the
// {state, input} document. Sandboxed: no environment variable access.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq query against the provided data as the input document.
// A query yielding one value returns it directly; several values come back
// collected into []any, none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq query")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	results, err := drain(code.RunWithContext(ctx, jqValue(data)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// drain exhausts a gojq iterator, stopping at the first error value.
func drain(iter gojq.Iter) ([]any, error) {
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		out = append(out, v)
	}
}

// getOrCompile returns a cached query, compiling on first sight. Same shape
// as the other engines: compile outside the lock, reset the cache at the cap.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err = gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]*gojq.Code)
	}
	e.cache[expression] = code
	e.mu.Unlock()

	return code, nil
}

// jqValue deep-copies v, widening Go integer types to float64, the only
// number type jq arithmetic expects. Handlers write plain ints into state
// (loop counters), which would otherwise surface as type errors mid-query.
func jqValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, elem := range t {
			m[k] = jqValue(elem)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, elem := range t {
			s[i] = jqValue(elem)
		}
		return s
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
