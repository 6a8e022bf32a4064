package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"state": map[string]any{"count": 10, "step": 3},
	}

	t.Run("addition", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "state.count + state.step", data)
		require.NoError(t, err)
		assert.Equal(t, 13, out)
	})

	t.Run("comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "state.count > 5", data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestExpr_StringOps(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"input": map[string]any{"output_text": "hello world"},
	}

	out, err := e.Evaluate(context.Background(), `input.output_text contains "world"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"state": map[string]any{},
	}

	out, err := e.Evaluate(context.Background(), `state.missing ?? "fallback"`, data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "nonexistent", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

// --- Errors ---

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "state.count +", map[string]any{"state": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

// --- Cache ---

func TestExpr_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"state": map[string]any{"n": 1}}

	_, err := e.Evaluate(context.Background(), "state.n + 1", data)
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache["state.n + 1"]
	e.mu.RUnlock()
	assert.True(t, cached)
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data := map[string]any{"state": map[string]any{"n": n}}
			out, err := e.Evaluate(context.Background(), "state.n * 2", data)
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
}
