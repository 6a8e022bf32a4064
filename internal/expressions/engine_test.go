package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// One smoke row per engine: the name the evaluator dispatches on and a
// characteristic expression for that engine's language.
func TestEngineRoster(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)

	roster := []struct {
		engine Engine
		name   string
		expr   string
		data   map[string]any
		want   any
	}{
		{NewExprEngine(), "expr", "n * 2", map[string]any{"n": 21}, 42},
		{cel, "cel", "state.done == false", map[string]any{"state": map[string]any{"done": false}}, true},
		{NewGoJQEngine(), "jq", ".items | length", map[string]any{"items": []any{"a", "b"}}, 2},
	}

	for _, tc := range roster {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.engine.Name())

			out, err := tc.engine.Evaluate(context.Background(), tc.expr, tc.data)
			require.NoError(t, err)
			assert.EqualValues(t, tc.want, out)
		})
	}
}
