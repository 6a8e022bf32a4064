package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

// conditionWorkflow routes begin → check → yes/no ends depending on the
// given parameters.
func conditionWorkflow(params map[string]any, edges ...schema.Transition) *schema.Workflow {
	return &schema.Workflow{
		Slug: "router",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("check", schema.KindCondition, params),
			step("yes", schema.KindEnd, nil),
			step("no", schema.KindEnd, nil),
		},
		Transitions: append([]schema.Transition{edge(1, "begin", "check")}, edges...),
	}
}

func runToEnd(t *testing.T, wf *schema.Workflow, state map[string]any) *ExecutionContext {
	t.Helper()
	m := testMachine(t)
	ec, err := NewExecutionContext(wf, state, &RuntimeVars{})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.True(t, ec.IsFinished)
	return ec
}

func TestConditionTruthyMode(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.ready", "mode": "truthy"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "false"),
	)

	ec := runToEnd(t, wf, map[string]any{"ready": true})
	assert.Equal(t, "yes", ec.FinalNodeSlug)

	ec = runToEnd(t, wf, map[string]any{"ready": 0})
	assert.Equal(t, "no", ec.FinalNodeSlug)

	// Missing path resolves to nil, which is falsy.
	ec = runToEnd(t, wf, nil)
	assert.Equal(t, "no", ec.FinalNodeSlug)
}

func TestConditionFalsyMode(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.blocked", "mode": "falsy"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "false"),
	)

	ec := runToEnd(t, wf, nil)
	assert.Equal(t, "yes", ec.FinalNodeSlug, "absent value is falsy, so the falsy label is true")

	ec = runToEnd(t, wf, map[string]any{"blocked": "yep"})
	assert.Equal(t, "no", ec.FinalNodeSlug)
}

func TestConditionEqualsMode(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.tier", "mode": "equals", "value": "Gold"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "default"),
	)

	// Comparison is case-insensitive over stringified forms.
	ec := runToEnd(t, wf, map[string]any{"tier": "gold"})
	assert.Equal(t, "yes", ec.FinalNodeSlug)

	ec = runToEnd(t, wf, map[string]any{"tier": "silver"})
	assert.Equal(t, "no", ec.FinalNodeSlug)
}

func TestConditionEqualsTemplateValue(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.answer", "mode": "equals", "value": "{{state.expected}}"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "default"),
	)

	ec := runToEnd(t, wf, map[string]any{"answer": 42, "expected": 42})
	assert.Equal(t, "yes", ec.FinalNodeSlug)
}

func TestConditionNotEqualsMode(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.env", "mode": "not_equals", "value": "prod"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "default"),
	)

	ec := runToEnd(t, wf, map[string]any{"env": "staging"})
	assert.Equal(t, "yes", ec.FinalNodeSlug)

	ec = runToEnd(t, wf, map[string]any{"env": "prod"})
	assert.Equal(t, "no", ec.FinalNodeSlug)
}

func TestConditionValueMode(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.priority", "mode": "value"},
		labeledEdge(2, "check", "yes", "urgent"),
		labeledEdge(3, "check", "no", "default"),
	)

	ec := runToEnd(t, wf, map[string]any{"priority": "URGENT"})
	assert.Equal(t, "yes", ec.FinalNodeSlug, "labels match case-insensitively")

	ec = runToEnd(t, wf, map[string]any{"priority": "low"})
	assert.Equal(t, "no", ec.FinalNodeSlug, "unmatched labels fall back to the default edge")
}

func TestConditionEqualsRequiresValue(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.x", "mode": "equals"},
		labeledEdge(2, "check", "yes", "true"),
		labeledEdge(3, "check", "no", "default"),
	)

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestConditionUnknownModeFails(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.x", "mode": "maybe"},
		labeledEdge(2, "check", "yes", "true"),
	)

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestConditionNoMatchingEdgeFails(t *testing.T) {
	wf := conditionWorkflow(
		map[string]any{"path": "state.priority", "mode": "value"},
		labeledEdge(2, "check", "yes", "urgent"),
	)

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"priority": "low"}, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	fe, _ := schema.AsFlowError(err)
	assert.Equal(t, "check", fe.StepSlug)
}

// --- while ---

// loopWorkflow wires begin → gate(while) with a single assign in the body
// that increments state.n, and an exit to done.
func loopWorkflow(gateParams map[string]any) *schema.Workflow {
	return &schema.Workflow{
		Slug: "looper",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("gate", schema.KindWhile, gateParams),
			bodyStep("bump", schema.KindAssign, "gate", map[string]any{
				"assignments": []any{
					map[string]any{"target": "state.n", "expression": "{{state.n + 1}}"},
				},
			}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "gate"),
			edge(2, "gate", "bump"),
			edge(3, "gate", "done"),
			edge(4, "bump", "gate"),
		},
	}
}

func TestWhileConstantFalseNeverRunsBody(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "false"})

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)

	require.NoError(t, m.Execute(context.Background(), ec))

	assert.True(t, ec.IsFinished)
	assert.Equal(t, "done", ec.FinalNodeSlug)
	assert.Equal(t, 0, ec.State["n"])
	assert.NotContains(t, stepKeys(ec.Steps), "bump")

	// Loop bookkeeping is cleaned up on exit.
	bag := ec.StateBag()
	assert.Empty(t, bag)
}

// A waitless body runs exactly one iteration per delivered input: re-entry
// with the same input item suspends instead of spinning.
func TestWhileOneIterationPerInput(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "state.n < 3"})

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)

	require.NoError(t, m.Execute(context.Background(), ec))

	assert.False(t, ec.IsFinished)
	end := ec.Runtime.FinalEndState
	require.NotNil(t, end)
	assert.True(t, end.Waiting())
	assert.Equal(t, "gate", end.NodeSlug)
	assert.Equal(t, 1, ec.State["n"])
}

func TestWhileRedeliveryDoesNotIterate(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "state.n < 3"})
	m := testMachine(t)

	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.Equal(t, 1, ec.State["n"])

	// Same input item delivered again: the loop suspends without running
	// the body a second time.
	snap := ec.Snapshot("gate", "")
	restored, err := RestoredExecutionContext(wf, snap, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), restored))

	assert.False(t, restored.IsFinished)
	assert.Equal(t, 1, restored.State["n"])
	assert.Empty(t, restored.Steps)
	assert.Equal(t, "loop awaiting new input", restored.Runtime.FinalEndState.Reason)
}

func TestWhileIteratesOnNewInputUntilExit(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "state.n < 3", "iteration_var": "i"})
	m := testMachine(t)

	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.Equal(t, 1, ec.State["n"])
	assert.Equal(t, 1, ec.State["i"])

	// Each fresh input advances the loop one iteration.
	for i, input := range []string{"m-2", "m-3"} {
		snap := ec.Snapshot("gate", "")
		ec, err = RestoredExecutionContext(wf, snap, &RuntimeVars{InputItemID: input})
		require.NoError(t, err)
		require.NoError(t, m.Execute(context.Background(), ec))
		require.Equal(t, i+2, ec.State["n"])
	}
	assert.False(t, ec.IsFinished)
	assert.Equal(t, 3, ec.State["n"])

	// n has reached 3; the next input evaluates the condition false and
	// exits through the loop's outer edge.
	snap := ec.Snapshot("gate", "")
	ec, err = RestoredExecutionContext(wf, snap, &RuntimeVars{InputItemID: "m-4"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.True(t, ec.IsFinished)
	assert.Equal(t, "done", ec.FinalNodeSlug)
	assert.Equal(t, 3, ec.State["n"])
	assert.Empty(t, ec.StateBag(), "loop bookkeeping is dropped on exit")
}

func TestWhileIterationCapExitsWithoutBody(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "true", "max_iterations": 1})

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)

	require.NoError(t, m.Execute(context.Background(), ec))

	assert.True(t, ec.IsFinished)
	assert.Equal(t, "done", ec.FinalNodeSlug)
	assert.Equal(t, 0, ec.State["n"], "cap of one leaves no room for an iteration")
}

func TestWhileGlobalsVisibleToCondition(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "globals.enabled == true && state.n < 1"})

	m := testMachine(t)
	rv := &RuntimeVars{InputItemID: "m-1", Globals: map[string]any{"enabled": false}}
	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, rv)
	require.NoError(t, err)

	require.NoError(t, m.Execute(context.Background(), ec))

	assert.True(t, ec.IsFinished, "disabled globals short-circuit the loop")
	assert.Equal(t, 0, ec.State["n"])
}

func TestWhileBadConditionFails(t *testing.T) {
	wf := loopWorkflow(map[string]any{"condition": "state.n <"})

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"n": 0}, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestWhileWithoutBodyEdgeFails(t *testing.T) {
	wf := &schema.Workflow{
		Slug: "bodyless",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("gate", schema.KindWhile, map[string]any{"condition": "true"}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "gate"),
			edge(2, "gate", "done"),
		},
	}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{InputItemID: "m-1"})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}
