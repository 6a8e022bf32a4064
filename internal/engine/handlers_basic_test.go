package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

// straightLine builds begin → <middle> → done with the given middle step.
func straightLine(middle schema.Step) *schema.Workflow {
	return &schema.Workflow{
		Slug: "line",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			middle,
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", middle.Slug),
			edge(2, middle.Slug, "done"),
		},
	}
}

func TestAssignNestedTargets(t *testing.T) {
	wf := straightLine(step("fill", schema.KindAssign, map[string]any{
		"assignments": []any{
			map[string]any{"target": "state.ticket.meta.source", "expression": "\"chat\""},
			map[string]any{"target": "state.ticket.priority", "expression": "\"high\""},
			map[string]any{"target": "state.count", "expression": "3"},
		},
	}))

	ec := runToEnd(t, wf, nil)

	ticket, ok := ec.State["ticket"].(map[string]any)
	require.True(t, ok, "intermediate segments are created as maps")
	meta := ticket["meta"].(map[string]any)
	assert.Equal(t, "chat", meta["source"])
	assert.Equal(t, "high", ticket["priority"])
	assert.Equal(t, 3, ec.State["count"])

	require.NotEmpty(t, ec.Steps)
	assert.Equal(t, "fill", ec.Steps[0].Key)
	assert.Contains(t, ec.Steps[0].Output, "state.ticket.priority = high")
}

func TestAssignReadsPreviousAssignments(t *testing.T) {
	wf := straightLine(step("calc", schema.KindAssign, map[string]any{
		"assignments": []any{
			map[string]any{"target": "state.a", "expression": "2"},
			map[string]any{"target": "state.b", "expression": "{{state.a * 10}}"},
		},
	}))

	ec := runToEnd(t, wf, nil)
	assert.Equal(t, 20, ec.State["b"], "assignments apply in order within one node")
}

func TestAssignRejectsTargetOutsideState(t *testing.T) {
	wf := straightLine(step("bad", schema.KindAssign, map[string]any{
		"assignments": []any{
			map[string]any{"target": "conversation.hack", "expression": "1"},
		},
	}))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestAssignRejectsNonMapIntermediate(t *testing.T) {
	wf := straightLine(step("bad", schema.KindAssign, map[string]any{
		"assignments": []any{
			map[string]any{"target": "state.name.first", "expression": "\"x\""},
		},
	}))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"name": "ada"}, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	fe, _ := schema.AsFlowError(err)
	assert.Equal(t, "bad", fe.StepSlug)
}

func TestAssignWithoutAssignmentsFails(t *testing.T) {
	wf := straightLine(step("empty", schema.KindAssign, nil))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestTransformExpressionsOnly(t *testing.T) {
	wf := straightLine(step("shape", schema.KindTransform, map[string]any{
		"expressions": map[string]any{
			"id":     "{{state.user.id}}",
			"labels": []any{"{{state.user.plan}}", "active"},
		},
	}))

	state := map[string]any{"user": map[string]any{"id": 7, "plan": "pro"}}
	ec := runToEnd(t, wf, state)

	out, ok := ec.LastStep["output_parsed"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 7, out["id"])
	assert.Equal(t, []any{"pro", "active"}, out["labels"])
}

func TestTransformQueryReshapesValue(t *testing.T) {
	wf := straightLine(step("shape", schema.KindTransform, map[string]any{
		"expressions": map[string]any{"nums": []any{3, 1, 2}},
		"query":       ".value.nums | sort | {lowest: first, count: length}",
	}))

	ec := runToEnd(t, wf, nil)

	out, ok := ec.LastStep["output_parsed"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, asInt(t, out["count"]))
	assert.Equal(t, 1, asInt(t, out["lowest"]))
}

func TestTransformQuerySeesState(t *testing.T) {
	wf := straightLine(step("shape", schema.KindTransform, map[string]any{
		"query": ".state.items | length",
	}))

	ec := runToEnd(t, wf, map[string]any{"items": []any{"a", "b"}})
	assert.Equal(t, 2, asInt(t, ec.LastStep["output"]))
}

func TestTransformStringResultExposedAsText(t *testing.T) {
	wf := straightLine(step("shape", schema.KindTransform, map[string]any{
		"query": "\"plain\"",
	}))

	ec := runToEnd(t, wf, nil)
	assert.Equal(t, "plain", ec.LastStep["output_text"])
	assert.NotContains(t, ec.LastStep, "output_parsed")
}

func TestTransformBadQueryFails(t *testing.T) {
	wf := straightLine(step("shape", schema.KindTransform, map[string]any{
		"query": ".state |",
	}))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "shape", fe.StepSlug)
}

func TestAssistantMessageTemplates(t *testing.T) {
	wf := straightLine(step("say", schema.KindAssistantMessage, map[string]any{
		"message": "Order {{state.order.id}} ships to {{state.order.city}}.",
	}))

	state := map[string]any{"order": map[string]any{"id": 88, "city": "Lyon"}}
	ec := runToEnd(t, wf, state)

	require.Len(t, ec.Conversation, 1)
	msg := ec.Conversation[0]
	assert.Equal(t, schema.RoleAssistant, msg.Role)
	assert.Equal(t, "Order 88 ships to Lyon.", msg.Content)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "Order 88 ships to Lyon.", ec.LastStep["assistant_message"])
}

func TestEndStatusAndScores(t *testing.T) {
	wf := straightLine(step("mid", schema.KindAssign, map[string]any{
		"assignments": []any{
			map[string]any{"target": "state.quality", "expression": "4"},
		},
	}))
	wf.Steps[2] = step("done", schema.KindEnd, map[string]any{
		"status":  map[string]any{"type": "resolved", "reason": "handled"},
		"message": "All set, quality {{state.quality}}.",
		"scoring": []any{
			map[string]any{"variable_id": "quality", "value": "{{state.quality}}", "maximum": "5"},
		},
	})

	ec := runToEnd(t, wf, nil)

	end := ec.Runtime.FinalEndState
	require.NotNil(t, end)
	assert.Equal(t, "resolved", end.StatusType)
	assert.Equal(t, "handled", end.Reason)
	assert.Equal(t, "All set, quality 4.", end.Message)
	assert.Equal(t, "done", end.NodeSlug)
	require.Len(t, end.Scores, 1)
	assert.Equal(t, "quality", end.Scores[0].VariableID)
	assert.Equal(t, 4, end.Scores[0].Value)
	assert.Equal(t, 5, end.Scores[0].Maximum)

	// A closing message also lands in the conversation.
	last := ec.Conversation[len(ec.Conversation)-1]
	assert.Equal(t, "All set, quality 4.", last.Content)
	assert.Equal(t, "All set, quality 4.", ec.FinalOutput)
}

func TestEndDefaultsToClosed(t *testing.T) {
	wf := straightLine(step("say", schema.KindAssistantMessage, map[string]any{"message": "bye"}))
	ec := runToEnd(t, wf, nil)

	end := ec.Runtime.FinalEndState
	require.NotNil(t, end)
	assert.Equal(t, schema.EndStatusClosed, end.StatusType)
}

func TestWatchPrefersRichestValue(t *testing.T) {
	ec := &ExecutionContext{
		LastStep: map[string]any{
			"output_text":   "text form",
			"output_parsed": map[string]any{"rich": true},
		},
	}
	assert.Equal(t, map[string]any{"rich": true}, bestObservedValue(ec))

	ec.LastStep = map[string]any{"assistant_message": "hi"}
	assert.Equal(t, "hi", bestObservedValue(ec))

	ec.LastStep = nil
	ec.Steps = []schema.StepSummary{{Key: "a", Output: "trail output"}}
	assert.Equal(t, "trail output", bestObservedValue(ec))

	ec.Steps = nil
	assert.Nil(t, bestObservedValue(ec))
}

// asInt tolerates the int/float64 split gojq output can carry.
func asInt(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		t.Fatalf("not a number: %T %v", v, v)
		return 0
	}
}
