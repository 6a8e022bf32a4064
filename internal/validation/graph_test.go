package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

func TestGraph_LinearFlowClean(t *testing.T) {
	result := checkGraph(linearFlow())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_UnreachableStepWarns(t *testing.T) {
	wf := linearFlow()
	wf.Steps = append(wf.Steps,
		schema.Step{Slug: "island", Kind: schema.KindAssign},
		schema.Step{Slug: "island2", Kind: schema.KindEnd},
	)
	wf.Transitions = append(wf.Transitions,
		schema.Transition{ID: 3, SourceSlug: "island", TargetSlug: "island2"})

	result := checkGraph(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0].Message, `"island"`)
	assert.Contains(t, result.Warnings[1].Message, `"island2"`)
}

func TestGraph_DisabledStepsNotReported(t *testing.T) {
	wf := linearFlow()
	wf.Steps = append(wf.Steps, schema.Step{Slug: "off", Kind: schema.KindAssign, Enabled: disabled()})

	result := checkGraph(wf)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_LoopsAreLegal(t *testing.T) {
	wf := &schema.Workflow{
		Slug: "loop",
		Steps: []schema.Step{
			{Slug: "start", Kind: schema.KindStart},
			{Slug: "check", Kind: schema.KindWhile, Parameters: map[string]any{"condition": "state.n < 3"}},
			{Slug: "body", Kind: schema.KindAssign, ParentSlug: "check"},
			{Slug: "finish", Kind: schema.KindEnd},
		},
		Transitions: []schema.Transition{
			{ID: 1, SourceSlug: "start", TargetSlug: "check"},
			{ID: 2, SourceSlug: "check", TargetSlug: "body"},
			{ID: 3, SourceSlug: "body", TargetSlug: "check"},
			{ID: 4, SourceSlug: "check", TargetSlug: "finish"},
		},
	}
	result := checkGraph(wf)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_ClosedComputeLoopIsError(t *testing.T) {
	wf := &schema.Workflow{
		Slug: "spin",
		Steps: []schema.Step{
			{Slug: "start", Kind: schema.KindStart},
			{Slug: "a", Kind: schema.KindAssign},
			{Slug: "b", Kind: schema.KindAssign},
		},
		Transitions: []schema.Transition{
			{ID: 1, SourceSlug: "start", TargetSlug: "a"},
			{ID: 2, SourceSlug: "a", TargetSlug: "b"},
			{ID: 3, SourceSlug: "b", TargetSlug: "a"},
		},
	}
	result := checkGraph(wf)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "iteration guard")
}

func TestGraph_WaitNodeIsARestPoint(t *testing.T) {
	wf := &schema.Workflow{
		Slug: "chat",
		Steps: []schema.Step{
			{Slug: "start", Kind: schema.KindStart},
			{Slug: "reply", Kind: schema.KindAssistantMessage, Parameters: map[string]any{"message": "hi"}},
			{Slug: "listen", Kind: schema.KindWaitForUserInput},
		},
		Transitions: []schema.Transition{
			{ID: 1, SourceSlug: "start", TargetSlug: "reply"},
			{ID: 2, SourceSlug: "reply", TargetSlug: "listen"},
			{ID: 3, SourceSlug: "listen", TargetSlug: "reply"},
		},
	}
	result := checkGraph(wf)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_DanglingStepWarnsButSatisfiesRest(t *testing.T) {
	wf := linearFlow()
	// Replace the end node with a plain assign that dangles.
	wf.Steps[2] = schema.Step{Slug: "finish", Kind: schema.KindAssign}

	result := checkGraph(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "no outgoing transitions")
}

func TestGraph_JoinReachableThroughSplit(t *testing.T) {
	// Branch leaves dangle instead of pointing at the join; the split's
	// implicit edge to its join keeps the tail of the graph reachable.
	wf := &schema.Workflow{
		Slug: "fan",
		Steps: []schema.Step{
			{Slug: "start", Kind: schema.KindStart},
			{Slug: "split", Kind: schema.KindParallelSplit, Parameters: map[string]any{"join_slug": "join"}},
			{Slug: "one", Kind: schema.KindAssign},
			{Slug: "two", Kind: schema.KindAssign},
			{Slug: "join", Kind: schema.KindParallelJoin},
			{Slug: "finish", Kind: schema.KindEnd},
		},
		Transitions: []schema.Transition{
			{ID: 1, SourceSlug: "start", TargetSlug: "split"},
			{ID: 2, SourceSlug: "split", TargetSlug: "one"},
			{ID: 3, SourceSlug: "split", TargetSlug: "two"},
			{ID: 4, SourceSlug: "join", TargetSlug: "finish"},
		},
	}
	result := checkGraph(wf)
	assert.True(t, result.Valid())
	for _, w := range result.Warnings {
		assert.NotContains(t, w.Message, "unreachable")
	}
}

func TestGraph_NoStartShortCircuits(t *testing.T) {
	wf := linearFlow()
	wf.Steps[0].Kind = schema.KindAssign

	// The missing start is the semantic stage's finding; the graph stage
	// stays quiet instead of piling on.
	result := checkGraph(wf)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
