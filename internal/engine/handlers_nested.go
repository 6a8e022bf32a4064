package engine

import (
	"context"
	"slices"

	"github.com/flowstate/flowstate/pkg/schema"
)

type nestedWorkflowHandler struct {
	runner *Machine
}

func (h *nestedWorkflowHandler) Kind() schema.StepKind { return schema.KindNestedWorkflow }

// Execute runs another workflow inline. Cycle detection happens before
// anything else: every identity of the referenced workflow (numeric id,
// normalized slug) is checked against the invocation stack, so A → B → A
// fails before the second A executes a single node.
//
// The child run shares the parent's state map, starts from a copy of the
// conversation, and accumulates its own step trail; on completion its new
// conversation items, steps, and last-step context splice into the parent.
func (h *nestedWorkflowHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime

	ref := node.StringParam("workflow", "")
	if ref == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"nested_workflow_call node %q: missing workflow parameter", node.Slug)
	}
	if rv.Workflows == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"nested_workflow_call node %q: no workflow resolver configured", node.Slug)
	}

	child, err := rv.Workflows.ResolveWorkflow(ctx, ref)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"resolve nested workflow %q: %s", ref, err.Error()).WithCause(err)
	}
	if child == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"nested workflow %q not found", ref)
	}

	ids := child.Identifiers()
	for _, id := range ids {
		if slices.Contains(rv.CallStack, id) {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"nested workflow cycle: %q is already on the invocation stack", ref).
				WithDetails(map[string]any{
					"workflow":   ref,
					"call_stack": rv.CallStack,
				})
		}
	}

	stack := append(append([]string(nil), rv.CallStack...), ids...)
	childEC, err := NewExecutionContext(child, ec.State, rv.childClone(stack))
	if err != nil {
		return nil, err
	}
	childEC.Conversation = append([]schema.MessageItem(nil), ec.Conversation...)
	convBase := len(childEC.Conversation)

	if err := h.runner.Execute(ctx, childEC); err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe.WithDetail("nested_workflow", ref)
		}
		return nil, err
	}

	if childEC.Runtime.FinalEndState.Waiting() {
		// The snapshot format records one graph position; a parent
		// continuation cannot be expressed in it, so a resume would strand
		// the run mid-call. Surface the misconfiguration instead.
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"nested workflow %q suspended at node %q: wait states inside nested calls are not supported",
			ref, childEC.Runtime.FinalEndState.NodeSlug)
	}

	updates := &ContextUpdates{
		Conversation: childEC.Conversation[convBase:],
		Steps:        childEC.Steps,
	}
	lastStep := childEC.LastStep
	if childEC.FinalOutput != nil {
		if lastStep == nil {
			lastStep = make(map[string]any)
		}
		lastStep["output"] = childEC.FinalOutput
	}
	updates.LastStep = lastStep

	return &NodeResult{
		NextSlug: followOn(ec, node.Slug),
		Updates:  updates,
		Output:   childEC.FinalOutput,
	}, nil
}
