package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/flowstate/flowstate/internal/expressions"
	"github.com/flowstate/flowstate/pkg/schema"
)

// --- condition ---

type conditionHandler struct {
	eval *expressions.Evaluator
}

func (h *conditionHandler) Kind() schema.StepKind { return schema.KindCondition }

// Execute resolves the node's path expression, converts the value to a
// branch label according to the configured mode, and follows the matching
// edge. Label matching is case-insensitive with the default edge as
// fallback; no match at all is a configuration error.
func (h *conditionHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	resolved, err := h.eval.ResolveValue(ctx, node.StringParam("path", ""), ec.State, ec.LastStep)
	if err != nil {
		return nil, err
	}

	mode := strings.ToLower(node.StringParam("mode", "truthy"))
	var label string
	switch mode {
	case "truthy":
		label = boolLabel(expressions.Truthy(resolved))
	case "falsy":
		label = boolLabel(!expressions.Truthy(resolved))
	case "equals", "not_equals":
		compareTo, err := h.comparisonValue(ctx, node, ec)
		if err != nil {
			return nil, err
		}
		equal := strings.EqualFold(expressions.Stringify(resolved), compareTo)
		if mode == "equals" {
			label = boolLabel(equal)
		} else {
			label = boolLabel(!equal)
		}
	case "value":
		label = expressions.Stringify(resolved)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"condition node %q: unknown mode %q", node.Slug, mode)
	}

	ec.Runtime.emit(ctx, schema.EventConditionEvaluated, node.Slug, map[string]any{
		"mode":  mode,
		"label": label,
	})

	edge := selectEdge(ec.EdgesBySource[node.Slug], label)
	if edge == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"condition node %q: no transition matches label %q and no default edge exists", node.Slug, label)
	}
	return &NodeResult{NextSlug: edge.TargetSlug}, nil
}

// comparisonValue resolves the configured "value" parameter for equals /
// not_equals. A plain string is compared literally; only template syntax
// triggers evaluation, so an author writing value: "high" gets the string,
// not a variable lookup.
func (h *conditionHandler) comparisonValue(ctx context.Context, node *schema.Step, ec *ExecutionContext) (string, error) {
	raw, ok := node.Parameters["value"]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeConfig,
			"condition node %q: mode %q requires a value parameter",
			node.Slug, node.StringParam("mode", ""))
	}

	if s, isString := raw.(string); isString {
		if strings.Contains(s, "{{") {
			rendered, err := h.eval.Render(ctx, s, ec.State, ec.LastStep)
			if err != nil {
				return "", err
			}
			return expressions.Stringify(rendered), nil
		}
		return s, nil
	}
	return expressions.Stringify(raw), nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// --- while ---

type whileHandler struct {
	loops  *expressions.CELEngine
	logger *slog.Logger
}

func (h *whileHandler) Kind() schema.StepKind { return schema.KindWhile }

// DefaultLoopIterations caps a single while node's iterations when the
// node does not configure its own max_iterations.
const DefaultLoopIterations = 100

// loopKeys returns the reserved state-bag keys for one while node. Colons
// keep them out of dotted-path traversal.
func loopKeys(slug string) (countKey, inputKey, entryKey string) {
	return "while:" + slug + ":count", "while:" + slug + ":input", "while:" + slug + ":entry"
}

// Execute drives one loop decision. Bookkeeping (iteration counter, last
// seen input id, cached entry node) lives in the reserved state bag so it
// survives suspend/resume cycles.
//
// Re-entry with an unchanged input item id and no wait node in the body
// suspends the run instead of spinning: without new external input a
// waitless body would re-execute identically forever. The condition is
// evaluated on every other entry, including the first; a false condition
// takes the exit edge immediately, so a constant-false loop never runs its
// body.
func (h *whileHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	bag := ec.StateBag()
	countKey, inputKey, entryKey := loopKeys(node.Slug)

	maxIter := node.IntParam("max_iterations", DefaultLoopIterations)
	if maxIter <= 0 {
		maxIter = DefaultLoopIterations
	}

	prevCount, entered := bagCount(bag[countKey])

	if entered {
		lastInput, _ := bag[inputKey].(string)
		if lastInput == ec.Runtime.InputItemID && !h.bodyContainsWait(node, ec) {
			ec.Runtime.FinalEndState = &schema.EndState{
				StatusType: schema.EndStatusWaiting,
				Reason:     "loop awaiting new input",
				NodeSlug:   node.Slug,
			}
			h.logger.DebugContext(ctx, "while re-entry without new input, suspending",
				slog.String("node", node.Slug),
				slog.Int("iterations", prevCount))
			return &NodeResult{}, nil
		}
	}

	proceed := true
	if condition := node.StringParam("condition", ""); condition != "" {
		out, err := h.loops.Evaluate(ctx, condition, map[string]any{
			"state":   ec.State,
			"globals": ec.Runtime.Globals,
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"while node %q: condition %q failed: %s", node.Slug, condition, err.Error()).
				WithCause(err)
		}
		proceed = expressions.Truthy(out)
	}

	iteration := prevCount + 1
	if proceed && iteration > maxIter-1 {
		h.logger.DebugContext(ctx, "while iteration cap reached, exiting",
			slog.String("node", node.Slug),
			slog.Int("max_iterations", maxIter))
		proceed = false
	}

	if !proceed {
		delete(bag, countKey)
		delete(bag, inputKey)
		delete(bag, entryKey)

		exit := h.exitSlug(node, ec)
		if exit == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"while node %q has no transition leaving the loop body", node.Slug)
		}
		ec.Runtime.emit(ctx, schema.EventLoopExited, node.Slug, map[string]any{
			"iterations": prevCount,
		})
		return &NodeResult{
			NextSlug: exit,
			Updates:  &ContextUpdates{State: map[string]any{stateBagKey: bag}},
		}, nil
	}

	entry := h.entrySlug(node, ec, bag, entryKey)
	if entry == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"while node %q has no transition into the loop body", node.Slug)
	}

	bag[countKey] = iteration
	bag[inputKey] = ec.Runtime.InputItemID

	updates := &ContextUpdates{State: map[string]any{stateBagKey: bag}}
	if iv := node.StringParam("iteration_var", ""); iv != "" {
		ec.State[iv] = iteration
		updates.State[iv] = iteration
	}

	ec.Runtime.emit(ctx, schema.EventLoopIteration, node.Slug, map[string]any{
		"iteration": iteration,
	})
	return &NodeResult{NextSlug: entry, Updates: updates}, nil
}

// entrySlug resolves the loop's entry node: the first transition whose
// target belongs to the loop body. Resolved once and cached in the state
// bag; the cache is re-validated against the current graph.
func (h *whileHandler) entrySlug(node *schema.Step, ec *ExecutionContext, bag map[string]any, entryKey string) string {
	if cached, ok := bag[entryKey].(string); ok && cached != "" {
		if step, exists := ec.NodesBySlug[cached]; exists && h.inBody(node.Slug, step, ec) {
			return cached
		}
	}
	for _, edge := range ec.EdgesBySource[node.Slug] {
		target, ok := ec.NodesBySlug[edge.TargetSlug]
		if !ok {
			continue
		}
		if h.inBody(node.Slug, target, ec) {
			bag[entryKey] = edge.TargetSlug
			return edge.TargetSlug
		}
	}
	return ""
}

// exitSlug resolves the loop's exit: the first transition whose target lies
// outside the loop body.
func (h *whileHandler) exitSlug(node *schema.Step, ec *ExecutionContext) string {
	for _, edge := range ec.EdgesBySource[node.Slug] {
		target, ok := ec.NodesBySlug[edge.TargetSlug]
		if !ok {
			continue
		}
		if !h.inBody(node.Slug, target, ec) {
			return edge.TargetSlug
		}
	}
	return ""
}

// inBody reports whether a step belongs to the while node's body, following
// the explicit parentSlug chain so nodes nested under an inner loop still
// count as inside the outer one. Containment is never inferred from
// positions.
func (h *whileHandler) inBody(whileSlug string, step *schema.Step, ec *ExecutionContext) bool {
	for depth := 0; step != nil && depth < 100; depth++ {
		if step.ParentSlug == "" {
			return false
		}
		if step.ParentSlug == whileSlug {
			return true
		}
		step = ec.Workflow.StepBySlug(step.ParentSlug)
	}
	return false
}

// bodyContainsWait reports whether any enabled wait_for_user_input node
// belongs to the loop body.
func (h *whileHandler) bodyContainsWait(node *schema.Step, ec *ExecutionContext) bool {
	for i := range ec.Workflow.Steps {
		step := &ec.Workflow.Steps[i]
		if step.Kind != schema.KindWaitForUserInput || !step.IsEnabled() {
			continue
		}
		if h.inBody(node.Slug, step, ec) {
			return true
		}
	}
	return false
}

// bagCount reads an iteration counter from the state bag, tolerating the
// numeric types a JSON round-trip produces.
func bagCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
