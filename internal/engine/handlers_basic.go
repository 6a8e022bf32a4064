package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/expressions"
	"github.com/flowstate/flowstate/pkg/schema"
)

// --- start ---

type startHandler struct{}

func (h *startHandler) Kind() schema.StepKind { return schema.KindStart }

// Execute transitions through the start node's single outgoing edge.
func (h *startHandler) Execute(_ context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	next := followOn(ec, node.Slug)
	if next == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"start node %q has no outgoing edge", node.Slug)
	}
	return &NodeResult{NextSlug: next}, nil
}

// --- end ---

type endHandler struct {
	eval *expressions.Evaluator
}

func (h *endHandler) Kind() schema.StepKind { return schema.KindEnd }

// Execute finishes the run: resolves the end descriptor (status type,
// reason, closing message, scoring block), records it for the caller in the
// runtime bag, and reports finished. The status type defaults to "closed"
// so a finished thread does not silently accept further input.
func (h *endHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	status := node.MapParam("status")
	statusType := schema.EndStatusClosed
	if t, ok := status["type"].(string); ok && t != "" {
		statusType = t
	}
	reason, _ := status["reason"].(string)

	var message string
	if raw := node.StringParam("message", ""); raw != "" {
		rendered, err := h.eval.Render(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return nil, err
		}
		message = expressions.Stringify(rendered)
	}

	scores, err := h.resolveScores(ctx, node, ec)
	if err != nil {
		return nil, err
	}

	end := &schema.EndState{
		StatusType: statusType,
		Reason:     reason,
		Message:    message,
		NodeSlug:   node.Slug,
		Scores:     scores,
	}
	ec.Runtime.FinalEndState = end

	summaryText := message
	if summaryText == "" {
		summaryText = "run " + statusType
	}
	updates := &ContextUpdates{
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: summaryText,
		}},
	}
	if message != "" {
		updates.Conversation = []schema.MessageItem{{
			ID:      uuid.NewString(),
			Role:    schema.RoleAssistant,
			Content: message,
		}}
	}

	var output any
	if message != "" {
		output = message
	}
	return &NodeResult{Finished: true, Updates: updates, Output: output}, nil
}

// resolveScores evaluates the optional scoring block. Accepts one entry or
// a list; each entry names a variable and carries value/score and maximum
// expressions evaluated against current state.
func (h *endHandler) resolveScores(ctx context.Context, node *schema.Step, ec *ExecutionContext) ([]schema.ScoreResult, error) {
	raw, ok := node.Parameters["scoring"]
	if !ok || raw == nil {
		return nil, nil
	}

	var entries []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		entries = append(entries, v)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"end node %q: scoring must be an object or a list of objects", node.Slug)
	}

	scores := make([]schema.ScoreResult, 0, len(entries))
	for _, entry := range entries {
		variableID, _ := entry["variable_id"].(string)
		if variableID == "" {
			continue
		}

		valueExpr, _ := entry["value"].(string)
		if valueExpr == "" {
			valueExpr, _ = entry["score"].(string)
		}
		var value any
		if valueExpr != "" {
			resolved, err := h.eval.ResolveValue(ctx, valueExpr, ec.State, ec.LastStep)
			if err != nil {
				return nil, err
			}
			value = resolved
		}

		var maximum any
		if maxExpr, _ := entry["maximum"].(string); maxExpr != "" {
			resolved, err := h.eval.ResolveValue(ctx, maxExpr, ec.State, ec.LastStep)
			if err != nil {
				return nil, err
			}
			maximum = resolved
		}

		scores = append(scores, schema.ScoreResult{
			VariableID: variableID,
			Value:      value,
			Maximum:    maximum,
		})
	}
	return scores, nil
}

// --- assistant_message ---

type assistantMessageHandler struct {
	eval *expressions.Evaluator
}

func (h *assistantMessageHandler) Kind() schema.StepKind { return schema.KindAssistantMessage }

// Execute renders the message template, appends it to the conversation, and
// continues through the follow-on edge.
func (h *assistantMessageHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rendered, err := h.eval.Render(ctx, node.StringParam("message", ""), ec.State, ec.LastStep)
	if err != nil {
		return nil, err
	}
	text := expressions.Stringify(rendered)

	updates := &ContextUpdates{
		Conversation: []schema.MessageItem{{
			ID:      uuid.NewString(),
			Role:    schema.RoleAssistant,
			Content: text,
		}},
		LastStep: map[string]any{"assistant_message": text},
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: text,
		}},
	}

	return &NodeResult{NextSlug: followOn(ec, node.Slug), Updates: updates, Output: text}, nil
}

// --- watch ---

type watchHandler struct {
	logger *slog.Logger
}

func (h *watchHandler) Kind() schema.StepKind { return schema.KindWatch }

// Execute emits the most informative value the previous step produced on
// the monitoring side-channel. Watch mutates nothing and records no step.
func (h *watchHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	value := bestObservedValue(ec)

	h.logger.DebugContext(ctx, "watch",
		slog.String("node", node.Slug),
		slog.Any("value", value))
	ec.Runtime.emit(ctx, schema.EventWatchOutput, node.Slug, map[string]any{"value": value})

	return &NodeResult{NextSlug: followOn(ec, node.Slug)}, nil
}

// watchPreference orders the last-step keys from most to least informative.
var watchPreference = []string{
	"output_structured",
	"output_parsed",
	"output_text",
	"output",
	"assistant_message",
}

// bestObservedValue picks the richest available last-step value, falling
// back to the last recorded step's textual output.
func bestObservedValue(ec *ExecutionContext) any {
	for _, key := range watchPreference {
		if v, ok := ec.LastStep[key]; ok && v != nil {
			return v
		}
	}
	if n := len(ec.Steps); n > 0 {
		return ec.Steps[n-1].Output
	}
	return nil
}

// --- assign ---

type assignHandler struct {
	eval *expressions.Evaluator
}

func (h *assignHandler) Kind() schema.StepKind { return schema.KindAssign }

// Execute applies the node's {target, expression} operations in order.
// Targets must live under "state."; missing intermediate segments are
// created as maps, and a non-map intermediate is a configuration error.
func (h *assignHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	ops := node.ListParam("assignments")
	if len(ops) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"assign node %q has no assignments", node.Slug)
	}

	updates := &ContextUpdates{State: make(map[string]any)}
	var applied []string

	for _, raw := range ops {
		op, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"assign node %q: each assignment must be an object with target and expression", node.Slug)
		}
		target, _ := op["target"].(string)
		expr, _ := op["expression"].(string)
		if target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"assign node %q: assignment missing target", node.Slug)
		}

		value, err := h.eval.ResolveValue(ctx, expr, ec.State, ec.LastStep)
		if err != nil {
			return nil, err
		}

		topKey, err := setStatePath(ec.State, target, value)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok {
				return nil, fe.WithStep(node.Slug)
			}
			return nil, err
		}
		updates.State[topKey] = ec.State[topKey]
		applied = append(applied, target+" = "+expressions.Stringify(value))
	}

	updates.Steps = []schema.StepSummary{{
		Key:    node.Slug,
		Title:  node.DisplayTitle(),
		Output: strings.Join(applied, "; "),
	}}

	return &NodeResult{NextSlug: followOn(ec, node.Slug), Updates: updates}, nil
}

// setStatePath writes value at a dotted target under "state.", creating
// intermediate maps as needed. Returns the top-level state key touched.
func setStatePath(state map[string]any, target string, value any) (string, error) {
	rest, ok := strings.CutPrefix(target, "state.")
	if !ok || rest == "" {
		return "", schema.NewErrorf(schema.ErrCodeConfig,
			"assign target %q must start with \"state.\"", target)
	}

	segments := strings.Split(rest, ".")
	current := state
	for _, seg := range segments[:len(segments)-1] {
		next, exists := current[seg]
		if !exists || next == nil {
			child := make(map[string]any)
			current[seg] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"assign target %q: segment %q already holds a non-map value", target, seg)
		}
		current = child
	}
	current[segments[len(segments)-1]] = value

	return segments[0], nil
}

// --- transform ---

type transformHandler struct {
	eval    *expressions.Evaluator
	queries *expressions.GoJQEngine
}

func (h *transformHandler) Kind() schema.StepKind { return schema.KindTransform }

// Execute resolves the node's expression tree against state and the
// previous step's output, optionally reshapes the result with a jq query,
// and publishes the computed value as the new last-step context. Transform
// never touches state.
func (h *transformHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	var result any
	if tree, ok := node.Parameters["expressions"]; ok && tree != nil {
		resolved, err := h.eval.ResolveTree(ctx, tree, ec.State, ec.LastStep)
		if err != nil {
			return nil, err
		}
		result = resolved
	}

	if query := node.StringParam("query", ""); query != "" {
		doc := map[string]any{
			"state": ec.State,
			"input": ec.LastStep,
			"value": result,
		}
		reshaped, err := h.queries.Evaluate(ctx, query, doc)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok {
				return nil, fe.WithStep(node.Slug)
			}
			return nil, err
		}
		result = reshaped
	}

	lastStep := map[string]any{"output": result}
	switch result.(type) {
	case map[string]any, []any:
		lastStep["output_parsed"] = result
	case string:
		lastStep["output_text"] = result
	}

	updates := &ContextUpdates{
		LastStep: lastStep,
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: expressions.Stringify(result),
		}},
	}

	return &NodeResult{NextSlug: followOn(ec, node.Slug), Updates: updates, Output: result}, nil
}
