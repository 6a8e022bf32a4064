package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/expressions"
	"github.com/flowstate/flowstate/pkg/schema"
)

// --- agent ---

type agentHandler struct {
	eval *expressions.Evaluator
}

func (h *agentHandler) Kind() schema.StepKind { return schema.KindAgent }

// Execute delegates to the Agent Runner: renders the instruction template,
// hands over the conversation history, and merges the terminal output into
// the last-step context, state's last_agent_* keys, and the conversation.
// Runner failures are fatal for the step.
func (h *agentHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime
	if rv.Agents == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"agent node %q: no agent runner configured", node.Slug)
	}

	desc, err := h.descriptor(ctx, node, ec)
	if err != nil {
		return nil, err
	}

	runContext := map[string]any{
		"state": ec.State,
		"input": ec.LastStep,
	}
	out, err := rv.Agents.Run(ctx, desc, ec.Conversation, runContext)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"agent %q failed: %s", desc.Slug, err.Error()).WithCause(err)
	}
	if out == nil {
		out = &AgentOutput{}
	}

	richest := agentRichest(out)

	lastStep := make(map[string]any)
	if out.Text != "" {
		lastStep["output_text"] = out.Text
		lastStep["assistant_message"] = out.Text
	}
	if out.Parsed != nil {
		lastStep["output_parsed"] = out.Parsed
	}
	if out.Structured != nil {
		lastStep["output_structured"] = out.Structured
	}
	if richest != nil {
		lastStep["output"] = richest
	}

	stateUpdates := make(map[string]any)
	if richest != nil {
		ec.State["last_agent_output"] = richest
		stateUpdates["last_agent_output"] = richest
	}
	if out.Text != "" {
		ec.State["last_agent_text"] = out.Text
		stateUpdates["last_agent_text"] = out.Text
	}

	summaryText := out.Text
	if summaryText == "" {
		summaryText = expressions.Stringify(richest)
	}
	updates := &ContextUpdates{
		State:    stateUpdates,
		LastStep: lastStep,
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: summaryText,
		}},
	}
	if out.Text != "" {
		updates.Conversation = []schema.MessageItem{{
			ID:      uuid.NewString(),
			Role:    schema.RoleAssistant,
			Content: out.Text,
		}}
	}

	rv.emit(ctx, schema.EventAgentEvent, node.Slug, map[string]any{
		"agent":       desc.Slug,
		"output_text": out.Text,
	})

	return &NodeResult{NextSlug: followOn(ec, node.Slug), Updates: updates, Output: richest}, nil
}

// descriptor assembles the runner descriptor from node parameters, with the
// instruction template rendered against current context.
func (h *agentHandler) descriptor(ctx context.Context, node *schema.Step, ec *ExecutionContext) (AgentDescriptor, error) {
	slug := node.StringParam("agent", "")
	if slug == "" {
		return AgentDescriptor{}, schema.NewErrorf(schema.ErrCodeConfig,
			"agent node %q: missing agent parameter", node.Slug)
	}

	var instructions string
	if raw := node.StringParam("instructions", ""); raw != "" {
		rendered, err := h.eval.Render(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return AgentDescriptor{}, err
		}
		instructions = expressions.Stringify(rendered)
	}

	return AgentDescriptor{
		Slug:         slug,
		Model:        node.StringParam("model", ""),
		Instructions: instructions,
		Options:      node.MapParam("options"),
	}, nil
}

// agentRichest returns the most informative form of an agent output:
// structured, then parsed, then plain text.
func agentRichest(out *AgentOutput) any {
	if out.Structured != nil {
		return out.Structured
	}
	if out.Parsed != nil {
		return out.Parsed
	}
	if out.Text != "" {
		return out.Text
	}
	return nil
}

// --- voice_agent ---

type voiceAgentHandler struct {
	eval   *expressions.Evaluator
	logger *slog.Logger
}

func (h *voiceAgentHandler) Kind() schema.StepKind { return schema.KindVoiceAgent }

// Execute hands the conversation to a real-time voice session and suspends
// the run. The snapshot bookkeeping mirrors the wait node: a re-delivered
// trigger suspends idempotently without a second session, and a genuinely
// new trigger means the session ended, so the run advances. Snapshot saves
// here are best-effort; the run-service backstop persists again on return.
func (h *voiceAgentHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime
	if rv.Voice == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"voice_agent node %q: no voice runner configured", node.Slug)
	}
	if rv.Snapshots == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"voice_agent node %q requires a snapshot store", node.Slug)
	}

	snap, err := rv.Snapshots.LoadSnapshot(ctx, rv.ThreadID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"load snapshot for thread %q: %s", rv.ThreadID, err.Error()).WithCause(err)
	}

	if snap != nil && snap.Slug == node.Slug {
		if snap.InputItemID == rv.InputItemID {
			rv.SnapshotSaved = true
			rv.FinalEndState = voiceWaiting(node.Slug)
			return &NodeResult{}, nil
		}

		// Session over; pick up where the handoff left off.
		next := snap.NextStepSlug
		if next == "" {
			next = followOn(ec, node.Slug)
		}
		if next == "" {
			rv.FinalEndState = voiceWaiting(node.Slug)
			return &NodeResult{}, nil
		}
		rv.emit(ctx, schema.EventWaitResumed, node.Slug, map[string]any{"next": next})
		return &NodeResult{
			NextSlug: next,
			Updates:  &ContextUpdates{LastStep: map[string]any{"user_input": rv.InputText}},
		}, nil
	}

	slugDesc := node.StringParam("agent", "")
	if slugDesc == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"voice_agent node %q: missing agent parameter", node.Slug)
	}
	var instructions string
	if raw := node.StringParam("instructions", ""); raw != "" {
		rendered, err := h.eval.Render(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return nil, err
		}
		instructions = expressions.Stringify(rendered)
	}
	desc := AgentDescriptor{
		Slug:         slugDesc,
		Model:        node.StringParam("model", ""),
		Instructions: instructions,
		Options:      node.MapParam("options"),
	}

	session, err := rv.Voice.Start(ctx, desc, ec.Conversation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"voice agent %q failed to start: %s", desc.Slug, err.Error()).WithCause(err)
	}
	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}

	ec.State["last_voice_session"] = sessionID
	updates := &ContextUpdates{
		State: map[string]any{"last_voice_session": sessionID},
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: "voice session " + sessionID + " started",
		}},
	}

	next := followOn(ec, node.Slug)
	if err := persistSnapshot(ctx, rv, ec.Snapshot(node.Slug, next), h.logger); err != nil {
		h.logger.WarnContext(ctx, "voice handoff snapshot save failed",
			slog.String("node", node.Slug),
			slog.String("error", err.Error()))
	}

	rv.emit(ctx, schema.EventAgentEvent, node.Slug, map[string]any{
		"agent":         desc.Slug,
		"voice_session": sessionID,
	})

	rv.FinalEndState = voiceWaiting(node.Slug)
	return &NodeResult{Updates: updates}, nil
}

func voiceWaiting(slug string) *schema.EndState {
	return &schema.EndState{
		StatusType: schema.EndStatusWaiting,
		Reason:     "voice session active",
		NodeSlug:   slug,
	}
}

// --- widget ---

type widgetHandler struct {
	eval   *expressions.Evaluator
	logger *slog.Logger
}

func (h *widgetHandler) Kind() schema.StepKind { return schema.KindWidget }

// Execute renders a widget and consults the awaiter for the user's action.
// The snapshot is persisted before the await so a crash while blocked keeps
// the resume point. A nil action means none is available yet: suspend. A
// re-delivered trigger suspends idempotently.
func (h *widgetHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime
	if rv.Widgets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"widget node %q: no widget awaiter configured", node.Slug)
	}

	if rv.Snapshots != nil {
		snap, err := rv.Snapshots.LoadSnapshot(ctx, rv.ThreadID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"load snapshot for thread %q: %s", rv.ThreadID, err.Error()).WithCause(err)
		}
		if snap != nil && snap.Slug == node.Slug && snap.InputItemID == rv.InputItemID {
			rv.SnapshotSaved = true
			rv.FinalEndState = widgetWaiting(node.Slug)
			return &NodeResult{}, nil
		}
	}

	config, err := h.resolvedConfig(ctx, node, ec)
	if err != nil {
		return nil, err
	}

	next := followOn(ec, node.Slug)
	if rv.Snapshots != nil {
		if err := persistSnapshot(ctx, rv, ec.Snapshot(node.Slug, next), h.logger); err != nil {
			h.logger.WarnContext(ctx, "widget snapshot save failed",
				slog.String("node", node.Slug),
				slog.String("error", err.Error()))
		}
	}

	action, err := rv.Widgets.AwaitAction(ctx, node, config)
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"widget node %q: await action failed: %s", node.Slug, err.Error()).WithCause(err)
	}

	if action == nil {
		h.logger.DebugContext(ctx, "widget awaiting action",
			slog.String("node", node.Slug))
		rv.emit(ctx, schema.EventWaitStarted, node.Slug, map[string]any{"widget": true})
		rv.FinalEndState = widgetWaiting(node.Slug)
		return &NodeResult{}, nil
	}

	rv.emit(ctx, schema.EventWaitResumed, node.Slug, map[string]any{"widget": true})

	updates := &ContextUpdates{
		LastStep: map[string]any{
			"widget_action": action,
			"output":        action,
			"output_parsed": action,
		},
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: expressions.Stringify(action),
		}},
	}
	return &NodeResult{NextSlug: next, Updates: updates, Output: action}, nil
}

// resolvedConfig runs the widget's configuration tree through the evaluator
// so variable bindings carry live state values.
func (h *widgetHandler) resolvedConfig(ctx context.Context, node *schema.Step, ec *ExecutionContext) (map[string]any, error) {
	raw := node.MapParam("widget")
	if raw == nil {
		return nil, nil
	}
	resolved, err := h.eval.ResolveTree(ctx, raw, ec.State, ec.LastStep)
	if err != nil {
		return nil, err
	}
	if m, ok := resolved.(map[string]any); ok {
		return m, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfig,
		"widget node %q: configuration did not resolve to an object", node.Slug)
}

func widgetWaiting(slug string) *schema.EndState {
	return &schema.EndState{
		StatusType: schema.EndStatusWaiting,
		Reason:     "awaiting widget action",
		NodeSlug:   slug,
	}
}

// --- vector_store_ingest ---

type vectorIngestHandler struct {
	eval   *expressions.Evaluator
	logger *slog.Logger
}

func (h *vectorIngestHandler) Kind() schema.StepKind { return schema.KindVectorIngest }

// Execute pushes a document into a vector store. Ingestion is fire-and-
// forget: collaborator failures and open circuits are logged and the run
// continues. Only a malformed node (missing store slug) is fatal.
func (h *vectorIngestHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime

	storeSlug := node.StringParam("store", "")
	if storeSlug == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"vector_store_ingest node %q: missing store parameter", node.Slug)
	}

	next := followOn(ec, node.Slug)

	if rv.Vectors == nil {
		h.logger.WarnContext(ctx, "vector ingestion skipped: no ingestor configured",
			slog.String("node", node.Slug),
			slog.String("store", storeSlug))
		rv.emit(ctx, schema.EventVectorSkipped, node.Slug, map[string]any{
			"store":  storeSlug,
			"reason": "no ingestor configured",
		})
		return &NodeResult{NextSlug: next}, nil
	}

	docID, document, metadata, err := h.resolveDocument(ctx, node, ec)
	if err != nil {
		return nil, err
	}

	if rv.IngestBreaker != nil {
		if err := rv.IngestBreaker.AllowRequest(storeSlug); err != nil {
			h.logger.WarnContext(ctx, "vector ingestion skipped: circuit open",
				slog.String("node", node.Slug),
				slog.String("store", storeSlug))
			rv.emit(ctx, schema.EventVectorSkipped, node.Slug, map[string]any{
				"store":  storeSlug,
				"reason": "circuit open",
			})
			return &NodeResult{NextSlug: next}, nil
		}
	}

	if err := rv.Vectors.Ingest(ctx, storeSlug, docID, document, metadata); err != nil {
		if rv.IngestBreaker != nil {
			rv.IngestBreaker.RecordFailure(storeSlug)
		}
		h.logger.WarnContext(ctx, "vector ingestion failed",
			slog.String("node", node.Slug),
			slog.String("store", storeSlug),
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
		rv.emit(ctx, schema.EventVectorSkipped, node.Slug, map[string]any{
			"store":  storeSlug,
			"doc_id": docID,
			"reason": err.Error(),
		})
		return &NodeResult{NextSlug: next}, nil
	}

	if rv.IngestBreaker != nil {
		rv.IngestBreaker.RecordSuccess(storeSlug)
	}
	rv.emit(ctx, schema.EventVectorIngested, node.Slug, map[string]any{
		"store":  storeSlug,
		"doc_id": docID,
	})

	updates := &ContextUpdates{
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: "ingested " + docID + " into " + storeSlug,
		}},
	}
	return &NodeResult{NextSlug: next, Updates: updates}, nil
}

// resolveDocument assembles the ingestion payload: an explicit document
// tree when configured, otherwise the most informative value the previous
// step produced, wrapped as text.
func (h *vectorIngestHandler) resolveDocument(ctx context.Context, node *schema.Step, ec *ExecutionContext) (string, map[string]any, map[string]any, error) {
	docID := node.StringParam("doc_id", "")
	if docID != "" {
		rendered, err := h.eval.Render(ctx, docID, ec.State, ec.LastStep)
		if err != nil {
			return "", nil, nil, err
		}
		docID = expressions.Stringify(rendered)
	}
	if docID == "" {
		docID = uuid.NewString()
	}

	var document map[string]any
	if raw, ok := node.Parameters["document"]; ok && raw != nil {
		resolved, err := h.eval.ResolveTree(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return "", nil, nil, err
		}
		if m, isMap := resolved.(map[string]any); isMap {
			document = m
		} else {
			document = map[string]any{"value": resolved}
		}
	} else {
		document = map[string]any{"text": expressions.Stringify(bestObservedValue(ec))}
	}

	var metadata map[string]any
	if raw := node.MapParam("metadata"); raw != nil {
		resolved, err := h.eval.ResolveTree(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return "", nil, nil, err
		}
		if m, isMap := resolved.(map[string]any); isMap {
			metadata = m
		}
	}

	return docID, document, metadata, nil
}
