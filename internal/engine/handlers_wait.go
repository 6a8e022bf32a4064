package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/expressions"
	"github.com/flowstate/flowstate/pkg/schema"
)

type waitHandler struct {
	eval   *expressions.Evaluator
	logger *slog.Logger
}

func (h *waitHandler) Kind() schema.StepKind { return schema.KindWaitForUserInput }

// Execute implements the pause/resume protocol around user input.
//
// First arrival: record the display message, persist a WaitStateSnapshot
// carrying the pre-resolved next step, and suspend. The save is mandatory;
// losing it would strand the run, so persistence failures here are fatal.
//
// Re-delivery (the snapshot's input item id equals the trigger's): suspend
// again without recording anything, keeping resume idempotent.
//
// Genuinely new input (ids differ): advance to the snapshot's recorded next
// step, folding the new message text into the last-step context. The old
// snapshot is never cleared in place — a crash between "next step started"
// and "snapshot replaced" must leave the resume point intact.
func (h *waitHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime
	if rv.Snapshots == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"wait node %q requires a snapshot store", node.Slug)
	}

	snap, err := h.loadSnapshot(ctx, rv)
	if err != nil {
		return nil, err
	}

	if snap != nil && snap.Slug == node.Slug {
		if snap.InputItemID == rv.InputItemID {
			h.logger.DebugContext(ctx, "wait re-delivery, suspending again",
				slog.String("node", node.Slug),
				slog.String("input_item_id", rv.InputItemID))
			rv.SnapshotSaved = true
			rv.FinalEndState = waitingAt(node.Slug)
			return &NodeResult{}, nil
		}
		return h.resume(ctx, node, ec, snap)
	}

	return h.firstArrival(ctx, node, ec)
}

func (h *waitHandler) resume(ctx context.Context, node *schema.Step, ec *ExecutionContext, snap *schema.WaitStateSnapshot) (*NodeResult, error) {
	rv := ec.Runtime

	if snap.NextStepSlug == "" {
		// Nothing recorded to advance to: suspend again, but re-point the
		// snapshot at the new input so its re-delivery is recognized too.
		refreshed := ec.Snapshot(node.Slug, "")
		if err := persistSnapshot(ctx, rv, refreshed, h.logger); err != nil {
			return nil, err
		}
		rv.FinalEndState = waitingAt(node.Slug)
		return &NodeResult{}, nil
	}

	h.logger.DebugContext(ctx, "wait resumed by new input",
		slog.String("node", node.Slug),
		slog.String("next", snap.NextStepSlug))
	rv.emit(ctx, schema.EventWaitResumed, node.Slug, map[string]any{
		"next": snap.NextStepSlug,
	})

	updates := &ContextUpdates{
		LastStep: map[string]any{"user_input": rv.InputText},
	}
	return &NodeResult{NextSlug: snap.NextStepSlug, Updates: updates}, nil
}

func (h *waitHandler) firstArrival(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	rv := ec.Runtime
	updates := &ContextUpdates{}

	var message string
	if raw := node.StringParam("message", ""); raw != "" {
		rendered, err := h.eval.Render(ctx, raw, ec.State, ec.LastStep)
		if err != nil {
			return nil, err
		}
		message = expressions.Stringify(rendered)
	}
	if message != "" {
		updates.Conversation = []schema.MessageItem{{
			ID:      uuid.NewString(),
			Role:    schema.RoleAssistant,
			Content: message,
		}}
		updates.Steps = []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: message,
		}}
	}

	next := followOn(ec, node.Slug)

	snap := ec.Snapshot(node.Slug, next)
	snap.Conversation = append(snap.Conversation, updates.Conversation...)
	if err := persistSnapshot(ctx, rv, snap, h.logger); err != nil {
		return nil, err
	}

	h.logger.DebugContext(ctx, "wait started",
		slog.String("node", node.Slug),
		slog.String("next", next))
	rv.emit(ctx, schema.EventWaitStarted, node.Slug, map[string]any{
		"message": message,
	})

	rv.FinalEndState = waitingAt(node.Slug)
	return &NodeResult{Updates: updates}, nil
}

func (h *waitHandler) loadSnapshot(ctx context.Context, rv *RuntimeVars) (*schema.WaitStateSnapshot, error) {
	var snap *schema.WaitStateSnapshot
	err := withRetries(ctx, rv.SnapshotRetry, h.logger, "load snapshot", func(ctx context.Context) error {
		loaded, err := rv.Snapshots.LoadSnapshot(ctx, rv.ThreadID)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"load snapshot for thread %q: %s", rv.ThreadID, err.Error()).WithCause(err)
		}
		snap = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// waitingAt builds the suspension end state for a node.
func waitingAt(slug string) *schema.EndState {
	return &schema.EndState{
		StatusType: schema.EndStatusWaiting,
		Reason:     "awaiting user input",
		NodeSlug:   slug,
	}
}

// persistSnapshot saves a resume point with retries. A nil snapshot is
// rejected here rather than passed through: the store treats nil as a
// no-op, and callers of this helper always mean to persist something.
func persistSnapshot(ctx context.Context, rv *RuntimeVars, snap *schema.WaitStateSnapshot, logger *slog.Logger) error {
	if rv.Snapshots == nil {
		return schema.NewError(schema.ErrCodeConfig, "no snapshot store configured")
	}
	if snap == nil {
		return schema.NewError(schema.ErrCodeExecution, "refusing to persist a nil snapshot")
	}

	err := withRetries(ctx, rv.SnapshotRetry, logger, "save snapshot", func(ctx context.Context) error {
		if err := rv.Snapshots.SaveSnapshot(ctx, rv.ThreadID, snap); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"save snapshot for thread %q at node %q: %s", rv.ThreadID, snap.Slug, err.Error()).
				WithCause(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rv.SnapshotSaved = true
	return nil
}
