package engine

import (
	"context"
	"io"
	"log/slog"

	"github.com/flowstate/flowstate/internal/expressions"
	"github.com/flowstate/flowstate/internal/logging"
	"github.com/flowstate/flowstate/pkg/schema"
)

// Machine is the workflow state machine: a driver loop that resolves the
// current node, dispatches to its handler, applies the requested context
// updates, and transitions until a handler finishes or suspends the run.
// The driver itself performs no I/O; everything effectful happens inside
// handlers through the capability bag.
type Machine struct {
	registry *Registry
	eval     *expressions.Evaluator
	loops    *expressions.CELEngine
	queries  *expressions.GoJQEngine
	logger   *slog.Logger
}

// NewMachine constructs a Machine with the full handler set registered.
// Handler-table exhaustiveness is verified here, once, not per dispatch.
func NewMachine(logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	loops, err := expressions.NewCELEngine()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"initialize loop condition engine: %s", err.Error()).WithCause(err)
	}

	m := &Machine{
		eval:    expressions.NewEvaluator(logger),
		loops:   loops,
		queries: expressions.NewGoJQEngine(),
		logger:  logger,
	}

	r := NewRegistry()
	r.Register(&startHandler{})
	r.Register(&endHandler{eval: m.eval})
	r.Register(&conditionHandler{eval: m.eval})
	r.Register(&whileHandler{loops: loops, logger: logger})
	r.Register(&assignHandler{eval: m.eval})
	r.Register(&watchHandler{logger: logger})
	r.Register(&transformHandler{eval: m.eval, queries: m.queries})
	r.Register(&assistantMessageHandler{eval: m.eval})
	r.Register(&waitHandler{eval: m.eval, logger: logger})
	r.Register(&parallelSplitHandler{runner: m, logger: logger})
	r.Register(&parallelJoinHandler{})
	r.Register(&agentHandler{eval: m.eval})
	r.Register(&voiceAgentHandler{eval: m.eval, logger: logger})
	r.Register(&widgetHandler{eval: m.eval, logger: logger})
	r.Register(&vectorIngestHandler{eval: m.eval, logger: logger})
	r.Register(&nestedWorkflowHandler{runner: m})

	if err := r.CheckComplete(); err != nil {
		return nil, err
	}
	m.registry = r

	return m, nil
}

// Execute drives the context until a handler finishes the run, suspends it,
// or fails. On return the context's IsFinished / Runtime.FinalEndState
// fields describe the outcome; a nil error covers both completion and
// suspension — suspension is an expected outcome, not a failure.
func (m *Machine) Execute(ctx context.Context, ec *ExecutionContext) error {
	return m.run(ctx, ec, "")
}

// runUntil drives a branch context, stopping when it reaches stopAt without
// executing it. Parallel branches use this to halt at the join barrier.
func (m *Machine) runUntil(ctx context.Context, ec *ExecutionContext, stopAt string) error {
	return m.run(ctx, ec, stopAt)
}

func (m *Machine) run(ctx context.Context, ec *ExecutionContext, stopAt string) error {
	for {
		if err := ctx.Err(); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"run aborted: %s", err.Error()).WithStep(ec.CurrentSlug).WithCause(err)
		}
		if stopAt != "" && ec.CurrentSlug == stopAt {
			return nil
		}

		if err := ec.countVisit(); err != nil {
			return err
		}

		node, ok := ec.NodesBySlug[ec.CurrentSlug]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeConfig,
				"no node %q in workflow %q", ec.CurrentSlug, ec.Workflow.Slug).
				WithStep(ec.CurrentSlug).
				WithSteps(ec.Steps)
		}

		handler := m.registry.Handler(node.Kind)
		if handler == nil {
			return schema.NewErrorf(schema.ErrCodeConfig,
				"no handler registered for node kind %q", node.Kind).
				WithStep(node.Slug).
				WithStepTitle(node.DisplayTitle()).
				WithSteps(ec.Steps)
		}

		stepCtx := logging.WithStepSlug(ctx, node.Slug)
		m.logger.DebugContext(stepCtx, "executing node",
			slog.String("kind", string(node.Kind)),
			slog.Int("visit", ec.Visits()))
		ec.Runtime.emit(stepCtx, schema.EventStepStarted, node.Slug, map[string]any{
			"kind":  string(node.Kind),
			"visit": ec.Visits(),
		})

		res, err := handler.Execute(stepCtx, node, ec)
		if err != nil {
			ec.Runtime.emit(stepCtx, schema.EventStepFailed, node.Slug, map[string]any{
				"error": err.Error(),
			})
			return stepError(err, node, ec)
		}

		ec.Apply(res.Updates)

		// Summaries merged in from branch or nested runs were already
		// emitted by those runs; re-emitting would double-log them.
		if res.Updates != nil && node.Kind != schema.KindParallelSplit && node.Kind != schema.KindNestedWorkflow {
			for _, s := range res.Updates.Steps {
				ec.Runtime.emit(stepCtx, schema.EventStepCompleted, node.Slug, map[string]any{
					"key":    s.Key,
					"title":  s.Title,
					"output": s.Output,
				})
			}
		}

		if res.Finished {
			ec.IsFinished = true
			ec.FinalOutput = res.Output
			ec.FinalNodeSlug = ec.CurrentSlug
			return nil
		}
		if res.NextSlug != "" {
			ec.CurrentSlug = res.NextSlug
			continue
		}

		// No next node and not finished: the handler suspended the run.
		// Synthesize a waiting end state unless the handler already left a
		// more specific one.
		if !ec.Runtime.FinalEndState.Waiting() {
			ec.Runtime.FinalEndState = &schema.EndState{
				StatusType: schema.EndStatusWaiting,
				Reason:     "awaiting external input",
				NodeSlug:   ec.CurrentSlug,
			}
		}
		m.logger.DebugContext(stepCtx, "run suspended",
			slog.String("reason", ec.Runtime.FinalEndState.Reason))
		return nil
	}
}

// stepError guarantees the failure trail the caller needs: a FlowError
// carrying the offending step's slug and title plus the steps completed so
// far. Handler-supplied values win over the driver's.
func stepError(err error, node *schema.Step, ec *ExecutionContext) error {
	fe, ok := schema.AsFlowError(err)
	if !ok {
		fe = schema.NewErrorf(schema.ErrCodeExecution,
			"node %q failed: %s", node.Slug, err.Error()).WithCause(err)
	}
	if fe.StepSlug == "" {
		fe.WithStep(node.Slug)
	}
	if _, ok := fe.Details["step_title"]; !ok {
		fe.WithStepTitle(node.DisplayTitle())
	}
	if _, ok := fe.Details["steps_so_far"]; !ok {
		fe.WithSteps(ec.Steps)
	}
	return fe
}
