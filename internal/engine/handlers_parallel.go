package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/pkg/schema"
)

// --- parallel_split ---

type parallelSplitHandler struct {
	runner *Machine
	logger *slog.Logger
}

func (h *parallelSplitHandler) Kind() schema.StepKind { return schema.KindParallelSplit }

// Execute fans the run out over its outgoing edges: each branch executes on
// an isolated deep copy of the context, concurrently, stopping at the
// configured join node and never past it. All branches are awaited; the
// first failure aborts the whole split with no partial merge. On success
// the branch results land under state["parallel_outputs"][join][branch]
// and the branch step trails are appended to the parent's, in branch order.
//
// A branch that suspends (wait node inside a branch) suspends the whole
// run without merging; its handler already persisted the resume point with
// the branch identity stamped in.
func (h *parallelSplitHandler) Execute(ctx context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	edges := ec.EdgesBySource[node.Slug]
	if len(edges) < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parallel_split node %q needs at least 2 outgoing edges, has %d", node.Slug, len(edges))
	}

	joinSlug := node.StringParam("join_slug", "")
	if joinSlug == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parallel_split node %q: missing join_slug parameter", node.Slug)
	}
	join, ok := ec.NodesBySlug[joinSlug]
	if !ok || join.Kind != schema.KindParallelJoin {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parallel_split node %q: join_slug %q is not an enabled parallel_join node", node.Slug, joinSlug)
	}

	seen := make(map[string]bool, len(edges))
	for _, edge := range edges {
		if seen[edge.TargetSlug] {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"parallel_split node %q: duplicate branch target %q", node.Slug, edge.TargetSlug)
		}
		seen[edge.TargetSlug] = true
	}

	type branchRun struct {
		target string
		label  string
		ec     *ExecutionContext
		err    error
	}

	branches := make([]*branchRun, len(edges))
	for i, edge := range edges {
		label := edge.Condition
		if edge.IsDefault() {
			label = edge.TargetSlug
		}
		branchEC, err := ec.BranchCopy(edge.TargetSlug, uuid.NewString(), label)
		if err != nil {
			return nil, err
		}
		branches[i] = &branchRun{target: edge.TargetSlug, label: label, ec: branchEC}
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, br := range branches {
		br.ec.Runtime.emit(ctx, schema.EventBranchStarted, br.target, map[string]any{
			"label": br.label,
			"join":  joinSlug,
		})

		wg.Add(1)
		go func(br *branchRun) {
			defer wg.Done()
			if err := h.runner.runUntil(branchCtx, br.ec, joinSlug); err != nil {
				br.err = err
				cancel()
			}
		}(br)
	}
	wg.Wait()

	for _, br := range branches {
		if br.err != nil && !isCancellation(br.err) {
			return nil, h.branchError(br.err, br.target)
		}
	}
	for _, br := range branches {
		if br.err != nil {
			return nil, h.branchError(br.err, br.target)
		}
	}

	for _, br := range branches {
		if br.ec.Runtime.FinalEndState.Waiting() {
			h.logger.DebugContext(ctx, "branch suspended, suspending run",
				slog.String("split", node.Slug),
				slog.String("branch", br.target))
			ec.Runtime.FinalEndState = br.ec.Runtime.FinalEndState
			if br.ec.Runtime.SnapshotSaved {
				ec.Runtime.SnapshotSaved = true
			}
			return &NodeResult{}, nil
		}
	}

	outputs := make(map[string]any, len(branches))
	updates := &ContextUpdates{}
	for _, br := range branches {
		br.ec.Runtime.emit(ctx, schema.EventBranchCompleted, br.target, map[string]any{
			"label": br.label,
			"join":  joinSlug,
		})

		delete(br.ec.State, stateBagKey)
		outputs[br.target] = map[string]any{
			"label":       br.label,
			"finalOutput": branchFinalOutput(br.ec),
			"lastContext": br.ec.LastStep,
			"state":       br.ec.State,
			"steps":       br.ec.Steps,
		}
		updates.Steps = append(updates.Steps, br.ec.Steps...)
	}

	po, _ := ec.State[parallelOutputsKey].(map[string]any)
	if po == nil {
		po = make(map[string]any)
	}
	po[joinSlug] = outputs
	updates.State = map[string]any{parallelOutputsKey: po}

	ec.Runtime.emit(ctx, schema.EventParallelMerged, node.Slug, map[string]any{
		"join":     joinSlug,
		"branches": len(branches),
	})

	return &NodeResult{NextSlug: joinSlug, Updates: updates}, nil
}

func (h *parallelSplitHandler) branchError(err error, branch string) error {
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.WithDetail("branch", branch)
	}
	return schema.NewErrorf(schema.ErrCodeExecution,
		"branch %q failed: %s", branch, err.Error()).WithCause(err)
}

// branchFinalOutput picks the output a branch contributes to the merge: the
// end node's output when the branch finished outright, otherwise the most
// informative value it produced before reaching the join barrier.
func branchFinalOutput(br *ExecutionContext) any {
	if br.IsFinished {
		return br.FinalOutput
	}
	return bestObservedValue(br)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// --- parallel_join ---

type parallelJoinHandler struct{}

func (h *parallelJoinHandler) Kind() schema.StepKind { return schema.KindParallelJoin }

// Execute consumes the merge entry its split parked under this node's slug:
// reads it, removes it from state, and exposes it as the step's output. A
// missing entry is tolerated — a run resumed inside a single branch arrives
// here without one — and the run simply continues.
func (h *parallelJoinHandler) Execute(_ context.Context, node *schema.Step, ec *ExecutionContext) (*NodeResult, error) {
	next := followOn(ec, node.Slug)

	po, _ := ec.State[parallelOutputsKey].(map[string]any)
	entry, ok := po[node.Slug]
	if !ok {
		return &NodeResult{NextSlug: next}, nil
	}

	delete(po, node.Slug)
	if len(po) == 0 {
		delete(ec.State, parallelOutputsKey)
	}

	branchCount := 0
	if m, isMap := entry.(map[string]any); isMap {
		branchCount = len(m)
	}

	updates := &ContextUpdates{
		LastStep: map[string]any{
			"output":        entry,
			"output_parsed": entry,
		},
		Steps: []schema.StepSummary{{
			Key:    node.Slug,
			Title:  node.DisplayTitle(),
			Output: fmt.Sprintf("merged %d branches", branchCount),
		}},
	}
	if len(po) > 0 {
		updates.State = map[string]any{parallelOutputsKey: po}
	}

	return &NodeResult{NextSlug: next, Updates: updates, Output: entry}, nil
}
