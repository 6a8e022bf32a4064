package engine

import (
	"encoding/json"
	"sort"

	"github.com/flowstate/flowstate/pkg/schema"
)

// DefaultMaxIterations bounds total node visits per run. A graph that trips
// it almost certainly contains an unconditional cycle.
const DefaultMaxIterations = 1000

// stateBagKey is the reserved sub-map of State holding internal loop
// bookkeeping. Handlers never expose it as user-visible output.
const stateBagKey = "state"

// parallelOutputsKey is where a split parks merged branch results until the
// matching join consumes them.
const parallelOutputsKey = "parallel_outputs"

// ExecutionContext is the full mutable record of one logical run: durable
// state, conversation history, the previous step's output, the step trail,
// the position in the graph, and the collaborator bag. It is owned by a
// single execution; parallel branches operate on isolated deep copies.
type ExecutionContext struct {
	Workflow *schema.Workflow

	// State is the durable variable map. It is the only data besides the
	// conversation that survives a suspend/resume cycle. State[stateBagKey]
	// is reserved for loop counters and entry caches.
	State map[string]any

	// Conversation is the append-only role-tagged history fed to agents.
	Conversation []schema.MessageItem

	// LastStep describes the most recent step's output, read by handlers
	// as "input". Nil until some step produces output.
	LastStep map[string]any

	// Steps is the append-only observability trail.
	Steps []schema.StepSummary

	CurrentSlug string

	NodesBySlug   map[string]*schema.Step
	EdgesBySource map[string][]schema.Transition

	Runtime *RuntimeVars

	FinalOutput   any
	FinalNodeSlug string
	IsFinished    bool

	guardCounter  int
	maxIterations int
}

// NodeResult is the handler protocol: where to go next, whether the run is
// finished, what to patch into the context, and what the node produced.
// NextSlug=="" with Finished==false means "suspend the run here".
type NodeResult struct {
	NextSlug string
	Finished bool
	Updates  *ContextUpdates
	Output   any
}

// ContextUpdates is the partial patch a handler requests. State merges
// shallowly (named top-level keys replaced, never deep-merged); Conversation
// and Steps append; LastStep replaces when non-nil.
type ContextUpdates struct {
	State        map[string]any
	Conversation []schema.MessageItem
	LastStep     map[string]any
	Steps        []schema.StepSummary
}

// NewExecutionContext builds a context positioned at the workflow's start
// node, with node and edge indexes precomputed. initialState may be nil.
func NewExecutionContext(wf *schema.Workflow, initialState map[string]any, rv *RuntimeVars) (*ExecutionContext, error) {
	start := wf.StartStep()
	if start == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"workflow %q has no start node", wf.Slug)
	}

	ec := newContextAt(wf, initialState, rv, start.Slug)
	return ec, nil
}

// RestoredExecutionContext builds a context positioned at a snapshot's
// paused node, carrying the snapshot's state and conversation.
func RestoredExecutionContext(wf *schema.Workflow, snap *schema.WaitStateSnapshot, rv *RuntimeVars) (*ExecutionContext, error) {
	if snap == nil || snap.Slug == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "cannot restore run: empty snapshot")
	}
	if wf.StepBySlug(snap.Slug) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"cannot restore run: snapshot node %q no longer exists in workflow %q", snap.Slug, wf.Slug)
	}

	ec := newContextAt(wf, snap.State, rv, snap.Slug)
	ec.Conversation = append(ec.Conversation, snap.Conversation...)
	return ec, nil
}

func newContextAt(wf *schema.Workflow, state map[string]any, rv *RuntimeVars, slug string) *ExecutionContext {
	if state == nil {
		state = make(map[string]any)
	}
	if rv == nil {
		rv = &RuntimeVars{}
	}

	maxIter := wf.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	ec := &ExecutionContext{
		Workflow:      wf,
		State:         state,
		CurrentSlug:   slug,
		NodesBySlug:   indexNodes(wf),
		EdgesBySource: indexEdges(wf),
		Runtime:       rv,
		maxIterations: maxIter,
	}
	ec.StateBag()
	return ec
}

// indexNodes maps enabled steps by slug. Disabled steps are invisible to
// the driver; an edge pointing at one is a configuration error at runtime.
func indexNodes(wf *schema.Workflow) map[string]*schema.Step {
	nodes := make(map[string]*schema.Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if !s.IsEnabled() {
			continue
		}
		nodes[s.Slug] = s
	}
	return nodes
}

// indexEdges groups transitions by source slug, ascending by transition id
// so default-edge tie-breaks are deterministic.
func indexEdges(wf *schema.Workflow) map[string][]schema.Transition {
	edges := make(map[string][]schema.Transition)
	for _, t := range wf.Transitions {
		edges[t.SourceSlug] = append(edges[t.SourceSlug], t)
	}
	for slug := range edges {
		es := edges[slug]
		sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
	}
	return edges
}

// StateBag returns the reserved internal sub-map of State, creating it if a
// restored snapshot or caller-provided state lacks one.
func (ec *ExecutionContext) StateBag() map[string]any {
	if bag, ok := ec.State[stateBagKey].(map[string]any); ok {
		return bag
	}
	bag := make(map[string]any)
	ec.State[stateBagKey] = bag
	return bag
}

// Apply merges a handler's context updates: shallow state merge, appends for
// conversation and steps, wholesale replacement for LastStep.
func (ec *ExecutionContext) Apply(u *ContextUpdates) {
	if u == nil {
		return
	}
	for k, v := range u.State {
		ec.State[k] = v
	}
	if len(u.Conversation) > 0 {
		ec.Conversation = append(ec.Conversation, u.Conversation...)
	}
	if u.LastStep != nil {
		ec.LastStep = u.LastStep
	}
	if len(u.Steps) > 0 {
		ec.Steps = append(ec.Steps, u.Steps...)
	}
}

// countVisit increments the guard counter, failing once the iteration cap is
// reached. The cap converts runaway loops into a configuration error.
func (ec *ExecutionContext) countVisit() error {
	ec.guardCounter++
	if ec.guardCounter >= ec.maxIterations {
		return schema.NewErrorf(schema.ErrCodeGuardExceeded,
			"workflow exceeded %d node visits; the graph likely contains an unconditional cycle",
			ec.maxIterations).
			WithStep(ec.CurrentSlug).
			WithSteps(ec.Steps)
	}
	return nil
}

// Visits returns the number of node visits counted so far.
func (ec *ExecutionContext) Visits() int {
	return ec.guardCounter
}

// BranchCopy creates the isolated deep copy a parallel branch executes on:
// its own state, conversation and last-step maps (copied through JSON, per
// the defined snapshot encoding), an empty step trail, a fresh guard, and a
// branch-scoped runtime clone.
func (ec *ExecutionContext) BranchCopy(startSlug, branchID, label string) (*ExecutionContext, error) {
	state, err := deepCopyMap(ec.State)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"copy state for branch %q: %s", startSlug, err.Error()).WithCause(err)
	}
	lastStep, err := deepCopyMap(ec.LastStep)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"copy last-step context for branch %q: %s", startSlug, err.Error()).WithCause(err)
	}

	branch := &ExecutionContext{
		Workflow:      ec.Workflow,
		State:         state,
		Conversation:  append([]schema.MessageItem(nil), ec.Conversation...),
		LastStep:      lastStep,
		CurrentSlug:   startSlug,
		NodesBySlug:   ec.NodesBySlug,
		EdgesBySource: ec.EdgesBySource,
		Runtime:       ec.Runtime.branchClone(branchID, label),
		maxIterations: ec.maxIterations,
	}
	branch.StateBag()
	return branch, nil
}

// Snapshot serializes the context's durable subset as a resume point at the
// given node.
func (ec *ExecutionContext) Snapshot(slug, nextStepSlug string) *schema.WaitStateSnapshot {
	return &schema.WaitStateSnapshot{
		Version:      schema.SnapshotVersion,
		Slug:         slug,
		InputItemID:  ec.Runtime.InputItemID,
		Conversation: append([]schema.MessageItem(nil), ec.Conversation...),
		State:        ec.State,
		NextStepSlug: nextStepSlug,
		BranchID:     ec.Runtime.BranchID,
		BranchLabel:  ec.Runtime.BranchLabel,
	}
}

// deepCopyMap copies a map through a JSON round-trip. Values that defy JSON
// (channels, funcs) are configuration smells and surface as errors here.
func deepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}
