package engine

import (
	"context"

	"github.com/flowstate/flowstate/internal/streaming"
	"github.com/flowstate/flowstate/pkg/schema"
)

// AgentDescriptor identifies the agent a step delegates to and the rendered
// instructions it should run with.
type AgentDescriptor struct {
	Slug         string         `json:"slug"`
	Model        string         `json:"model,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// AgentOutput is the terminal result of an Agent Runner invocation. Text is
// always present for non-empty results; Structured and Parsed are optional
// richer forms, preferred by downstream consumers when set.
type AgentOutput struct {
	Text       string         `json:"text,omitempty"`
	Parsed     any            `json:"parsed,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
}

// AgentRunner executes an agent against a linear conversation history and
// returns its final output. Streaming events are the runner's own concern;
// the engine consumes only the terminal result.
type AgentRunner interface {
	Run(ctx context.Context, desc AgentDescriptor, conversation []schema.MessageItem, runContext map[string]any) (*AgentOutput, error)
}

// VoiceSession is the handle of a started real-time voice session. The
// engine only records it; transport mechanics live with the collaborator.
type VoiceSession struct {
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// VoiceRunner starts voice sessions. The run suspends after the handoff.
type VoiceRunner interface {
	Start(ctx context.Context, desc AgentDescriptor, conversation []schema.MessageItem) (*VoiceSession, error)
}

// SnapshotStore persists WaitStateSnapshots keyed by thread. Save with a nil
// snapshot must be a no-op, never a delete: the stored snapshot is the only
// resume point and the engine must not be able to destroy it accidentally.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, threadID string, snap *schema.WaitStateSnapshot) error
	LoadSnapshot(ctx context.Context, threadID string) (*schema.WaitStateSnapshot, error)
}

// VectorIngestor pushes a document into a vector store. Fire-and-forget from
// the engine's perspective: failures are logged, never fatal to the run.
type VectorIngestor interface {
	Ingest(ctx context.Context, storeSlug, docID string, document, metadata map[string]any) error
}

// WidgetAwaiter blocks until the user acts on a rendered widget, or reports
// nil when no action is available and the run should suspend instead.
type WidgetAwaiter interface {
	AwaitAction(ctx context.Context, node *schema.Step, config map[string]any) (map[string]any, error)
}

// WorkflowResolver loads a workflow by reference for nested calls.
type WorkflowResolver interface {
	ResolveWorkflow(ctx context.Context, ref string) (*schema.Workflow, error)
}

// RuntimeVars is the capability bag handed to every handler through the
// ExecutionContext: collaborator handles, read-only run parameters, and the
// per-run fields the handlers and driver communicate through. One instance
// per run; parallel branches get shallow clones so collaborator handles stay
// shared while per-branch fields remain isolated.
type RuntimeVars struct {
	ThreadID string
	RunID    string

	// InputItemID identifies the user-input item that triggered this run
	// segment. The wait and while handlers compare it against persisted
	// state to tell a new message apart from a re-delivery.
	InputItemID string
	// InputText is the triggering message's text, folded into context when
	// a wait node resumes.
	InputText string

	// Globals are read-only run parameters, visible to loop conditions.
	Globals map[string]any

	Agents    AgentRunner
	Voice     VoiceRunner
	Snapshots SnapshotStore
	Vectors   VectorIngestor
	Widgets   WidgetAwaiter
	Workflows WorkflowResolver

	// Events is the streaming side-channel; nil disables emission.
	Events streaming.EventHub

	// IngestBreaker guards vector ingestion per store slug; nil disables.
	IngestBreaker *BreakerRegistry

	// SnapshotRetry bounds snapshot persistence retries; the zero value
	// applies DefaultSnapshotRetry.
	SnapshotRetry RetryPolicy

	// CallStack holds the identifiers of every workflow on the current
	// nested-invocation chain, for cycle detection.
	CallStack []string

	// BranchID/BranchLabel are set on branch clones running under a
	// parallel_split, and stamped into any snapshot persisted there.
	BranchID    string
	BranchLabel string

	// FinalEndState is written by the end handler (or synthesized by the
	// driver on suspension) for the caller to inspect.
	FinalEndState *schema.EndState

	// SnapshotSaved records that a handler persisted a resume point during
	// this segment, so the caller's defensive save can stay out of the way.
	SnapshotSaved bool
}

// branchClone returns a copy of the bag for a parallel branch: shared
// collaborator handles, isolated per-branch result fields.
func (rv *RuntimeVars) branchClone(branchID, label string) *RuntimeVars {
	clone := *rv
	clone.BranchID = branchID
	clone.BranchLabel = label
	clone.FinalEndState = nil
	clone.SnapshotSaved = false
	clone.CallStack = append([]string(nil), rv.CallStack...)
	return &clone
}

// childClone returns a copy of the bag for a nested workflow call with the
// given call stack. The child reports its own end state.
func (rv *RuntimeVars) childClone(callStack []string) *RuntimeVars {
	clone := *rv
	clone.CallStack = callStack
	clone.FinalEndState = nil
	return &clone
}

// emit publishes an event to the streaming hub when one is attached.
func (rv *RuntimeVars) emit(ctx context.Context, eventType, stepSlug string, payload map[string]any) {
	if rv.Events == nil {
		return
	}
	rv.Events.Publish(ctx, streaming.Event{
		Type:     eventType,
		ThreadID: rv.ThreadID,
		RunID:    rv.RunID,
		StepSlug: stepSlug,
		Branch:   rv.BranchID,
		Payload:  payload,
	})
}
