package schema

// StepSummary is one entry of the observability trail a run accumulates:
// which step ran, under what title, and what it said.
type StepSummary struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Output string `json:"output,omitempty"`
}

// WaitStateSnapshot is the minimal persisted state needed to resume a
// suspended run: where it paused, which input item caused the pause, and the
// durable context (state + conversation) as of the pause.
//
// Version guards the serialized format; bump it when fields change meaning.
type WaitStateSnapshot struct {
	Version      int            `json:"version"`
	Slug         string         `json:"slug"`
	InputItemID  string         `json:"input_item_id,omitempty"`
	Conversation []MessageItem  `json:"conversation,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	// NextStepSlug is the pre-resolved transition target to advance to when
	// a genuinely new input arrives. Empty means suspend again on resume.
	NextStepSlug string `json:"next_step_slug,omitempty"`
	// BranchID/BranchLabel identify the parallel branch the run paused
	// inside, when the pause happened under a parallel_split.
	BranchID    string `json:"branch_id,omitempty"`
	BranchLabel string `json:"branch_label,omitempty"`
}

// SnapshotVersion is the current WaitStateSnapshot serialization version.
const SnapshotVersion = 1

// ScoreResult is one evaluated scoring entry from an end node.
type ScoreResult struct {
	VariableID string `json:"variable_id"`
	Value      any    `json:"value"`
	Maximum    any    `json:"maximum,omitempty"`
}

// EndState describes how a run stopped: the end node's status descriptor, or
// a synthesized waiting state when a handler suspended the run.
type EndState struct {
	StatusType string        `json:"status_type"`
	Reason     string        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	NodeSlug   string        `json:"node_slug,omitempty"`
	Scores     []ScoreResult `json:"scores,omitempty"`
}

// Waiting reports whether the end state represents a suspension.
func (e *EndState) Waiting() bool {
	return e != nil && e.StatusType == EndStatusWaiting
}
