package schema

// Event type constants for the run event log and the streaming hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunWaiting   = "run_waiting"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIteration      = "loop_iteration"
	EventLoopExited         = "loop_exited"
	EventBranchStarted      = "branch_started"
	EventBranchCompleted    = "branch_completed"
	EventParallelMerged     = "parallel_merged"
	EventWaitStarted        = "wait_started"
	EventWaitResumed        = "wait_resumed"

	EventWatchOutput    = "watch_output"
	EventAgentEvent     = "agent_event"
	EventVectorIngested = "vector_ingested"
	EventVectorSkipped  = "vector_skipped"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// EndStatusClosed is the default end-node status type: the run is closed and
// should not silently accept further input.
const EndStatusClosed = "closed"

// EndStatusWaiting marks the synthesized end state of a suspended run.
const EndStatusWaiting = "waiting"
