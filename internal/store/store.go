package store

import (
	"context"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Threads
	UpsertThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error)

	// Wait-state snapshots. Save with a nil snapshot is a no-op, never a
	// delete; the stored snapshot is the thread's only resume point and must
	// not be destroyable by accident. ClearSnapshot is the deliberate form.
	SaveSnapshot(ctx context.Context, threadID string, snap *schema.WaitStateSnapshot) error
	LoadSnapshot(ctx context.Context, threadID string) (*schema.WaitStateSnapshot, error)
	ClearSnapshot(ctx context.Context, threadID string) error

	// Workflow registry
	UpsertWorkflow(ctx context.Context, rec *WorkflowRecord) error
	GetWorkflow(ctx context.Context, slug string) (*WorkflowRecord, error)
	GetWorkflowByID(ctx context.Context, id int64) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, slug string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)
	GetThreadEvents(ctx context.Context, threadID string, filter EventFilter) ([]*RunEvent, error)

	// Scheduled triggers
	CreateTrigger(ctx context.Context, trigger *ScheduledTrigger) error
	GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
