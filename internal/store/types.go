package store

import (
	"encoding/json"
	"time"

	"github.com/flowstate/flowstate/pkg/schema"
)

// ThreadStatus is the lifecycle state of a chat thread.
type ThreadStatus string

const (
	ThreadActive  ThreadStatus = "active"
	ThreadWaiting ThreadStatus = "waiting"
	ThreadClosed  ThreadStatus = "closed"
	ThreadFailed  ThreadStatus = "failed"
)

// Thread is the persisted representation of a chat thread: which workflow
// drives it, its lifecycle status, and its durable context. The snapshot
// column is the authoritative resume point; state and conversation are the
// denormalized current view for status queries.
type Thread struct {
	ID           string          `json:"id"`
	WorkflowSlug string          `json:"workflow_slug"`
	Status       ThreadStatus    `json:"status"`
	State        json.RawMessage `json:"state,omitempty"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Run is one execution segment on a thread: from a trigger to completion,
// suspension, or failure.
type Run struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"thread_id"`
	WorkflowSlug string           `json:"workflow_slug"`
	Status       schema.RunStatus `json:"status"`
	InputItemID  string           `json:"input_item_id,omitempty"`
	EndStatus    string           `json:"end_status,omitempty"`
	EndReason    string           `json:"end_reason,omitempty"`
	Output       json.RawMessage  `json:"output,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RunEvent is an immutable entry in the per-run event log. Sequence is
// monotonic within a run, assigned by the store on append.
type RunEvent struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	StepSlug  string          `json:"step_slug,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorkflowRecord is a registered workflow definition, addressed by slug.
// The numeric id exists for nested-call references and cycle identity.
type WorkflowRecord struct {
	ID         int64           `json:"id"`
	Slug       string          `json:"slug"`
	Name       string          `json:"name,omitempty"`
	Definition schema.Workflow `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ScheduledTrigger fires a workflow on a cron schedule. Each firing creates
// a fresh thread carrying the configured input text.
type ScheduledTrigger struct {
	ID             string     `json:"id"`
	WorkflowSlug   string     `json:"workflow_slug"`
	CronExpression string     `json:"cron_expression"`
	Input          string     `json:"input,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// --- Filter and update types ---

// ThreadFilter specifies criteria for listing threads.
type ThreadFilter struct {
	Status       *ThreadStatus `json:"status,omitempty"`
	WorkflowSlug string        `json:"workflow_slug,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflow records.
type WorkflowFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ThreadID string            `json:"thread_id,omitempty"`
	Status   *schema.RunStatus `json:"status,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	EndStatus   string            `json:"end_status,omitempty"`
	EndReason   string            `json:"end_reason,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing thread events. SinceID pages on
// the global log id; per-run sequences restart at one for every run.
type EventFilter struct {
	Type    string `json:"event_type,omitempty"`
	SinceID int64  `json:"since_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// TriggerFilter specifies criteria for listing scheduled triggers.
type TriggerFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	WorkflowSlug string `json:"workflow_slug,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a scheduled trigger.
type TriggerUpdate struct {
	Enabled        *bool      `json:"enabled,omitempty"`
	CronExpression string     `json:"cron_expression,omitempty"`
	Input          *string    `json:"input,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
}
