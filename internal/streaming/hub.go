package streaming

import (
	"context"
	"time"
)

// Event is a real-time notification emitted while a run executes: step
// lifecycle, condition outcomes, loop iterations, watch output, branch
// progress. Consumers subscribe through an EventHub; the engine never
// blocks on them.
type Event struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Branch   string         `json:"branch,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at,omitempty"`
}

// Filter narrows a subscription to one thread, one run, or a set of event
// types. Zero values match everything.
type Filter struct {
	ThreadID string   `json:"thread_id,omitempty"`
	RunID    string   `json:"run_id,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
