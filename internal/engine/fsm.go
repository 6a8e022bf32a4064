package engine

import (
	"context"
	"sync"

	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the store's event log; the FSM emits a
// lifecycle event on every transition that has one.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.RunEvent) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle transitions: pending → running →
// waiting/completed/failed, with waiting → running on resume. Transitions
// out of a terminal status are invalid.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits lifecycle events via the appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a specific transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a specific transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding lifecycle event. The caller persists the new status.
func (f *RunFSM) Transition(ctx context.Context, threadID, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{
				"thread_id": threadID,
				"run_id":    runID,
				"from":      string(from),
				"to":        string(to),
			})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" && f.appender != nil {
		event := &store.RunEvent{
			ThreadID: threadID,
			RunID:    runID,
			Type:     eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// runEventType maps a transition to its lifecycle event. Entering running
// means started or resumed depending on where the run came from.
func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaiting {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusWaiting:
		return schema.EventRunWaiting
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}
