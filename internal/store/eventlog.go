package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowstate/flowstate/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. Uses an immediate write lock so concurrent appenders cannot
// interleave the sequence read with the insert.
func (el *EventLog) AppendEvent(ctx context.Context, event *RunEvent) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; force write-lock
	// acquisition up front with a write-intent noop.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (thread_id, run_id, step_slug, event_type, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ThreadID, event.RunID, optStr(event.StepSlug), event.Type,
		optJSON(event.Payload), seq, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetThreadEvents returns events across all of a thread's runs.
func (el *EventLog) GetThreadEvents(ctx context.Context, threadID string, filter EventFilter) ([]*RunEvent, error) {
	return el.store.GetThreadEvents(ctx, threadID, filter)
}

// ReplayRunTrail replays a run's event log and reconstructs the trail of
// completed steps in execution order. Returns an error if sequence gaps are
// detected, since a gap means the log is not a faithful record of the run.
func (el *EventLog) ReplayRunTrail(ctx context.Context, runID string) ([]schema.StepSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	var trail []schema.StepSummary
	for _, e := range events {
		if e.Type != schema.EventStepCompleted || len(e.Payload) == 0 {
			continue
		}
		var s schema.StepSummary
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return nil, fmt.Errorf("decode step summary at sequence %d: %w", e.Sequence, err)
		}
		if s.Key == "" {
			s.Key = e.StepSlug
		}
		trail = append(trail, s)
	}
	return trail, nil
}
