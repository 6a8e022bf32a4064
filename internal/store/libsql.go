package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Connection tuning for an embedded single-writer database. WAL keeps
// readers off the writer's back during long runs; the busy timeout covers
// the scheduler and MCP handlers contending for the one connection.
var bootPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-20000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// LibSQLStore persists threads, runs, workflow definitions, and scheduled
// resumes in a libSQL (embedded SQLite fork) database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath. A bare filesystem path is
// accepted and turned into a file URI; anything already carrying a scheme is
// passed through untouched.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = "file:" + dsn
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection: every local libsql write goes through the same file
	// handle, and the pragmas below are connection-scoped.
	db.SetMaxOpenConns(1)

	for _, p := range bootPragmas {
		// Several pragmas report their new value as a row; QueryRow accepts
		// both shapes.
		var discard string
		_ = db.QueryRow(p).Scan(&discard)
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the underlying handle for the event log's direct queries.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Threads ---

// UpsertThread inserts the thread or refreshes its denormalized view. The
// snapshot column is deliberately absent from the conflict update: after the
// initial insert it is written only through SaveSnapshot and ClearSnapshot,
// so a concurrent status refresh can never clobber a resume point.
func (s *LibSQLStore) UpsertThread(ctx context.Context, thread *Thread) error {
	status := thread.Status
	if status == "" {
		status = ThreadActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, workflow_slug, status, state, conversation, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_slug = excluded.workflow_slug,
		   status = excluded.status,
		   state = excluded.state,
		   conversation = excluded.conversation,
		   updated_at = excluded.updated_at`,
		thread.ID, thread.WorkflowSlug, string(status),
		optJSON(thread.State), optJSON(thread.Conversation), optJSON(thread.Snapshot),
		orNow(thread.CreatedAt), orNow(thread.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	t := &Thread{}
	var (
		status                    string
		state, conversation, snap sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_slug, status, state, conversation, snapshot, created_at, updated_at
		 FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkflowSlug, &status, &state, &conversation, &snap, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("thread", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = ThreadStatus(status)
	t.State = rawColumn(state)
	t.Conversation = rawColumn(conversation)
	t.Snapshot = rawColumn(snap)
	return t, nil
}

func (s *LibSQLStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowSlug != "" {
		where = append(where, "workflow_slug = ?")
		args = append(args, filter.WorkflowSlug)
	}

	query := `SELECT id, workflow_slug, status, state, conversation, snapshot, created_at, updated_at FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreads(rows)
}

func scanThreads(rows *sql.Rows) ([]*Thread, error) {
	var threads []*Thread
	for rows.Next() {
		t := &Thread{}
		var (
			status                    string
			state, conversation, snap sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.WorkflowSlug, &status, &state, &conversation, &snap,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = ThreadStatus(status)
		t.State = rawColumn(state)
		t.Conversation = rawColumn(conversation)
		t.Snapshot = rawColumn(snap)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// --- Wait-state snapshots ---

// SaveSnapshot persists the wait-state snapshot for a thread. A nil snapshot
// is a no-op: the caller cleared nothing and the stored resume point stays
// intact. Use ClearSnapshot to remove one.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, threadID string, snap *schema.WaitStateSnapshot) error {
	if snap == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET snapshot = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(raw), threadID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "thread", threadID)
}

// LoadSnapshot returns the thread's saved snapshot, or nil when the thread
// has none.
func (s *LibSQLStore) LoadSnapshot(ctx context.Context, threadID string) (*schema.WaitStateSnapshot, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM threads WHERE id = ?`, threadID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, notFound("thread", threadID)
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	snap := &schema.WaitStateSnapshot{}
	if err := json.Unmarshal([]byte(raw.String), snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *LibSQLStore) ClearSnapshot(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET snapshot = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		threadID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "thread", threadID)
}

// --- Workflow registry ---

// UpsertWorkflow registers a workflow definition under its slug, replacing
// any previous version, and reads the assigned numeric id back into rec.
func (s *LibSQLStore) UpsertWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (slug, name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
		   name = excluded.name,
		   definition = excluded.definition,
		   updated_at = excluded.updated_at`,
		rec.Slug, optStr(rec.Name), string(def),
		orNow(rec.CreatedAt), orNow(rec.UpdatedAt),
	)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM workflows WHERE slug = ?`, rec.Slug,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("read back workflow id: %w", err)
	}
	rec.Definition.ID = rec.ID
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, slug string) (*WorkflowRecord, error) {
	return s.getWorkflow(ctx, "slug = ?", slug, slug)
}

func (s *LibSQLStore) GetWorkflowByID(ctx context.Context, id int64) (*WorkflowRecord, error) {
	return s.getWorkflow(ctx, "id = ?", id, fmt.Sprintf("%d", id))
}

func (s *LibSQLStore) getWorkflow(ctx context.Context, where string, key any, label string) (*WorkflowRecord, error) {
	rec := &WorkflowRecord{}
	var name sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, definition, created_at, updated_at FROM workflows WHERE `+where, key,
	).Scan(&rec.ID, &rec.Slug, &name, &defJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", label)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	// The registry row is authoritative for call-cycle identity.
	rec.Definition.ID = rec.ID
	if rec.Definition.Slug == "" {
		rec.Definition.Slug = rec.Slug
	}
	return rec, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := `SELECT id, slug, name, definition, created_at, updated_at FROM workflows ORDER BY slug ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var name sql.NullString
		var defJSON string
		if err := rows.Scan(&rec.ID, &rec.Slug, &name, &defJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition for %q: %w", rec.Slug, err)
		}
		rec.Definition.ID = rec.ID
		if rec.Definition.Slug == "" {
			rec.Definition.Slug = rec.Slug
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	return requireRow(res, "workflow", slug)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = schema.RunStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, workflow_slug, status, input_item_id, end_status, end_reason, output, error, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.WorkflowSlug, string(status),
		optStr(run.InputItemID), optStr(run.EndStatus), optStr(run.EndReason),
		optJSON(run.Output), optJSON(run.Error),
		optTime(run.StartedAt), optTime(run.CompletedAt),
		orNow(run.CreatedAt), orNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var (
		status                          string
		inputItem, endStatus, endReason sql.NullString
		output, errJSON                 sql.NullString
		startedAt, completedAt          sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, workflow_slug, status, input_item_id, end_status, end_reason, output, error, started_at, completed_at, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ThreadID, &r.WorkflowSlug, &status, &inputItem, &endStatus, &endReason,
		&output, &errJSON, &startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.InputItemID = inputItem.String
	r.EndStatus = endStatus.String
	r.EndReason = endReason.String
	r.Output = rawColumn(output)
	r.Error = rawColumn(errJSON)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var p patch
	if update.Status != nil {
		p.set("status = ?", string(*update.Status))
	}
	if update.EndStatus != "" {
		p.set("end_status = ?", update.EndStatus)
	}
	if update.EndReason != "" {
		p.set("end_reason = ?", update.EndReason)
	}
	if update.Output != nil {
		p.set("output = ?", string(update.Output))
	}
	if update.Error != nil {
		p.set("error = ?", string(update.Error))
	}
	if update.StartedAt != nil {
		p.set("started_at = ?", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		p.set("completed_at = ?", *update.CompletedAt)
	}
	return p.exec(ctx, s.db, "runs", "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, thread_id, workflow_slug, status, input_item_id, end_status, end_reason, output, error, started_at, completed_at, created_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var (
			status                          string
			inputItem, endStatus, endReason sql.NullString
			output, errJSON                 sql.NullString
			startedAt, completedAt          sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.WorkflowSlug, &status, &inputItem, &endStatus, &endReason,
			&output, &errJSON, &startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = schema.RunStatus(status)
		r.InputItemID = inputItem.String
		r.EndStatus = endStatus.String
		r.EndReason = endReason.String
		r.Output = rawColumn(output)
		r.Error = rawColumn(errJSON)
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Event log ---

// AppendEvent assigns the next per-run sequence number and inserts the event
// inside one transaction. The UNIQUE(run_id, sequence) index turns a lost
// race into a constraint error instead of a silent gap.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = orNow(event.Timestamp)

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

// GetEvents returns a run's events with sequence greater than since, in
// sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, run_id, step_slug, event_type, payload, sequence, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

// GetThreadEvents returns events across all of a thread's runs in insertion
// order. SinceID pages on the global log id because per-run sequences restart
// at one for every run.
func (s *LibSQLStore) GetThreadEvents(ctx context.Context, threadID string, filter EventFilter) ([]*RunEvent, error) {
	where := []string{"thread_id = ?"}
	args := []any{threadID}

	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, filter.SinceID)
	}

	query := `SELECT id, thread_id, run_id, step_slug, event_type, payload, sequence, timestamp FROM run_events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

func scanRunEvents(rows *sql.Rows) ([]*RunEvent, error) {
	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepSlug, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.RunID, &stepSlug, &e.Type, &payload,
			&e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepSlug = stepSlug.String
		e.Payload = rawColumn(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trigger *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_slug, cron_expression, input, enabled, last_fired_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.WorkflowSlug, trigger.CronExpression, optStr(trigger.Input),
		boolInt(trigger.Enabled), optTime(trigger.LastFiredAt),
		orNow(trigger.CreatedAt), orNow(trigger.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var (
		input       sql.NullString
		enabled     int
		lastFiredAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_slug, cron_expression, input, enabled, last_fired_at, created_at, updated_at
		 FROM scheduled_triggers WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkflowSlug, &t.CronExpression, &input, &enabled, &lastFiredAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("trigger", id)
	}
	if err != nil {
		return nil, err
	}
	t.Input = input.String
	t.Enabled = enabled != 0
	if lastFiredAt.Valid {
		t.LastFiredAt = &lastFiredAt.Time
	}
	return t, nil
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var p patch
	if update.Enabled != nil {
		p.set("enabled = ?", boolInt(*update.Enabled))
	}
	if update.CronExpression != "" {
		p.set("cron_expression = ?", update.CronExpression)
	}
	if update.Input != nil {
		p.set("input = ?", optStr(*update.Input))
	}
	if update.LastFiredAt != nil {
		p.set("last_fired_at = ?", *update.LastFiredAt)
	}
	return p.exec(ctx, s.db, "scheduled_triggers", "trigger", id)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowSlug != "" {
		where = append(where, "workflow_slug = ?")
		args = append(args, filter.WorkflowSlug)
	}

	query := `SELECT id, workflow_slug, cron_expression, input, enabled, last_fired_at, created_at, updated_at FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		var (
			input       sql.NullString
			enabled     int
			lastFiredAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.WorkflowSlug, &t.CronExpression, &input, &enabled,
			&lastFiredAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Input = input.String
		t.Enabled = enabled != 0
		if lastFiredAt.Valid {
			t.LastFiredAt = &lastFiredAt.Time
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "trigger", id)
}

// patch accumulates SET clauses for a partial UPDATE. The zero value is
// ready to use; exec is a no-op when nothing was set.
type patch struct {
	sets []string
	args []any
}

func (p *patch) set(clause string, v any) {
	p.sets = append(p.sets, clause)
	p.args = append(p.args, v)
}

func (p *patch) exec(ctx context.Context, db *sql.DB, table, resource, id string) error {
	if len(p.sets) == 0 {
		return nil
	}
	sets := append(p.sets, "updated_at = CURRENT_TIMESTAMP")
	args := append(p.args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res, resource, id)
}

func notFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

// Optional columns travel as SQL NULL when the Go value is empty. The opt
// family handles the write side, rawColumn the read side.

func optStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optJSON(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func rawColumn(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
