package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/logging"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/streaming"
	"github.com/flowstate/flowstate/internal/validation"
	"github.com/flowstate/flowstate/pkg/schema"
)

// EventLogger abstracts the event-log operations the service needs.
// Satisfied by *store.EventLog and test fakes.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.RunEvent, error)
	ReplayRunTrail(ctx context.Context, runID string) ([]schema.StepSummary, error)
}

// Collaborators bundles the external collaborator handles a deployment
// provides. Any of them may be nil; the corresponding node kinds then fail
// (agent, voice, widget) or skip (vector ingestion) per their contracts.
type Collaborators struct {
	Agents  AgentRunner
	Voice   VoiceRunner
	Vectors VectorIngestor
	Widgets WidgetAwaiter
}

// ServiceConfig carries service-level tuning.
type ServiceConfig struct {
	// MaxIterations overrides the guard cap for workflows that do not set
	// their own. Zero keeps DefaultMaxIterations.
	MaxIterations int
	// SnapshotRetry bounds retries on the must-persist snapshot path.
	SnapshotRetry RetryPolicy
	// Breaker configures the vector-ingestion circuit breaker.
	Breaker *BreakerConfig
	// Globals are read-only run parameters visible to loop conditions.
	Globals map[string]any
}

// Service is the orchestration facade: it owns the state machine, turns
// external triggers into runs on persistent threads, keeps run records and
// the event log current, and guarantees the crash-safety ordering around
// wait-state snapshots.
type Service struct {
	store    store.Store
	events   EventLogger
	machine  *Machine
	fsm      *RunFSM
	hub      streaming.EventHub
	collab   Collaborators
	config   ServiceConfig
	breakers *BreakerRegistry
	logger   *slog.Logger

	// mu guards inFlight. One trigger per thread at a time; overlapping
	// triggers are a conflict, not a queue.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// RunResult is the outcome of one handled trigger.
type RunResult struct {
	ThreadID     string               `json:"thread_id"`
	RunID        string               `json:"run_id"`
	Status       schema.RunStatus     `json:"status"`
	EndState     *schema.EndState     `json:"end_state,omitempty"`
	Output       any                  `json:"output,omitempty"`
	Steps        []schema.StepSummary `json:"steps,omitempty"`
	Conversation []schema.MessageItem `json:"conversation,omitempty"`
}

// StatusReport describes a thread's current position for status queries.
type StatusReport struct {
	Thread    *store.Thread        `json:"thread"`
	Run       *store.Run           `json:"run,omitempty"`
	Trail     []schema.StepSummary `json:"trail,omitempty"`
	WaitingAt string               `json:"waiting_at,omitempty"`
}

// NewService builds the machine and wires the full orchestration stack.
func NewService(s store.Store, events EventLogger, hub streaming.EventHub, collab Collaborators, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "service requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	machine, err := NewMachine(logger)
	if err != nil {
		return nil, err
	}

	breaker := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breaker = *cfg.Breaker
	}

	return &Service{
		store:    s,
		events:   events,
		machine:  machine,
		fsm:      NewRunFSM(events),
		hub:      hub,
		collab:   collab,
		config:   cfg,
		breakers: NewBreakerRegistry(breaker),
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Hub returns the streaming hub runs publish to, for subscribers.
func (s *Service) Hub() streaming.EventHub { return s.hub }

// HandleTrigger processes one external event: a user message, a widget
// callback, or a scheduler firing. It creates the thread on first contact,
// restores from the wait-state snapshot when one exists, runs the machine,
// and persists the outcome. workflowSlug is required for new threads and
// must match the thread's workflow afterwards; empty means "use the
// thread's".
func (s *Service) HandleTrigger(ctx context.Context, workflowSlug string, trig *schema.Trigger) (*RunResult, error) {
	if trig == nil {
		trig = &schema.Trigger{}
	}
	threadID := trig.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	inputItemID := trig.InputItemID
	if inputItemID == "" {
		// Without a caller-assigned identity every delivery counts as new
		// input; re-delivery detection needs the caller to reuse ids.
		inputItemID = uuid.NewString()
	}

	if err := s.acquireThread(threadID); err != nil {
		return nil, err
	}
	defer s.releaseThread(threadID)

	ctx = logging.WithThreadID(ctx, threadID)

	thread, wf, err := s.loadOrCreateThread(ctx, threadID, workflowSlug)
	if err != nil {
		return nil, err
	}
	if thread.Status == store.ThreadClosed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"thread %q is closed", threadID).WithDetail("thread_id", threadID)
	}

	snap, err := s.store.LoadSnapshot(ctx, threadID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"load snapshot for thread %q: %s", threadID, err.Error()).WithCause(err)
	}

	run, err := s.openRun(ctx, thread, inputItemID, snap != nil)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	rv := &RuntimeVars{
		ThreadID:      threadID,
		RunID:         run.ID,
		InputItemID:   inputItemID,
		InputText:     trig.Text,
		Globals:       s.config.Globals,
		Agents:        s.collab.Agents,
		Voice:         s.collab.Voice,
		Snapshots:     s.store,
		Vectors:       s.collab.Vectors,
		Widgets:       s.collab.Widgets,
		Workflows:     &storeWorkflowResolver{store: s.store},
		Events:        s.hub,
		IngestBreaker: s.breakers,
		SnapshotRetry: s.config.SnapshotRetry,
		CallStack:     wf.Identifiers(),
	}

	ec, err := s.buildContext(thread, wf, snap, rv, trig, inputItemID)
	if err != nil {
		s.closeRunFailed(ctx, thread, run, err)
		return nil, err
	}

	// Record every hub event for this run durably; the recorder drains
	// before the terminal lifecycle event is appended.
	bg := context.WithoutCancel(ctx)
	stopRecorder := s.startRecorder(bg, run.ID)

	execErr := s.machine.Execute(ctx, ec)

	stopRecorder()

	if execErr != nil {
		s.closeRunFailed(bg, thread, run, execErr)
		s.persistThreadView(bg, thread, ec, store.ThreadFailed)
		return nil, execErr
	}

	if ec.IsFinished {
		return s.closeRunCompleted(bg, thread, run, ec, snap != nil)
	}
	return s.closeRunWaiting(bg, thread, run, ec)
}

// acquireThread claims exclusive execution on a thread.
func (s *Service) acquireThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[threadID]; busy {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"thread %q already has a run in flight", threadID).
			WithDetail("thread_id", threadID)
	}
	s.inFlight[threadID] = struct{}{}
	return nil
}

func (s *Service) releaseThread(threadID string) {
	s.mu.Lock()
	delete(s.inFlight, threadID)
	s.mu.Unlock()
}

// loadOrCreateThread returns the thread record and its workflow definition,
// creating the thread on first contact.
func (s *Service) loadOrCreateThread(ctx context.Context, threadID, workflowSlug string) (*store.Thread, *schema.Workflow, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore,
			"load thread %q: %s", threadID, err.Error()).WithCause(err)
	}

	if thread == nil {
		if workflowSlug == "" {
			return nil, nil, schema.NewError(schema.ErrCodeValidation,
				"a workflow slug is required to start a new thread")
		}
		rec, err := s.store.GetWorkflow(ctx, workflowSlug)
		if err != nil {
			return nil, nil, err
		}
		thread = &store.Thread{
			ID:           threadID,
			WorkflowSlug: rec.Slug,
			Status:       store.ThreadActive,
		}
		if err := s.store.UpsertThread(ctx, thread); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeStore,
				"create thread %q: %s", threadID, err.Error()).WithCause(err)
		}
		return thread, &rec.Definition, nil
	}

	if workflowSlug != "" && workflowSlug != thread.WorkflowSlug {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict,
			"thread %q runs workflow %q, not %q", threadID, thread.WorkflowSlug, workflowSlug)
	}
	rec, err := s.store.GetWorkflow(ctx, thread.WorkflowSlug)
	if err != nil {
		return nil, nil, err
	}
	return thread, &rec.Definition, nil
}

// openRun reuses the thread's waiting run when resuming from a snapshot, or
// creates a fresh one, and transitions it to running either way.
func (s *Service) openRun(ctx context.Context, thread *store.Thread, inputItemID string, resuming bool) (*store.Run, error) {
	if resuming {
		waiting := schema.RunStatusWaiting
		runs, err := s.store.ListRuns(ctx, store.RunFilter{ThreadID: thread.ID, Status: &waiting, Limit: 1})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"find waiting run: %s", err.Error()).WithCause(err)
		}
		if len(runs) > 0 {
			run := runs[0]
			if err := s.fsm.Transition(ctx, thread.ID, run.ID, schema.RunStatusWaiting, schema.RunStatusRunning); err != nil {
				return nil, err
			}
			running := schema.RunStatusRunning
			if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running}); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"mark run running: %s", err.Error()).WithCause(err)
			}
			run.Status = running
			return run, nil
		}
		// Snapshot without a waiting run: an earlier crash lost the run
		// record. Fall through and open a fresh one.
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:           uuid.NewString(),
		ThreadID:     thread.ID,
		WorkflowSlug: thread.WorkflowSlug,
		Status:       schema.RunStatusPending,
		InputItemID:  inputItemID,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"create run: %s", err.Error()).WithCause(err)
	}
	if err := s.fsm.Transition(ctx, thread.ID, run.ID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"mark run running: %s", err.Error()).WithCause(err)
	}
	run.Status = running
	run.StartedAt = &now
	return run, nil
}

// buildContext rehydrates an execution context: from the snapshot when one
// exists, otherwise fresh from the thread's persisted state and
// conversation. The triggering user message is appended unless the
// conversation already holds an item with the same id (re-delivery).
func (s *Service) buildContext(thread *store.Thread, wf *schema.Workflow, snap *schema.WaitStateSnapshot, rv *RuntimeVars, trig *schema.Trigger, inputItemID string) (*ExecutionContext, error) {
	wfCopy := *wf
	if wfCopy.MaxIterations <= 0 && s.config.MaxIterations > 0 {
		wfCopy.MaxIterations = s.config.MaxIterations
	}

	var ec *ExecutionContext
	var err error
	if snap != nil {
		rv.BranchID = snap.BranchID
		rv.BranchLabel = snap.BranchLabel
		ec, err = RestoredExecutionContext(&wfCopy, snap, rv)
	} else {
		var state map[string]any
		if len(thread.State) > 0 {
			if uerr := json.Unmarshal(thread.State, &state); uerr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"decode thread state: %s", uerr.Error()).WithCause(uerr)
			}
		}
		ec, err = NewExecutionContext(&wfCopy, state, rv)
		if err == nil && len(thread.Conversation) > 0 {
			var conv []schema.MessageItem
			if uerr := json.Unmarshal(thread.Conversation, &conv); uerr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"decode thread conversation: %s", uerr.Error()).WithCause(uerr)
			}
			ec.Conversation = conv
		}
	}
	if err != nil {
		return nil, err
	}

	if trig.Text != "" && !hasMessageItem(ec.Conversation, inputItemID) {
		ec.Conversation = append(ec.Conversation, schema.MessageItem{
			ID:      inputItemID,
			Role:    schema.RoleUser,
			Content: trig.Text,
		})
	}

	// Fresh runs see the trigger as their initial input context; restored
	// runs leave it to the resuming handler.
	if snap == nil && (trig.Text != "" || len(trig.Payload) > 0) {
		input := make(map[string]any, 2)
		if trig.Text != "" {
			input["user_input"] = trig.Text
		}
		if len(trig.Payload) > 0 {
			input["trigger"] = trig.Payload
		}
		ec.LastStep = input
	}

	return ec, nil
}

func hasMessageItem(conv []schema.MessageItem, id string) bool {
	for i := range conv {
		if conv[i].ID == id {
			return true
		}
	}
	return false
}

// closeRunFailed records a fatal run outcome. Bookkeeping failures are
// logged; the execution error is what the caller sees.
func (s *Service) closeRunFailed(ctx context.Context, thread *store.Thread, run *store.Run, execErr error) {
	fe, ok := schema.AsFlowError(execErr)
	if !ok {
		fe = schema.NewError(schema.ErrCodeExecution, execErr.Error())
	}
	if err := s.fsm.Transition(ctx, thread.ID, run.ID, schema.RunStatusRunning, schema.RunStatusFailed); err != nil {
		s.logger.ErrorContext(ctx, "record run failure transition", slog.String("error", err.Error()))
	}
	errJSON, merr := json.Marshal(fe)
	if merr != nil {
		errJSON = json.RawMessage(strconv.Quote(fe.Error()))
	}
	now := time.Now().UTC()
	failed := schema.RunStatusFailed
	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &failed,
		EndStatus:   "failed",
		EndReason:   string(fe.Code),
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		s.logger.ErrorContext(ctx, "persist failed run", slog.String("error", err.Error()))
	}
}

// closeRunCompleted records a finished run, clears the consumed snapshot,
// and maps the end status onto the thread.
func (s *Service) closeRunCompleted(ctx context.Context, thread *store.Thread, run *store.Run, ec *ExecutionContext, hadSnapshot bool) (*RunResult, error) {
	end := ec.Runtime.FinalEndState
	if end == nil {
		end = &schema.EndState{StatusType: schema.EndStatusClosed, NodeSlug: ec.FinalNodeSlug}
	}

	if err := s.fsm.Transition(ctx, thread.ID, run.ID, schema.RunStatusRunning, schema.RunStatusCompleted); err != nil {
		return nil, err
	}

	var output json.RawMessage
	if ec.FinalOutput != nil {
		if raw, err := json.Marshal(ec.FinalOutput); err == nil {
			output = raw
		} else {
			s.logger.WarnContext(ctx, "final output not serializable", slog.String("error", err.Error()))
		}
	}
	now := time.Now().UTC()
	completed := schema.RunStatusCompleted
	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &completed,
		EndStatus:   end.StatusType,
		EndReason:   end.Reason,
		Output:      output,
		CompletedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"persist completed run: %s", err.Error()).WithCause(err)
	}

	if hadSnapshot {
		if err := s.store.ClearSnapshot(ctx, thread.ID); err != nil {
			s.logger.WarnContext(ctx, "clear consumed snapshot", slog.String("error", err.Error()))
		}
	}

	threadStatus := store.ThreadActive
	if end.StatusType == schema.EndStatusClosed {
		threadStatus = store.ThreadClosed
	}
	s.persistThreadView(ctx, thread, ec, threadStatus)

	return &RunResult{
		ThreadID:     thread.ID,
		RunID:        run.ID,
		Status:       schema.RunStatusCompleted,
		EndState:     end,
		Output:       ec.FinalOutput,
		Steps:        ec.Steps,
		Conversation: ec.Conversation,
	}, nil
}

// closeRunWaiting records a suspension. If the suspending handler did not
// persist a snapshot (the while re-delivery guard never does, and voice and
// widget saves are best-effort), a defensive save here is the thread's only
// resume point.
func (s *Service) closeRunWaiting(ctx context.Context, thread *store.Thread, run *store.Run, ec *ExecutionContext) (*RunResult, error) {
	end := ec.Runtime.FinalEndState

	if !ec.Runtime.SnapshotSaved {
		snap := ec.Snapshot(ec.CurrentSlug, "")
		err := withRetries(ctx, ec.Runtime.SnapshotRetry, s.logger, "defensive snapshot save", func(c context.Context) error {
			return s.store.SaveSnapshot(c, thread.ID, snap)
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "defensive snapshot save failed; thread will restart from the top on next trigger",
				slog.String("error", err.Error()),
				slog.String("node", ec.CurrentSlug))
		}
	}

	if err := s.fsm.Transition(ctx, thread.ID, run.ID, schema.RunStatusRunning, schema.RunStatusWaiting); err != nil {
		return nil, err
	}
	waiting := schema.RunStatusWaiting
	if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &waiting,
		EndStatus: schema.EndStatusWaiting,
		EndReason: end.Reason,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"persist waiting run: %s", err.Error()).WithCause(err)
	}

	s.persistThreadView(ctx, thread, ec, store.ThreadWaiting)

	return &RunResult{
		ThreadID:     thread.ID,
		RunID:        run.ID,
		Status:       schema.RunStatusWaiting,
		EndState:     end,
		Steps:        ec.Steps,
		Conversation: ec.Conversation,
	}, nil
}

// persistThreadView refreshes the thread's denormalized state, conversation,
// and status. Best-effort: the snapshot column carries the authoritative
// resume point and is not touched here.
func (s *Service) persistThreadView(ctx context.Context, thread *store.Thread, ec *ExecutionContext, status store.ThreadStatus) {
	if raw, err := json.Marshal(ec.State); err == nil {
		thread.State = raw
	} else {
		s.logger.WarnContext(ctx, "thread state not serializable", slog.String("error", err.Error()))
	}
	if raw, err := json.Marshal(ec.Conversation); err == nil {
		thread.Conversation = raw
	}
	thread.Status = status
	thread.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertThread(ctx, thread); err != nil {
		s.logger.ErrorContext(ctx, "persist thread view", slog.String("error", err.Error()))
	}
}

// startRecorder bridges the streaming hub into the durable event log for one
// run. The returned stop function drains everything already published and
// waits for the appends to land, so terminal lifecycle events always follow
// the step events they conclude.
func (s *Service) startRecorder(ctx context.Context, runID string) func() {
	if s.hub == nil || s.events == nil {
		return func() {}
	}
	ch, cancelSub, err := s.hub.Subscribe(ctx, streaming.Filter{RunID: runID})
	if err != nil {
		s.logger.WarnContext(ctx, "subscribe event recorder", slog.String("error", err.Error()))
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch:
				s.recordEvent(ctx, ev)
			case <-stop:
				for {
					select {
					case ev := <-ch:
						s.recordEvent(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		cancelSub()
		close(stop)
		<-done
	}
}

func (s *Service) recordEvent(ctx context.Context, ev streaming.Event) {
	payload := ev.Payload
	if ev.Branch != "" {
		payload = make(map[string]any, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["branch"] = ev.Branch
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.WarnContext(ctx, "event payload not serializable",
				slog.String("type", ev.Type), slog.String("error", err.Error()))
		} else {
			raw = b
		}
	}
	event := &store.RunEvent{
		ThreadID:  ev.ThreadID,
		RunID:     ev.RunID,
		StepSlug:  ev.StepSlug,
		Type:      ev.Type,
		Payload:   raw,
		Timestamp: ev.At,
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "append run event",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// DefineWorkflow validates a workflow document and registers it under its
// slug, returning the stored record with its assigned id.
func (s *Service) DefineWorkflow(ctx context.Context, raw json.RawMessage) (*store.WorkflowRecord, error) {
	if err := validation.ValidateDocument(raw); err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"decode workflow document: %s", err.Error()).WithCause(err)
	}
	if err := validation.ValidateWorkflow(&wf); err != nil {
		return nil, err
	}

	rec := &store.WorkflowRecord{
		Slug:       wf.NormalizedSlug(),
		Name:       wf.Name,
		Definition: wf,
	}
	if err := s.store.UpsertWorkflow(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"register workflow %q: %s", rec.Slug, err.Error()).WithCause(err)
	}
	s.logger.InfoContext(ctx, "workflow registered",
		slog.String("slug", rec.Slug), slog.Int64("id", rec.ID))
	return rec, nil
}

// Status reports a thread's position: its record, most recent run, the
// replayed step trail, and the suspended node when one exists.
func (s *Service) Status(ctx context.Context, threadID string) (*StatusReport, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Thread: thread}

	runs, err := s.store.ListRuns(ctx, store.RunFilter{ThreadID: threadID, Limit: 1})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"list runs: %s", err.Error()).WithCause(err)
	}
	if len(runs) > 0 {
		report.Run = runs[0]
		if s.events != nil {
			trail, terr := s.events.ReplayRunTrail(ctx, runs[0].ID)
			if terr != nil {
				s.logger.WarnContext(ctx, "replay run trail", slog.String("error", terr.Error()))
			} else {
				report.Trail = trail
			}
		}
	}

	snap, err := s.store.LoadSnapshot(ctx, threadID)
	if err == nil && snap != nil {
		report.WaitingAt = snap.Slug
	}
	return report, nil
}

// QueryThreadState evaluates an expression against a thread's persisted
// state using the engine's evaluator grammar.
func (s *Service) QueryThreadState(ctx context.Context, threadID, expression string) (any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if len(thread.State) > 0 {
		if err := json.Unmarshal(thread.State, &state); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"decode thread state: %s", err.Error()).WithCause(err)
		}
	}
	return s.machine.eval.ResolveValue(ctx, expression, state, nil)
}

// Workflows lists registered workflow definitions.
func (s *Service) Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.WorkflowRecord, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// WorkflowBySlug returns one registered workflow.
func (s *Service) WorkflowBySlug(ctx context.Context, slug string) (*store.WorkflowRecord, error) {
	return s.store.GetWorkflow(ctx, slug)
}

// storeWorkflowResolver resolves nested-call references against the
// registry: numeric references by id, everything else by slug.
type storeWorkflowResolver struct {
	store store.Store
}

func (r *storeWorkflowResolver) ResolveWorkflow(ctx context.Context, ref string) (*schema.Workflow, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		rec, err := r.store.GetWorkflowByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &rec.Definition, nil
	}
	rec, err := r.store.GetWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &rec.Definition, nil
}
