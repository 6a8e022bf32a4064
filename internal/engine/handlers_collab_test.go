package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

// --- collaborator stubs ---

type scriptedAgent struct {
	out    *AgentOutput
	err    error
	calls  int
	desc   AgentDescriptor
	conv   []schema.MessageItem
	runCtx map[string]any
}

func (a *scriptedAgent) Run(_ context.Context, desc AgentDescriptor, conv []schema.MessageItem, runContext map[string]any) (*AgentOutput, error) {
	a.calls++
	a.desc = desc
	a.conv = append([]schema.MessageItem(nil), conv...)
	a.runCtx = runContext
	if a.err != nil {
		return nil, a.err
	}
	return a.out, nil
}

type stubVoice struct {
	session *VoiceSession
	err     error
	calls   int
	desc    AgentDescriptor
}

func (v *stubVoice) Start(_ context.Context, desc AgentDescriptor, _ []schema.MessageItem) (*VoiceSession, error) {
	v.calls++
	v.desc = desc
	if v.err != nil {
		return nil, v.err
	}
	return v.session, nil
}

type stubWidgets struct {
	action map[string]any
	err    error
	calls  int
	config map[string]any
}

func (w *stubWidgets) AwaitAction(_ context.Context, _ *schema.Step, config map[string]any) (map[string]any, error) {
	w.calls++
	w.config = config
	return w.action, w.err
}

type ingestCall struct {
	store    string
	docID    string
	document map[string]any
	metadata map[string]any
}

type recordingVectors struct {
	mu    sync.Mutex
	calls []ingestCall
	err   error
}

func (v *recordingVectors) Ingest(_ context.Context, storeSlug, docID string, document, metadata map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, ingestCall{store: storeSlug, docID: docID, document: document, metadata: metadata})
	return v.err
}

func (v *recordingVectors) recorded() []ingestCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ingestCall(nil), v.calls...)
}

// --- agent ---

func agentWorkflow(params map[string]any) *schema.Workflow {
	return &schema.Workflow{
		Slug: "triage-flow",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("welcome", schema.KindAssistantMessage, map[string]any{"message": "Hi"}),
			step("triage", schema.KindAgent, params),
			step("record", schema.KindAssign, map[string]any{
				"assignments": []any{
					map[string]any{"target": "state.category", "expression": "{{input.output_structured.category}}"},
				},
			}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "welcome"),
			edge(2, "welcome", "triage"),
			edge(3, "triage", "record"),
			edge(4, "record", "done"),
		},
	}
}

func TestAgentRunMergesOutput(t *testing.T) {
	agent := &scriptedAgent{out: &AgentOutput{
		Text:       "Classified as billing.",
		Structured: map[string]any{"category": "billing", "confidence": 0.92},
	}}
	wf := agentWorkflow(map[string]any{
		"agent":        "classifier",
		"model":        "small-1",
		"instructions": "Classify: {{state.topic}}",
		"options":      map[string]any{"temperature": 0.2},
	})
	rv := &RuntimeVars{Agents: agent}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, map[string]any{"topic": "refund dispute"}, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.True(t, ec.IsFinished)

	// The runner saw the rendered descriptor and the conversation so far.
	require.Equal(t, 1, agent.calls)
	assert.Equal(t, "classifier", agent.desc.Slug)
	assert.Equal(t, "small-1", agent.desc.Model)
	assert.Equal(t, "Classify: refund dispute", agent.desc.Instructions)
	assert.Equal(t, 0.2, agent.desc.Options["temperature"])
	require.Len(t, agent.conv, 1)
	assert.Equal(t, "Hi", agent.conv[0].Content)
	state, ok := agent.runCtx["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "refund dispute", state["topic"])

	// Structured output was the richest form: downstream assign read it,
	// and the state picked up the last_agent_* mirrors.
	assert.Equal(t, "billing", ec.State["category"])
	assert.Equal(t, agent.out.Structured, ec.State["last_agent_output"])
	assert.Equal(t, "Classified as billing.", ec.State["last_agent_text"])

	require.Len(t, ec.Conversation, 2)
	assert.Equal(t, schema.RoleAssistant, ec.Conversation[1].Role)
	assert.Equal(t, "Classified as billing.", ec.Conversation[1].Content)

	assert.Equal(t, []string{"welcome", "triage", "record", "done"}, stepKeys(ec.Steps))
	assert.Equal(t, "Classified as billing.", ec.Steps[1].Output)
}

func TestAgentTextOnlyOutput(t *testing.T) {
	agent := &scriptedAgent{out: &AgentOutput{Text: "ok noted"}}
	wf := straightLine(step("triage", schema.KindAgent, map[string]any{"agent": "scribe"}))
	rv := &RuntimeVars{Agents: agent}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.Equal(t, "ok noted", ec.State["last_agent_output"], "plain text is the richest form when nothing else is set")
	assert.Equal(t, "ok noted", ec.State["last_agent_text"])
}

func TestAgentNilOutputKeepsRunAlive(t *testing.T) {
	agent := &scriptedAgent{}
	wf := straightLine(step("triage", schema.KindAgent, map[string]any{"agent": "mute"}))
	rv := &RuntimeVars{Agents: agent}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	require.True(t, ec.IsFinished)
	_, ok := ec.State["last_agent_output"]
	assert.False(t, ok)
	assert.Empty(t, ec.Conversation)
	assert.Equal(t, []string{"triage", "done"}, stepKeys(ec.Steps))
	assert.Empty(t, ec.Steps[0].Output)
}

func TestAgentFailureIsFatal(t *testing.T) {
	agent := &scriptedAgent{err: errors.New("model overloaded")}
	wf := straightLine(step("triage", schema.KindAgent, map[string]any{"agent": "classifier"}))
	rv := &RuntimeVars{Agents: agent}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgent))
	assert.ErrorContains(t, err, `agent "classifier" failed`)

	fe, _ := schema.AsFlowError(err)
	assert.Equal(t, "triage", fe.StepSlug)
}

func TestAgentWithoutRunnerFails(t *testing.T) {
	wf := straightLine(step("triage", schema.KindAgent, map[string]any{"agent": "classifier"}))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "no agent runner configured")
}

func TestAgentMissingAgentParamFails(t *testing.T) {
	wf := straightLine(step("triage", schema.KindAgent, nil))

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{Agents: &scriptedAgent{}})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "missing agent parameter")
}

// --- voice_agent ---

func voiceWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Slug: "concierge-flow",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("handoff", schema.KindVoiceAgent, map[string]any{
				"agent":        "concierge",
				"model":        "rt-1",
				"instructions": "Help {{state.name}}",
			}),
			step("after", schema.KindAssistantMessage, map[string]any{"message": "Welcome back"}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "handoff"),
			edge(2, "handoff", "after"),
			edge(3, "after", "done"),
		},
	}
}

func TestVoiceHandoffSuspends(t *testing.T) {
	voice := &stubVoice{session: &VoiceSession{SessionID: "vs-1"}}
	snaps := &memSnapshots{}
	rv := &RuntimeVars{
		ThreadID:      "t-1",
		InputItemID:   "m-1",
		Voice:         voice,
		Snapshots:     snaps,
		SnapshotRetry: fastRetry,
	}

	m := testMachine(t)
	ec, err := NewExecutionContext(voiceWorkflow(), map[string]any{"name": "Ada"}, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.False(t, ec.IsFinished)
	require.NotNil(t, rv.FinalEndState)
	assert.True(t, rv.FinalEndState.Waiting())
	assert.Equal(t, "voice session active", rv.FinalEndState.Reason)
	assert.Equal(t, "handoff", rv.FinalEndState.NodeSlug)

	assert.Equal(t, "concierge", voice.desc.Slug)
	assert.Equal(t, "Help Ada", voice.desc.Instructions)
	assert.Equal(t, "vs-1", ec.State["last_voice_session"])
	assert.Equal(t, []string{"handoff"}, stepKeys(ec.Steps))
	assert.Equal(t, "voice session vs-1 started", ec.Steps[0].Output)

	snap := snaps.saved("t-1")
	require.NotNil(t, snap)
	assert.Equal(t, "handoff", snap.Slug)
	assert.Equal(t, "after", snap.NextStepSlug)
}

func TestVoiceRedeliverySuspendsIdempotently(t *testing.T) {
	voice := &stubVoice{session: &VoiceSession{SessionID: "vs-1"}}
	snaps := &memSnapshots{}
	m := testMachine(t)

	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Voice: voice, Snapshots: snaps, SnapshotRetry: fastRetry}
	ec, err := NewExecutionContext(voiceWorkflow(), nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.Equal(t, 1, voice.calls)

	rv2 := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Voice: voice, Snapshots: snaps, SnapshotRetry: fastRetry}
	restored, err := RestoredExecutionContext(voiceWorkflow(), snaps.saved("t-1"), rv2)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), restored))

	assert.False(t, restored.IsFinished)
	assert.True(t, rv2.FinalEndState.Waiting())
	assert.True(t, rv2.SnapshotSaved)
	assert.Equal(t, 1, voice.calls, "a re-delivered trigger must not start a second session")
}

func TestVoiceNewInputResumesAfterSession(t *testing.T) {
	voice := &stubVoice{session: &VoiceSession{SessionID: "vs-1"}}
	snaps := &memSnapshots{}
	m := testMachine(t)

	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Voice: voice, Snapshots: snaps, SnapshotRetry: fastRetry}
	ec, err := NewExecutionContext(voiceWorkflow(), nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	// A genuinely new trigger means the session ended out of band.
	rv2 := &RuntimeVars{
		ThreadID:      "t-1",
		InputItemID:   "m-2",
		InputText:     "I am back",
		Voice:         voice,
		Snapshots:     snaps,
		SnapshotRetry: fastRetry,
	}
	restored, err := RestoredExecutionContext(voiceWorkflow(), snaps.saved("t-1"), rv2)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), restored))

	require.True(t, restored.IsFinished)
	assert.Equal(t, 1, voice.calls)
	assert.Equal(t, []string{"after", "done"}, stepKeys(restored.Steps))
	require.NotEmpty(t, restored.Conversation)
	assert.Equal(t, "Welcome back", restored.Conversation[len(restored.Conversation)-1].Content)
}

func TestVoiceSnapshotSaveIsBestEffort(t *testing.T) {
	voice := &stubVoice{session: &VoiceSession{SessionID: "vs-1"}}
	snaps := &memSnapshots{saveErr: errors.New("disk gone")}
	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Voice: voice, Snapshots: snaps, SnapshotRetry: fastRetry}

	m := testMachine(t)
	ec, err := NewExecutionContext(voiceWorkflow(), nil, rv)
	require.NoError(t, err)

	// Unlike a wait node, the handoff already happened; a failed save is
	// logged and the run still parks.
	require.NoError(t, m.Execute(context.Background(), ec))
	assert.False(t, ec.IsFinished)
	assert.True(t, rv.FinalEndState.Waiting())
}

func TestVoiceWithoutRunnerFails(t *testing.T) {
	m := testMachine(t)
	ec, err := NewExecutionContext(voiceWorkflow(), nil, &RuntimeVars{Snapshots: &memSnapshots{}})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "no voice runner configured")
}

func TestVoiceRequiresSnapshotStore(t *testing.T) {
	m := testMachine(t)
	ec, err := NewExecutionContext(voiceWorkflow(), nil, &RuntimeVars{Voice: &stubVoice{}})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "requires a snapshot store")
}

func TestVoiceStartFailureIsFatal(t *testing.T) {
	voice := &stubVoice{err: errors.New("no capacity")}
	rv := &RuntimeVars{ThreadID: "t-1", Voice: voice, Snapshots: &memSnapshots{}, SnapshotRetry: fastRetry}

	m := testMachine(t)
	ec, err := NewExecutionContext(voiceWorkflow(), nil, rv)
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgent))
	assert.ErrorContains(t, err, "failed to start")
}

// --- widget ---

func widgetWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Slug: "picker-flow",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("choose", schema.KindWidget, map[string]any{
				"widget": map[string]any{
					"kind":  "buttons",
					"title": "Pick {{state.topic}}",
				},
			}),
			step("record", schema.KindAssign, map[string]any{
				"assignments": []any{
					map[string]any{"target": "state.choice", "expression": "{{input.widget_action.choice}}"},
				},
			}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "choose"),
			edge(2, "choose", "record"),
			edge(3, "record", "done"),
		},
	}
}

func TestWidgetActionFlowsDownstream(t *testing.T) {
	widgets := &stubWidgets{action: map[string]any{"choice": "approve"}}
	rv := &RuntimeVars{Widgets: widgets}

	m := testMachine(t)
	ec, err := NewExecutionContext(widgetWorkflow(), map[string]any{"topic": "payments"}, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	require.True(t, ec.IsFinished)
	require.Equal(t, 1, widgets.calls)
	assert.Equal(t, "Pick payments", widgets.config["title"], "widget config renders against live state")
	assert.Equal(t, "approve", ec.State["choice"])

	require.NotEmpty(t, ec.Steps)
	assert.Equal(t, "choose", ec.Steps[0].Key)
	assert.JSONEq(t, `{"choice":"approve"}`, ec.Steps[0].Output)
}

func TestWidgetNoActionSuspends(t *testing.T) {
	widgets := &stubWidgets{}
	snaps := &memSnapshots{}
	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Widgets: widgets, Snapshots: snaps, SnapshotRetry: fastRetry}

	m := testMachine(t)
	ec, err := NewExecutionContext(widgetWorkflow(), nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.False(t, ec.IsFinished)
	require.NotNil(t, rv.FinalEndState)
	assert.True(t, rv.FinalEndState.Waiting())
	assert.Equal(t, "awaiting widget action", rv.FinalEndState.Reason)

	// The resume point went down before the await, so a crash while
	// blocked keeps the thread recoverable.
	snap := snaps.saved("t-1")
	require.NotNil(t, snap)
	assert.Equal(t, "choose", snap.Slug)
	assert.Equal(t, "record", snap.NextStepSlug)
}

func TestWidgetRedeliveryDoesNotReAwait(t *testing.T) {
	widgets := &stubWidgets{}
	snaps := &memSnapshots{}
	m := testMachine(t)

	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Widgets: widgets, Snapshots: snaps, SnapshotRetry: fastRetry}
	ec, err := NewExecutionContext(widgetWorkflow(), nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.Equal(t, 1, widgets.calls)
	require.Equal(t, 1, snaps.saves)

	rv2 := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Widgets: widgets, Snapshots: snaps, SnapshotRetry: fastRetry}
	restored, err := RestoredExecutionContext(widgetWorkflow(), snaps.saved("t-1"), rv2)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), restored))

	assert.False(t, restored.IsFinished)
	assert.True(t, rv2.SnapshotSaved)
	assert.Equal(t, 1, widgets.calls, "a re-delivered trigger must not re-consult the awaiter")
	assert.Equal(t, 1, snaps.saves)
}

func TestWidgetResumesOnceActionArrives(t *testing.T) {
	widgets := &stubWidgets{}
	snaps := &memSnapshots{}
	m := testMachine(t)

	rv := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-1", Widgets: widgets, Snapshots: snaps, SnapshotRetry: fastRetry}
	ec, err := NewExecutionContext(widgetWorkflow(), nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.False(t, ec.IsFinished)

	widgets.action = map[string]any{"choice": "reject"}
	rv2 := &RuntimeVars{ThreadID: "t-1", InputItemID: "m-2", Widgets: widgets, Snapshots: snaps, SnapshotRetry: fastRetry}
	restored, err := RestoredExecutionContext(widgetWorkflow(), snaps.saved("t-1"), rv2)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), restored))

	require.True(t, restored.IsFinished)
	assert.Equal(t, 2, widgets.calls)
	assert.Equal(t, "reject", restored.State["choice"])
}

func TestWidgetWithoutAwaiterFails(t *testing.T) {
	m := testMachine(t)
	ec, err := NewExecutionContext(widgetWorkflow(), nil, &RuntimeVars{})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "no widget awaiter configured")
}

func TestWidgetAwaitErrorIsWrapped(t *testing.T) {
	widgets := &stubWidgets{err: errors.New("channel closed")}
	rv := &RuntimeVars{Widgets: widgets}

	m := testMachine(t)
	ec, err := NewExecutionContext(widgetWorkflow(), nil, rv)
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.ErrorContains(t, err, "await action failed")

	fe, _ := schema.AsFlowError(err)
	assert.Equal(t, "choose", fe.StepSlug)
}

// --- vector_store_ingest ---

func vectorWorkflow(params map[string]any) *schema.Workflow {
	return &schema.Workflow{
		Slug: "archiver",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("note", schema.KindAssign, map[string]any{
				"assignments": []any{
					map[string]any{"target": "state.ticket.id", "expression": "\"T-9\""},
					map[string]any{"target": "state.ticket.text", "expression": "\"refund\""},
				},
			}),
			step("archive", schema.KindVectorIngest, params),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "note"),
			edge(2, "note", "archive"),
			edge(3, "archive", "done"),
		},
	}
}

func TestVectorIngestDeliversDocument(t *testing.T) {
	vectors := &recordingVectors{}
	breaker := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})
	wf := vectorWorkflow(map[string]any{
		"store":  "kb",
		"doc_id": "ticket-{{state.ticket.id}}",
		"document": map[string]any{
			"title": "Ticket {{state.ticket.id}}",
			"body":  map[string]any{"text": "{{state.ticket.text}}"},
		},
		"metadata": map[string]any{"source": "chat"},
	})
	rv := &RuntimeVars{Vectors: vectors, IngestBreaker: breaker}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))
	require.True(t, ec.IsFinished)

	calls := vectors.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "kb", calls[0].store)
	assert.Equal(t, "ticket-T-9", calls[0].docID)
	assert.Equal(t, "Ticket T-9", calls[0].document["title"])
	body, ok := calls[0].document["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "refund", body["text"])
	assert.Equal(t, "chat", calls[0].metadata["source"])

	assert.Contains(t, stepKeys(ec.Steps), "archive")
	assert.Equal(t, CircuitClosed, breaker.State("kb"))
}

func TestVectorIngestWithoutIngestorContinues(t *testing.T) {
	wf := vectorWorkflow(map[string]any{"store": "kb"})

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{})
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	require.True(t, ec.IsFinished)
	assert.NotContains(t, stepKeys(ec.Steps), "archive", "a skipped ingestion records no step")
}

func TestVectorIngestFailureKeepsRunAlive(t *testing.T) {
	vectors := &recordingVectors{err: errors.New("index unreachable")}
	breaker := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})
	wf := vectorWorkflow(map[string]any{"store": "kb"})
	rv := &RuntimeVars{Vectors: vectors, IngestBreaker: breaker}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	require.True(t, ec.IsFinished, "ingestion is fire-and-forget")
	require.Len(t, vectors.recorded(), 1)
	assert.NotContains(t, stepKeys(ec.Steps), "archive")

	stats := breaker.Stats("kb")
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, CircuitClosed, breaker.State("kb"))
}

func TestVectorIngestOpenCircuitSkips(t *testing.T) {
	vectors := &recordingVectors{}
	breaker := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})
	breaker.RecordFailure("kb")
	require.Equal(t, CircuitOpen, breaker.State("kb"))

	wf := vectorWorkflow(map[string]any{"store": "kb"})
	rv := &RuntimeVars{Vectors: vectors, IngestBreaker: breaker}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	require.True(t, ec.IsFinished)
	assert.Empty(t, vectors.recorded(), "an open circuit sheds the call entirely")
}

func TestVectorIngestDefaultsFromLastValue(t *testing.T) {
	vectors := &recordingVectors{}
	wf := &schema.Workflow{
		Slug: "archiver",
		Steps: []schema.Step{
			step("begin", schema.KindStart, nil),
			step("shape", schema.KindTransform, map[string]any{
				"expressions": map[string]any{"kind": "note"},
			}),
			step("archive", schema.KindVectorIngest, map[string]any{"store": "kb"}),
			step("done", schema.KindEnd, nil),
		},
		Transitions: []schema.Transition{
			edge(1, "begin", "shape"),
			edge(2, "shape", "archive"),
			edge(3, "archive", "done"),
		},
	}
	rv := &RuntimeVars{Vectors: vectors}

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, rv)
	require.NoError(t, err)
	require.NoError(t, m.Execute(context.Background(), ec))

	calls := vectors.recorded()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].docID, "a doc id is generated when none is configured")
	assert.JSONEq(t, `{"kind":"note"}`, calls[0].document["text"].(string))
}

func TestVectorIngestMissingStoreFails(t *testing.T) {
	wf := vectorWorkflow(nil)

	m := testMachine(t)
	ec, err := NewExecutionContext(wf, nil, &RuntimeVars{Vectors: &recordingVectors{}})
	require.NoError(t, err)

	err = m.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorContains(t, err, "missing store parameter")

	fe, _ := schema.AsFlowError(err)
	assert.Equal(t, "archive", fe.StepSlug)
}
