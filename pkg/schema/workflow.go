package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// StepKind enumerates the node kinds the engine can execute.
type StepKind string

const (
	KindStart            StepKind = "start"
	KindEnd              StepKind = "end"
	KindCondition        StepKind = "condition"
	KindWhile            StepKind = "while"
	KindAssign           StepKind = "assign"
	KindWatch            StepKind = "watch"
	KindTransform        StepKind = "transform"
	KindAssistantMessage StepKind = "assistant_message"
	KindWaitForUserInput StepKind = "wait_for_user_input"
	KindParallelSplit    StepKind = "parallel_split"
	KindParallelJoin     StepKind = "parallel_join"
	KindAgent            StepKind = "agent"
	KindVoiceAgent       StepKind = "voice_agent"
	KindWidget           StepKind = "widget"
	KindVectorIngest     StepKind = "vector_store_ingest"
	KindNestedWorkflow   StepKind = "nested_workflow_call"
)

// AllKinds returns every step kind the engine must have a handler for.
// Used by the engine constructor to check registry exhaustiveness.
func AllKinds() []StepKind {
	return []StepKind{
		KindStart, KindEnd, KindCondition, KindWhile, KindAssign,
		KindWatch, KindTransform, KindAssistantMessage, KindWaitForUserInput,
		KindParallelSplit, KindParallelJoin, KindAgent, KindVoiceAgent,
		KindWidget, KindVectorIngest, KindNestedWorkflow,
	}
}

// Step is a single node in a workflow graph. Immutable once loaded for a run.
type Step struct {
	Slug       string         `json:"slug"`
	Kind       StepKind       `json:"kind"`
	Title      string         `json:"title,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Position   int            `json:"position,omitempty"`
	// ParentSlug names the while node that contains this step. Containment
	// is always explicit; it is never inferred from positions.
	ParentSlug string `json:"parent_slug,omitempty"`
	Enabled    *bool  `json:"is_enabled,omitempty"`
}

// IsEnabled reports whether the step participates in execution.
// An absent flag means enabled.
func (s *Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DisplayTitle returns the authored title, falling back to the slug.
func (s *Step) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Slug
}

// StringParam returns a string parameter, or def when absent or not a string.
func (s *Step) StringParam(key, def string) string {
	if v, ok := s.Parameters[key].(string); ok {
		return v
	}
	return def
}

// IntParam returns an integer parameter, tolerating the numeric types JSON
// decoding produces. Returns def when absent or non-numeric.
func (s *Step) IntParam(key string, def int) int {
	switch v := s.Parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// BoolParam returns a boolean parameter, or def when absent or not a bool.
func (s *Step) BoolParam(key string, def bool) bool {
	if v, ok := s.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// MapParam returns an object parameter, or nil when absent or not an object.
func (s *Step) MapParam(key string) map[string]any {
	if v, ok := s.Parameters[key].(map[string]any); ok {
		return v
	}
	return nil
}

// ListParam returns an array parameter, or nil when absent or not an array.
func (s *Step) ListParam(key string) []any {
	if v, ok := s.Parameters[key].([]any); ok {
		return v
	}
	return nil
}

// Transition is a directed, optionally condition-labeled edge between steps.
type Transition struct {
	// ID breaks ties when several default edges leave one node: lowest wins.
	ID         int64  `json:"id"`
	SourceSlug string `json:"source_slug"`
	TargetSlug string `json:"target_slug"`
	// Condition is the branch label. Empty or "default" marks the fallback
	// edge; other labels are matched case-insensitively.
	Condition string `json:"condition,omitempty"`
}

// IsDefault reports whether the transition is the fallback edge.
func (t *Transition) IsDefault() bool {
	return t.Condition == "" || strings.EqualFold(t.Condition, "default")
}

// MatchesLabel reports whether the transition's condition matches the given
// branch label, case-insensitively.
func (t *Transition) MatchesLabel(label string) bool {
	return strings.EqualFold(t.Condition, label)
}

// Workflow is the JSON-serializable graph definition: steps plus transitions.
// Registered via flow.define or loaded from a document file.
type Workflow struct {
	ID            int64          `json:"id,omitempty"`
	Slug          string         `json:"slug"`
	Name          string         `json:"name,omitempty"`
	Steps         []Step         `json:"steps"`
	Transitions   []Transition   `json:"transitions"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StepBySlug returns the step with the given slug, or nil.
func (w *Workflow) StepBySlug(slug string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Slug == slug {
			return &w.Steps[i]
		}
	}
	return nil
}

// StartStep returns the single start node, or nil if the definition has none.
func (w *Workflow) StartStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Kind == KindStart && w.Steps[i].IsEnabled() {
			return &w.Steps[i]
		}
	}
	return nil
}

// NormalizedSlug returns the slug lowered and trimmed, the form used for
// nested-call cycle identity.
func (w *Workflow) NormalizedSlug() string {
	return strings.ToLower(strings.TrimSpace(w.Slug))
}

// Identifiers returns every identity the workflow is known by: its numeric
// id (when persisted) and its normalized slug. Nested-call cycle detection
// checks all of them against the invocation stack.
func (w *Workflow) Identifiers() []string {
	var ids []string
	if w.ID > 0 {
		ids = append(ids, "id:"+strconv.FormatInt(w.ID, 10))
	}
	if s := w.NormalizedSlug(); s != "" {
		ids = append(ids, "slug:"+s)
	}
	return ids
}
