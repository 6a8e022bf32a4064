package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowstate/flowstate/internal/diagram"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/pkg/schema"
)

// handleExecute starts a workflow run on a fresh or existing thread.
func (s *FlowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowSlug, err := req.RequireString("workflow_slug")
	if err != nil {
		return mcp.NewToolResultError("workflow_slug is required"), nil
	}
	threadID := req.GetString("thread_id", "")

	// Capture session mapping for notifications.
	if threadID != "" {
		s.captureSession(ctx, threadID)
	}

	trig := &schema.Trigger{
		ThreadID: threadID,
		Text:     req.GetString("input", ""),
		Payload:  mcp.ParseStringMap(req, "payload", nil),
	}

	result, runErr := s.service.HandleTrigger(ctx, workflowSlug, trig)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	// A generated thread id only exists after the run opens; register it late
	// so follow-up notifications still route to this client.
	if threadID == "" {
		s.captureSession(ctx, result.ThreadID)
	}

	return marshalResult(result)
}

// handleResume delivers user input to a waiting thread. The workflow is
// resolved from the thread record, so no slug is needed.
func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, threadID)

	trig := &schema.Trigger{
		ThreadID:    threadID,
		InputItemID: req.GetString("input_item_id", ""),
		Text:        req.GetString("input", ""),
		Payload:     mcp.ParseStringMap(req, "payload", nil),
	}

	result, runErr := s.service.HandleTrigger(ctx, "", trig)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns the current state of a thread.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}

	report, statusErr := s.service.Status(ctx, threadID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(report)
}

// handleDefine validates and registers a workflow definition.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	raw, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}

	rec, defErr := s.service.DefineWorkflow(ctx, json.RawMessage(raw))
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defErr)), nil
	}

	return marshalResult(map[string]any{
		"slug":  rec.Slug,
		"name":  rec.Name,
		"steps": len(rec.Definition.Steps),
	})
}

// handleQuery lists workflows, threads, runs, or events, or evaluates a
// state expression, based on the resource type and filter.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "threads":
		return s.queryThreads(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "state":
		return s.queryState(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *FlowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: filterInt(filter, "limit", 50),
	}

	records, err := s.service.Workflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	// Definitions can be large; the listing carries identity only.
	summaries := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, map[string]any{
			"slug":        rec.Slug,
			"name":        rec.Name,
			"steps":       len(rec.Definition.Steps),
			"transitions": len(rec.Definition.Transitions),
			"updated_at":  rec.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

func (s *FlowServer) queryThreads(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.ThreadFilter{
		Limit: filterInt(filter, "limit", 50),
	}
	if slug, ok := filter["workflow_slug"].(string); ok {
		tf.WorkflowSlug = slug
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ts := store.ThreadStatus(status)
		tf.Status = &ts
	}

	threads, err := s.store.ListThreads(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"threads": threads})
}

func (s *FlowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: filterInt(filter, "limit", 50),
	}
	if threadID, ok := filter["thread_id"].(string); ok {
		rf.ThreadID = threadID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	threadID, _ := filter["thread_id"].(string)
	if threadID == "" {
		return mcp.NewToolResultError("event query requires 'thread_id' in filter"), nil
	}

	ef := store.EventFilter{
		SinceID: int64(filterInt(filter, "since_id", 0)),
		Limit:   filterInt(filter, "limit", 100),
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.Type = eventType
	}

	events, err := s.store.GetThreadEvents(ctx, threadID, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryState(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	threadID, _ := filter["thread_id"].(string)
	if threadID == "" {
		return mcp.NewToolResultError("state query requires 'thread_id' in filter"), nil
	}
	expression, _ := filter["expression"].(string)
	if expression == "" {
		return mcp.NewToolResultError("state query requires 'expression' in filter"), nil
	}

	value, err := s.service.QueryThreadState(ctx, threadID, expression)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"thread_id":  threadID,
		"expression": expression,
		"value":      value,
	})
}

// handleDiagram renders a workflow graph in the requested format.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowSlug, err := req.RequireString("workflow_slug")
	if err != nil {
		return mcp.NewToolResultError("workflow_slug is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	rec, wfErr := s.service.WorkflowBySlug(ctx, workflowSlug)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	model := diagram.Build(&rec.Definition)

	// Mark the wait position when the caller names a thread.
	if threadID := req.GetString("thread_id", ""); threadID != "" {
		report, statusErr := s.service.Status(ctx, threadID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status lookup failed: %v", statusErr)), nil
		}
		model.Highlight = report.WaitingAt
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("unsupported format"), nil
	}
}

// --- Internal helpers ---

// filterInt reads a numeric filter field, tolerating the types JSON decoding
// actually produces (float64, json.Number, or a quoted number).
func filterInt(filter map[string]any, key string, fallback int) int {
	v, ok := filter[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}

// captureSession maps the thread ID to its current MCP session for
// notifications.
func (s *FlowServer) captureSession(ctx context.Context, threadID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(threadID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
