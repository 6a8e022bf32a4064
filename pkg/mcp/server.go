package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowstate/flowstate/internal/engine"
	"github.com/flowstate/flowstate/internal/store"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Service *engine.Service
	Store   store.Store
	Logger  *slog.Logger
}

// FlowServer wraps an MCP server with workflow tool handlers. Tool calls go
// through the engine service; list-style queries read the store directly.
type FlowServer struct {
	service   *engine.Service
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ThreadNotifier
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all 6 tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		service:  deps.Service,
		store:    deps.Store,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowstate",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowstate is a graph-based workflow engine for chat threads. Use flow.execute to start a workflow run, flow.resume to deliver user input to a waiting thread, flow.status to inspect a thread, flow.define to register workflow definitions, flow.query to list workflows/threads/runs/events or evaluate a state expression, and flow.diagram to render a workflow graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run events from the engine hub are forwarded to connected
// clients for as long as the transport lives.
func (s *FlowServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.service != nil && s.service.Hub() != nil {
		fwd := NewEventForwarder(s.service.Hub(), s.notifier, s.logger)
		go func() {
			if err := fwd.Run(ctx); err != nil {
				s.logger.Warn("event forwarder stopped", slog.Any("error", err))
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the thread-to-session registry.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("flow.execute",
		mcp.WithDescription("Start a workflow run on a thread"),
		mcp.WithString("workflow_slug", mcp.Required(), mcp.Description("Slug of the registered workflow to run")),
		mcp.WithString("input", mcp.Description("User message text delivered with the trigger")),
		mcp.WithString("thread_id", mcp.Description("Thread to run on (default: a fresh thread)")),
		mcp.WithObject("payload", mcp.Description("Structured trigger payload, visible to steps as input")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Deliver user input to a waiting thread and continue its run"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread suspended on a wait step")),
		mcp.WithString("input", mcp.Description("User reply text")),
		mcp.WithString("input_item_id", mcp.Description("Caller-assigned id for this delivery; re-sending the same id re-delivers nothing")),
		mcp.WithObject("payload", mcp.Description("Structured reply payload")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a thread's status: lifecycle, latest run, step trail, and where it is waiting"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("ID of the thread to inspect")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Register a workflow definition. Validates the document and upserts it by slug"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (slug, steps, transitions)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query workflows, threads, runs, or events, or evaluate an expression against a thread's state"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "threads", "runs", "events", "state"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (thread_id, workflow_slug, status, event_type, since_id, limit, expression)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render a workflow graph. Returns Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("workflow_slug", mcp.Required(), mcp.Description("Slug of the workflow to render")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG). Default: mermaid"),
		),
		mcp.WithString("thread_id", mcp.Description("Highlight the step this thread is waiting on")),
	)
}
