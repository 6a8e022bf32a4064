package mcp

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowServer(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}

// One row per tool: the advertised contract a client sees when it lists
// tools. Required holds the mandatory arguments, params every declared one.
func TestToolContracts(t *testing.T) {
	contracts := map[string]struct {
		description string
		required    []string
		params      []string
	}{
		"flow.execute": {
			description: "Start a workflow run on a thread",
			required:    []string{"workflow_slug"},
			params:      []string{"input", "payload", "thread_id", "workflow_slug"},
		},
		"flow.resume": {
			description: "Deliver user input to a waiting thread and continue its run",
			required:    []string{"thread_id"},
			params:      []string{"input", "input_item_id", "payload", "thread_id"},
		},
		"flow.status": {
			description: "Get a thread's status: lifecycle, latest run, step trail, and where it is waiting",
			required:    []string{"thread_id"},
			params:      []string{"thread_id"},
		},
		"flow.define": {
			description: "Register a workflow definition. Validates the document and upserts it by slug",
			required:    []string{"definition"},
			params:      []string{"definition"},
		},
		"flow.query": {
			description: "Query workflows, threads, runs, or events, or evaluate an expression against a thread's state",
			required:    []string{"resource"},
			params:      []string{"filter", "resource"},
		},
		"flow.diagram": {
			description: "Render a workflow graph. Returns Mermaid flowchart syntax or a base64-encoded PNG image",
			required:    []string{"workflow_slug"},
			params:      []string{"format", "thread_id", "workflow_slug"},
		},
	}

	s := NewFlowServer(FlowServerDeps{})

	registered := s.mcpServer.ListTools()
	require.Len(t, registered, len(contracts), "every contract row must match a registered tool")

	for name, want := range contracts {
		t.Run(name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(name)
			require.NotNil(t, tool, "tool %s not registered", name)
			assert.Equal(t, want.description, tool.Tool.Description)
			assert.Equal(t, want.required, tool.Tool.InputSchema.Required)

			var params []string
			for p := range tool.Tool.InputSchema.Properties {
				params = append(params, p)
			}
			sort.Strings(params)
			assert.Equal(t, want.params, params)
		})
	}
}

func TestQueryResourceEnum(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})

	tool := s.mcpServer.GetTool("flow.query")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["resource"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"workflows", "threads", "runs", "events", "state"}, prop["enum"])
}

func TestDiagramFormatEnum(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})

	tool := s.mcpServer.GetTool("flow.diagram")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["format"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"mermaid", "image"}, prop["enum"])
	assert.NotContains(t, tool.Tool.InputSchema.Required, "format")
}
