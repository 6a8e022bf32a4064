package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowstate/flowstate/pkg/schema"
)

func TestRenderMermaidChat(t *testing.T) {
	output := RenderMermaid(Build(chatWorkflow()))

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Support chat")

	// Shapes by kind.
	assert.Contains(t, output, `start(("start"))`)
	assert.Contains(t, output, `greet>"Greet the user"]`)
	assert.Contains(t, output, `listen(["listen"])`)
	assert.Contains(t, output, `classify{{"classify"}}`)
	assert.Contains(t, output, `route{"route"}`)
	assert.Contains(t, output, `finish(("finish"))`)

	// Labeled condition edge; fallback edge unlabeled.
	assert.Contains(t, output, "route -->|resolved| finish")
	assert.Contains(t, output, "route --> listen")

	// Disabled step classed.
	assert.Contains(t, output, "classDef disabled")
	assert.Contains(t, output, "class escalate disabled")
}

func TestRenderMermaidLoopSubgraph(t *testing.T) {
	output := RenderMermaid(Build(loopWorkflow()))

	assert.Contains(t, output, `subgraph body_attempts["loop: Retry up to 3 times"]`)
	assert.Contains(t, output, `attempts[["Retry up to 3 times"]]`)

	// Body members are defined inside the subgraph block.
	subStart := strings.Index(output, "subgraph body_attempts")
	subEnd := strings.Index(output[subStart:], "end")
	body := output[subStart : subStart+subEnd]
	assert.Contains(t, body, `try{{"try"}}`)
	assert.Contains(t, body, `record["record"]`)
}

func TestRenderMermaidNestedSubgraphs(t *testing.T) {
	wf := loopWorkflow()
	wf.Steps = append(wf.Steps,
		schema.Step{Slug: "inner", Kind: schema.KindWhile, ParentSlug: "attempts"},
		schema.Step{Slug: "poll", Kind: schema.KindAssign, ParentSlug: "inner"},
	)

	output := RenderMermaid(Build(wf))

	outer := strings.Index(output, "subgraph body_attempts")
	inner := strings.Index(output, "subgraph body_inner")
	assert.Greater(t, inner, outer, "inner loop body should nest inside the outer one")
}

func TestRenderMermaidImplicitEdgeDotted(t *testing.T) {
	output := RenderMermaid(Build(fanoutWorkflow()))

	assert.Contains(t, output, "split -.-> join")
	assert.Contains(t, output, `split[["split"]]`)
	assert.Contains(t, output, `join[["join"]]`)
}

func TestRenderMermaidHighlight(t *testing.T) {
	model := Build(chatWorkflow())
	model.Highlight = "listen"

	output := RenderMermaid(model)
	assert.Contains(t, output, "classDef waiting")
	assert.Contains(t, output, "class listen waiting")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}
