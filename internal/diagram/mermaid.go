package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. While bodies
// come out as subgraphs, fallback edges are unlabeled, implicit split-join
// edges are dotted, and the waiting node (if any) is tinted.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	// Top-level nodes, then while-body subgraphs recursively.
	for _, node := range model.Nodes {
		if node.Parent == "" {
			b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
		}
	}
	for _, c := range model.Clusters {
		if c.Parent == "" {
			writeMermaidCluster(&b, model, c, 1)
		}
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidEdgeDef(edge)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef disabled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		switch {
		case node.ID == model.Highlight:
			b.WriteString(fmt.Sprintf("    class %s waiting\n", mermaidSafeID(node.ID)))
		case node.Disabled:
			b.WriteString(fmt.Sprintf("    class %s disabled\n", mermaidSafeID(node.ID)))
		}
	}

	return b.String()
}

// writeMermaidCluster emits one while body as a subgraph, nesting child
// loop bodies inside it.
func writeMermaidCluster(b *strings.Builder, model *DiagramModel, c *Cluster, depth int) {
	pad := strings.Repeat("    ", depth)
	b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s\"]\n", pad, mermaidSafeID("body_"+c.Slug), c.Label))
	for _, node := range model.Nodes {
		if node.Parent == c.Slug {
			b.WriteString(fmt.Sprintf("%s    %s\n", pad, mermaidNodeDef(node)))
		}
	}
	for _, child := range model.Clusters {
		if child.Parent == c.Slug {
			writeMermaidCluster(b, model, child, depth+1)
		}
	}
	b.WriteString(pad + "end\n")
}

// mermaidNodeDef returns a node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindLoop, NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindAgent:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindMessage:
		return fmt.Sprintf("%s>%q]", id, label)
	default: // task
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidEdgeDef(edge Edge) string {
	from, to := mermaidSafeID(edge.From), mermaidSafeID(edge.To)
	if edge.Implicit {
		return fmt.Sprintf("%s -.-> %s", from, to)
	}
	if edge.Label != "" {
		return fmt.Sprintf("%s -->|%s| %s", from, edge.Label, to)
	}
	return fmt.Sprintf("%s --> %s", from, to)
}

// mermaidSafeID converts a step slug to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// firstLine truncates a label to its first line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
