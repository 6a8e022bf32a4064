package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel to PNG bytes via graphviz. While
// bodies become dashed clusters, the waiting node is tinted, disabled
// nodes come out dashed grey. Layout work stops when ctx is cancelled.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz init: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))

	// Top-level nodes first; cluster members are created inside their
	// subgraph so graphviz assigns them to the right box.
	for _, node := range model.Nodes {
		if node.Parent != "" {
			continue
		}
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		styleNode(gvNode, node, model.Highlight)
		gvNodes[node.ID] = gvNode
	}

	for _, c := range model.Clusters {
		if c.Parent == "" {
			if err := addCluster(graph, model, c, gvNodes); err != nil {
				return nil, err
			}
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			continue
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Implicit {
			e.SetStyle(cgraph.DottedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// addCluster creates a dashed subgraph for a while body, recursing into
// nested loop bodies.
func addCluster(parent *cgraph.Graph, model *DiagramModel, c *Cluster, gvNodes map[string]*cgraph.Node) error {
	sub, err := parent.CreateSubGraphByName("cluster_body_" + c.Slug)
	if err != nil {
		return fmt.Errorf("diagram: create cluster %s: %w", c.Slug, err)
	}
	sub.SetLabel(c.Label)
	sub.SetStyle(cgraph.DashedGraphStyle)

	for _, node := range model.Nodes {
		if node.Parent != c.Slug {
			continue
		}
		gvNode, nErr := sub.CreateNodeByName(node.ID)
		if nErr != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		styleNode(gvNode, node, model.Highlight)
		gvNodes[node.ID] = gvNode
	}

	for _, child := range model.Clusters {
		if child.Parent == c.Slug {
			if err := addCluster(sub, model, child, gvNodes); err != nil {
				return err
			}
		}
	}
	return nil
}

// styleNode sets shape by kind plus waiting/disabled colors.
func styleNode(gvNode *cgraph.Node, node *Node, highlight string) {
	gvNode.SetLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	case NodeKindDecision, NodeKindLoop:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindAgent:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	default: // task, message, parallel
		gvNode.SetShape(cgraph.BoxShape)
	}

	switch {
	case node.ID == highlight:
		gvNode.SetStyle(cgraph.FilledNodeStyle)
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case node.Disabled:
		gvNode.SetStyle(cgraph.DashedNodeStyle)
		gvNode.SetFontColor("#888888")
	}
}
