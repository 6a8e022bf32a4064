package diagram

import "github.com/flowstate/flowstate/pkg/schema"

// NodeKind classifies a diagram node by render shape. Several workflow step
// kinds share one shape; the mapping lives in kindOf.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
	NodeKindDecision NodeKind = "decision"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWait     NodeKind = "wait"
	NodeKindAgent    NodeKind = "agent"
	NodeKindParallel NodeKind = "parallel"
	NodeKindMessage  NodeKind = "message"
	NodeKindTask     NodeKind = "task"
)

// DiagramModel is the intermediate representation shared by the Mermaid and
// Graphviz renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Clusters are while-loop bodies, one per while node that contains
	// steps. Membership comes from Node.Parent.
	Clusters []*Cluster
	// Highlight names the node a waiting thread is parked on, highlighted
	// by both renderers. Empty when rendering a bare definition.
	Highlight string
}

// Node is a single workflow step.
type Node struct {
	ID       string // step slug
	Label    string
	Kind     NodeKind
	Disabled bool
	Parent   string // owning while node's slug, empty at top level
}

// Cluster is a while-loop body. Nested loops chain through Parent.
type Cluster struct {
	Slug   string // the while node whose body this is
	Label  string
	Parent string // enclosing while body, empty at top level
}

// Edge is a transition between two steps. Implicit edges are the
// split-to-join barrier hops the engine takes without a stored transition;
// renderers draw them dotted.
type Edge struct {
	From     string
	To       string
	Label    string
	Implicit bool
}

// kindOf maps a workflow step kind to its render shape.
func kindOf(kind schema.StepKind) NodeKind {
	switch kind {
	case schema.KindStart:
		return NodeKindStart
	case schema.KindEnd:
		return NodeKindEnd
	case schema.KindCondition:
		return NodeKindDecision
	case schema.KindWhile:
		return NodeKindLoop
	case schema.KindWaitForUserInput, schema.KindVoiceAgent, schema.KindWidget:
		return NodeKindWait
	case schema.KindAgent:
		return NodeKindAgent
	case schema.KindParallelSplit, schema.KindParallelJoin:
		return NodeKindParallel
	case schema.KindAssistantMessage:
		return NodeKindMessage
	default:
		return NodeKindTask
	}
}
