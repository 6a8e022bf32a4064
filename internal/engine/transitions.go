package engine

import (
	"github.com/flowstate/flowstate/pkg/schema"
)

// defaultEdge returns the first fallback transition (empty or "default"
// label) among the node's outgoing edges, which arrive pre-sorted by id.
func defaultEdge(edges []schema.Transition) *schema.Transition {
	for i := range edges {
		if edges[i].IsDefault() {
			return &edges[i]
		}
	}
	return nil
}

// edgeByLabel returns the first transition whose condition matches the
// branch label case-insensitively. Fallback edges never match a label.
func edgeByLabel(edges []schema.Transition, label string) *schema.Transition {
	for i := range edges {
		if edges[i].IsDefault() {
			continue
		}
		if edges[i].MatchesLabel(label) {
			return &edges[i]
		}
	}
	return nil
}

// selectEdge picks the outgoing edge for a branch label: exact label match
// first, then the fallback edge. Nil when neither exists.
func selectEdge(edges []schema.Transition, label string) *schema.Transition {
	if e := edgeByLabel(edges, label); e != nil {
		return e
	}
	return defaultEdge(edges)
}

// followOn resolves the plain "continue" transition for a node: the fallback
// edge when one exists, otherwise the lowest-id edge. An empty result means
// the node dangles; the driver treats that as a suspension.
func followOn(ec *ExecutionContext, slug string) string {
	edges := ec.EdgesBySource[slug]
	if len(edges) == 0 {
		return ""
	}
	if e := defaultEdge(edges); e != nil {
		return e.TargetSlug
	}
	return edges[0].TargetSlug
}
