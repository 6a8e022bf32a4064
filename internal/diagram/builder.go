package diagram

import (
	"fmt"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition. Disabled
// steps stay in the picture, rendered greyed out; while bodies become
// clusters; a parallel split gains an implicit dotted edge to its join.
func Build(wf *schema.Workflow) *DiagramModel {
	model := &DiagramModel{Title: title(wf)}
	if wf == nil {
		return model
	}

	steps := make(map[string]*schema.Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		steps[s.Slug] = s
		model.Nodes = append(model.Nodes, &Node{
			ID:       s.Slug,
			Label:    s.DisplayTitle(),
			Kind:     kindOf(s.Kind),
			Disabled: !s.IsEnabled(),
			Parent:   s.ParentSlug,
		})
	}

	model.Clusters = buildClusters(wf, steps)
	model.Edges = buildEdges(wf, steps)
	return model
}

// buildClusters creates one cluster per while node that owns at least one
// body step, in step order.
func buildClusters(wf *schema.Workflow, steps map[string]*schema.Step) []*Cluster {
	owners := make(map[string]bool)
	for i := range wf.Steps {
		if p := wf.Steps[i].ParentSlug; p != "" {
			owners[p] = true
		}
	}

	var clusters []*Cluster
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Kind != schema.KindWhile || !owners[s.Slug] {
			continue
		}
		clusters = append(clusters, &Cluster{
			Slug:   s.Slug,
			Label:  fmt.Sprintf("loop: %s", s.DisplayTitle()),
			Parent: s.ParentSlug,
		})
	}
	return clusters
}

// buildEdges maps transitions to edges, dropping the "default" label on
// fallback edges, then appends the implicit split-to-join barriers.
func buildEdges(wf *schema.Workflow, steps map[string]*schema.Step) []Edge {
	edges := make([]Edge, 0, len(wf.Transitions))
	for i := range wf.Transitions {
		t := &wf.Transitions[i]
		label := t.Condition
		if t.IsDefault() {
			label = ""
		}
		edges = append(edges, Edge{From: t.SourceSlug, To: t.TargetSlug, Label: label})
	}

	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Kind != schema.KindParallelSplit {
			continue
		}
		join := s.StringParam("join_slug", "")
		if _, ok := steps[join]; ok {
			edges = append(edges, Edge{From: s.Slug, To: join, Implicit: true})
		}
	}
	return edges
}

func title(wf *schema.Workflow) string {
	if wf == nil {
		return "Workflow"
	}
	if wf.Name != "" {
		return wf.Name
	}
	if wf.Slug != "" {
		return wf.Slug
	}
	return "Workflow"
}
