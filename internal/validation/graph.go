package validation

import (
	"sort"

	"github.com/flowstate/flowstate/pkg/schema"
)

// checkGraph performs reachability analysis over the transition graph.
// Cycles are legal here (while and condition loops), so there is no cycle
// check; what matters is that every enabled step can be visited and that
// at least one reachable step can bring a run to rest.
func checkGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start := wf.StartStep()
	if start == nil {
		// Already an error from the semantic pass; reachability from
		// nowhere would just duplicate noise.
		return result
	}

	enabled := make(map[string]*schema.Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.IsEnabled() {
			enabled[s.Slug] = s
		}
	}

	adjacency := buildAdjacency(wf, enabled)

	reachable := map[string]bool{start.Slug: true}
	queue := []string{start.Slug}
	for len(queue) > 0 {
		slug := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[slug] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for slug := range enabled {
		if !reachable[slug] {
			unreachable = append(unreachable, slug)
		}
	}
	sort.Strings(unreachable)
	for _, slug := range unreachable {
		result.AddWarningf("steps", schema.ErrCodeValidation,
			"step %q is unreachable from the start node", slug)
	}

	checkRestPoints(enabled, adjacency, reachable, result)

	return result
}

// buildAdjacency maps each enabled step to the enabled steps a run can move
// to from it. Transitions into disabled steps are dropped (the semantic pass
// errors on them); a parallel_split additionally gets an implicit edge to
// its join, which is where the main path lands after the branches merge.
func buildAdjacency(wf *schema.Workflow, enabled map[string]*schema.Step) map[string][]string {
	adjacency := make(map[string][]string, len(enabled))
	for i := range wf.Transitions {
		t := &wf.Transitions[i]
		if enabled[t.SourceSlug] == nil || enabled[t.TargetSlug] == nil {
			continue
		}
		adjacency[t.SourceSlug] = append(adjacency[t.SourceSlug], t.TargetSlug)
	}
	for slug, s := range enabled {
		if s.Kind != schema.KindParallelSplit {
			continue
		}
		join := s.StringParam("join_slug", "")
		if enabled[join] != nil {
			adjacency[slug] = append(adjacency[slug], join)
		}
	}
	return adjacency
}

// checkRestPoints verifies that some reachable step can stop a run: an end
// node, a kind that waits for outside input, or a step with no outgoing
// transitions (the main path suspends on a dangling step; a parallel branch
// simply ends). Without one, every run is doomed to spin until the
// iteration guard kills it.
func checkRestPoints(enabled map[string]*schema.Step, adjacency map[string][]string, reachable map[string]bool, result *schema.ValidationResult) {
	var dangling []string
	found := false
	for slug, s := range enabled {
		if !reachable[slug] {
			continue
		}
		switch {
		case s.Kind == schema.KindEnd, waitsForInput(s.Kind):
			found = true
		case len(adjacency[slug]) == 0 && s.Kind != schema.KindParallelSplit:
			found = true
			dangling = append(dangling, slug)
		}
	}

	sort.Strings(dangling)
	for _, slug := range dangling {
		result.AddWarningf("steps", schema.ErrCodeValidation,
			"step %q has no outgoing transitions; execution stops when it lands here", slug)
	}

	if !found {
		result.AddError("steps", schema.ErrCodeValidation,
			"no reachable step can finish or suspend a run; the iteration guard would always fire")
	}
}

// waitsForInput reports whether the kind parks the run for outside input.
func waitsForInput(kind schema.StepKind) bool {
	switch kind {
	case schema.KindWaitForUserInput, schema.KindVoiceAgent, schema.KindWidget:
		return true
	}
	return false
}
