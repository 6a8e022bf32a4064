package validation

import (
	"fmt"

	"github.com/flowstate/flowstate/pkg/schema"
)

// checkSemantic verifies cross-references the JSON Schema cannot express:
// slug uniqueness, the single-start invariant, transition endpoints,
// parent_slug containment, and split/join pairing.
func checkSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	steps := make(map[string]*schema.Step, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if s.Slug == "" {
			result.AddError(path+".slug", schema.ErrCodeValidation, "step slug is empty")
			continue
		}
		if _, dup := steps[s.Slug]; dup {
			result.AddErrorf(path+".slug", schema.ErrCodeValidation, "duplicate step slug %q", s.Slug)
			continue
		}
		steps[s.Slug] = s

		if !validKind(s.Kind) {
			result.AddErrorf(path+".kind", schema.ErrCodeValidation, "step %q has unknown kind %q", s.Slug, s.Kind)
		}
	}

	checkStartInvariant(wf, result)
	checkTransitions(wf, steps, result)
	checkContainment(wf, steps, result)
	checkSplits(wf, steps, result)

	return result
}

// checkStartInvariant enforces exactly one enabled start node.
func checkStartInvariant(wf *schema.Workflow, result *schema.ValidationResult) {
	var starts []string
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Kind == schema.KindStart && s.IsEnabled() {
			starts = append(starts, s.Slug)
		}
	}
	switch len(starts) {
	case 1:
	case 0:
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no enabled start node")
	default:
		result.AddErrorf("steps", schema.ErrCodeValidation,
			"workflow has %d enabled start nodes: %v", len(starts), starts)
	}
}

// checkTransitions verifies that every edge connects existing steps, and
// flags edges whose target is disabled — those fail at runtime the moment
// the edge is taken.
func checkTransitions(wf *schema.Workflow, steps map[string]*schema.Step, result *schema.ValidationResult) {
	for i := range wf.Transitions {
		t := &wf.Transitions[i]
		path := fmt.Sprintf("transitions[%d]", i)

		src, ok := steps[t.SourceSlug]
		if !ok {
			result.AddErrorf(path+".source_slug", schema.ErrCodeValidation,
				"transition source %q does not exist", t.SourceSlug)
		} else if !src.IsEnabled() {
			result.AddWarningf(path+".source_slug", schema.ErrCodeValidation,
				"transition leaves disabled step %q", t.SourceSlug)
		}

		tgt, ok := steps[t.TargetSlug]
		if !ok {
			result.AddErrorf(path+".target_slug", schema.ErrCodeValidation,
				"transition target %q does not exist", t.TargetSlug)
		} else if !tgt.IsEnabled() {
			result.AddErrorf(path+".target_slug", schema.ErrCodeValidation,
				"transition targets disabled step %q", t.TargetSlug)
		}
	}
}

// checkContainment verifies parent_slug references: containment is explicit
// and a parent must be a while node.
func checkContainment(wf *schema.Workflow, steps map[string]*schema.Step, result *schema.ValidationResult) {
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.ParentSlug == "" {
			continue
		}
		path := fmt.Sprintf("steps[%d].parent_slug", i)

		parent, ok := steps[s.ParentSlug]
		if !ok {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"step %q names parent %q, which does not exist", s.Slug, s.ParentSlug)
			continue
		}
		if parent.Kind != schema.KindWhile {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"step %q names parent %q of kind %q; only while nodes contain steps",
				s.Slug, s.ParentSlug, parent.Kind)
		}
		if s.ParentSlug == s.Slug {
			result.AddErrorf(path, schema.ErrCodeValidation, "step %q names itself as parent", s.Slug)
		}
	}
}

// checkSplits verifies parallel_split fan-out arity and the join_slug
// pairing to an enabled parallel_join.
func checkSplits(wf *schema.Workflow, steps map[string]*schema.Step, result *schema.ValidationResult) {
	outgoing := make(map[string]int, len(wf.Transitions))
	for i := range wf.Transitions {
		outgoing[wf.Transitions[i].SourceSlug]++
	}

	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Kind != schema.KindParallelSplit || !s.IsEnabled() {
			continue
		}
		path := fmt.Sprintf("steps[%d]", i)

		if outgoing[s.Slug] < 2 {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"parallel_split %q has %d outgoing transitions; at least 2 branches are required",
				s.Slug, outgoing[s.Slug])
		}

		joinSlug := s.StringParam("join_slug", "")
		if joinSlug == "" {
			result.AddErrorf(path+".parameters.join_slug", schema.ErrCodeValidation,
				"parallel_split %q has no join_slug", s.Slug)
			continue
		}
		join, ok := steps[joinSlug]
		switch {
		case !ok:
			result.AddErrorf(path+".parameters.join_slug", schema.ErrCodeValidation,
				"parallel_split %q names join %q, which does not exist", s.Slug, joinSlug)
		case join.Kind != schema.KindParallelJoin:
			result.AddErrorf(path+".parameters.join_slug", schema.ErrCodeValidation,
				"parallel_split %q names join %q of kind %q", s.Slug, joinSlug, join.Kind)
		case !join.IsEnabled():
			result.AddErrorf(path+".parameters.join_slug", schema.ErrCodeValidation,
				"parallel_split %q names disabled join %q", s.Slug, joinSlug)
		}
	}
}

func validKind(kind schema.StepKind) bool {
	for _, k := range schema.AllKinds() {
		if k == kind {
			return true
		}
	}
	return false
}
