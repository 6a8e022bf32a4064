package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResultEmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResultErrorsInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[2].kind", ErrCodeValidation, `unknown kind "teleport"`)

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[2].kind", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, `steps[2].kind: unknown kind "teleport"`, r.Errors[0].String())
}

func TestValidationResultWarningsDoNot(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarningf("transitions[1].source_slug", ErrCodeValidation,
		"transition leaves disabled step %q", "ghost")

	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, `transition leaves disabled step "ghost"`, r.Warnings[0].Message)
}

func TestValidationResultFormattedAdds(t *testing.T) {
	r := &ValidationResult{}
	r.AddErrorf("steps[0].slug", ErrCodeValidation, "duplicate step slug %q", "open")

	require.Len(t, r.Errors, 1)
	assert.Equal(t, `duplicate step slug "open"`, r.Errors[0].Message)
}

func TestValidationResultMerge(t *testing.T) {
	structural := &ValidationResult{}
	structural.AddError("slug", ErrCodeValidation, "slug is required")

	graph := &ValidationResult{}
	graph.AddError("steps", ErrCodeValidation, "workflow has no enabled start node")
	graph.AddWarning("steps", ErrCodeValidation, `step "island" is unreachable`)

	structural.Merge(graph)
	structural.Merge(nil) // tolerated

	assert.Len(t, structural.Errors, 2)
	assert.Len(t, structural.Warnings, 1)
	// Merge preserves stage order: structural issues first.
	assert.Equal(t, "slug is required", structural.Errors[0].Message)
}

func TestValidationResultToErrorSingle(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps", ErrCodeValidation, "workflow has no enabled start node")

	err := r.ToError()
	fe, ok := AsFlowError(err)
	require.True(t, ok)

	assert.Equal(t, ErrCodeValidation, fe.Code)
	// A lone error keeps its own message instead of a generic count.
	assert.Equal(t, "workflow has no enabled start node", fe.Message)

	issues, ok := fe.Details["errors"].([]ValidationIssue)
	require.True(t, ok)
	assert.Len(t, issues, 1)
	assert.NotContains(t, fe.Details, "warnings")
}

func TestValidationResultToErrorMultiple(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].slug", ErrCodeValidation, "step slug is empty")
	r.AddError("steps[4].slug", ErrCodeValidation, "step slug is empty")
	r.AddError("transitions[0].target_slug", ErrCodeValidation, `transition target "done" does not exist`)
	r.AddWarning("steps", ErrCodeValidation, `step "island" is unreachable`)

	err := r.ToError()
	fe, ok := AsFlowError(err)
	require.True(t, ok)

	assert.Equal(t, "workflow validation failed: 3 errors", fe.Message)
	assert.Len(t, fe.Details["errors"], 3)
	assert.Len(t, fe.Details["warnings"], 1)
}
