package validation

import (
	"encoding/json"
	"sync"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Validation runs in three stages: structural (JSON Schema over the raw
// document), semantic (cross-references the schema cannot express), and
// graph (reachability over transitions). Structural errors short-circuit;
// graph analysis is skipped when the semantic stage found errors, since the
// graph may not be well formed enough to walk.

var (
	docOnce sync.Once
	doc     *docValidator
	docErr  error
)

func sharedDocValidator() (*docValidator, error) {
	docOnce.Do(func() {
		doc, docErr = newDocValidator()
	})
	return doc, docErr
}

// ValidateDocument checks a raw workflow document against the embedded
// JSON Schema. It does not touch semantics; callers unmarshal and run
// ValidateWorkflow after it passes.
func ValidateDocument(raw json.RawMessage) error {
	v, err := sharedDocValidator()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "workflow schema failed to compile: %v", err)
	}
	return v.validateRaw(raw)
}

// ValidateWorkflow runs the semantic and graph stages on an unmarshaled
// workflow and folds the result into a single error, nil when clean.
func ValidateWorkflow(wf *schema.Workflow) error {
	return Check(wf).ToError()
}

// Check returns the full validation result, warnings included, for callers
// that want to surface non-fatal findings instead of collapsing to an error.
func Check(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := checkSemantic(wf)
	if result.Valid() {
		result.Merge(checkGraph(wf))
	}
	return result
}
