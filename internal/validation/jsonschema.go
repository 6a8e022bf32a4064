package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowstate/flowstate/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow document validation.
// Embedded as a constant to avoid filesystem dependencies. Step parameters
// are deliberately left open: each handler validates its own parameter map
// lazily at execution time.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/workflow.json",
  "type": "object",
  "required": ["slug", "steps", "transitions"],
  "properties": {
    "id": { "type": "integer" },
    "slug": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-zA-Z0-9][a-zA-Z0-9_-]*$"
    },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "transitions": {
      "type": "array",
      "items": { "$ref": "#/$defs/transition" }
    },
    "max_iterations": {
      "type": "integer",
      "minimum": 1
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["slug", "kind"],
      "properties": {
        "slug": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": [
            "start", "end", "condition", "while", "assign", "watch",
            "transform", "assistant_message", "wait_for_user_input",
            "parallel_split", "parallel_join", "agent", "voice_agent",
            "widget", "vector_store_ingest", "nested_workflow_call"
          ]
        },
        "title": { "type": "string" },
        "parameters": { "type": "object" },
        "position": { "type": "integer" },
        "parent_slug": { "type": "string" },
        "is_enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["source_slug", "target_slug"],
      "properties": {
        "id": { "type": "integer" },
        "source_slug": {
          "type": "string",
          "minLength": 1
        },
        "target_slug": {
          "type": "string",
          "minLength": 1
        },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// docValidator validates raw workflow documents against the embedded JSON
// Schema. Safe for concurrent use once compiled.
type docValidator struct {
	workflowSchema *jsonschema.Schema
}

// newDocValidator compiles the embedded workflow schema once.
func newDocValidator() (*docValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowstate.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://flowstate.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &docValidator{workflowSchema: compiled}, nil
}

// validateRaw checks a raw document against the workflow schema.
func (v *docValidator) validateRaw(raw []byte) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}

	// Decode through the jsonschema reader so numbers arrive as
	// json.Number, which the library requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow document is not valid JSON: %s", err.Error()).WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per violated location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"document validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into one message per
// leaf, prefixed with the instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	var out []string
	appendLeaves(&out, verr)
	return out
}

func appendLeaves(out *[]string, verr *jsonschema.ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			appendLeaves(out, cause)
		}
		return
	}
	loc := "/" + strings.Join(verr.InstanceLocation, "/")
	if len(verr.InstanceLocation) == 0 {
		loc = "/"
	}
	*out = append(*out, fmt.Sprintf("%s: %s", loc, verr.Error()))
}
