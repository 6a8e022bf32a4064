package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Render resolves a template string containing {{expr}} placeholders.
//
// A string that is exactly one placeholder (modulo surrounding whitespace)
// evaluates to the raw value of the expression, preserving its type. A string
// mixing placeholders with literal text renders each placeholder through
// Stringify and concatenates. A string without placeholders is returned
// unchanged. An unclosed "{{" is left as literal text.
func (ev *Evaluator) Render(ctx context.Context, template string, state, input map[string]any) (any, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	if inner, ok := singlePlaceholder(template); ok {
		return ev.Evaluate(ctx, inner, state, input)
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// No closing marker: keep the rest literally.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		val, err := ev.Evaluate(ctx, expr, state, input)
		if err != nil {
			return nil, err
		}
		result.WriteString(Stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// singlePlaceholder reports whether the template is exactly one {{expr}}
// surrounded by nothing but whitespace, returning the inner expression.
func singlePlaceholder(template string) (string, bool) {
	t := strings.TrimSpace(template)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	// A second opening marker means mixed content, not a single placeholder.
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// ResolveValue resolves a raw parameter string: template rendering when it
// contains {{...}}, expression evaluation otherwise. Handlers use this for
// parameters that accept either form (condition paths, assign right-hand
// sides, widget bindings, scoring expressions).
func (ev *Evaluator) ResolveValue(ctx context.Context, raw string, state, input map[string]any) (any, error) {
	if strings.Contains(raw, "{{") {
		return ev.Render(ctx, raw, state, input)
	}
	return ev.Evaluate(ctx, raw, state, input)
}

// ResolveTree recursively resolves a parameter tree: map values and slice
// items are resolved in place semantics (a new tree is returned), strings are
// rendered as templates, everything else passes through untouched.
func (ev *Evaluator) ResolveTree(ctx context.Context, tree any, state, input map[string]any) (any, error) {
	switch v := tree.(type) {
	case string:
		return ev.Render(ctx, v, state, input)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := ev.ResolveTree(ctx, item, state, input)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := ev.ResolveTree(ctx, item, state, input)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return tree, nil
	}
}

// Stringify renders a value for embedding in template text or for use as a
// branch label: nil becomes empty, bools "true"/"false", integral floats
// render without a decimal point, and objects/arrays compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Truthy reports the boolean weight of a value: nil and zero values are
// false, non-empty strings and collections are true, unknown types are true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
