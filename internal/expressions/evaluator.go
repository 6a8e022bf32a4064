package expressions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Evaluator resolves inline expressions against the run's state and the
// previous step's context ("input"). Pure: no I/O, no engine access beyond
// the sandboxed expression fallback.
//
// Resolution order for an expression string:
//  1. literal JSON (numbers, bools, null, quoted strings, arrays, objects)
//  2. the bare tokens "state" / "input" (whole map)
//  3. dotted paths "state.a.b" / "input.a.b"
//  4. best-effort sandboxed expression with only state/input bound
//
// Unresolvable paths yield nil, never an error. The one hard error is any
// "input" usage when no prior step context exists.
type Evaluator struct {
	logic  *ExprEngine
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. A nil logger discards debug output.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Evaluator{
		logic:  NewExprEngine(),
		logger: logger,
	}
}

// Evaluate resolves a single expression. input may be nil when no step has
// produced output yet; referencing it then is a hard error.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, state, input map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	// Literal JSON first, so quoted strings and numbers never reach the
	// path or expression machinery.
	if v, ok := tryLiteral(expression); ok {
		return v, nil
	}

	switch expression {
	case "state":
		return state, nil
	case "input":
		if input == nil {
			return nil, noInputErr(expression)
		}
		return input, nil
	}

	if isPath(expression) {
		if rest, ok := strings.CutPrefix(expression, "state."); ok {
			return resolvePath(state, rest), nil
		}
		if rest, ok := strings.CutPrefix(expression, "input."); ok {
			if input == nil {
				return nil, noInputErr(expression)
			}
			return resolvePath(input, rest), nil
		}
	}

	// Best-effort expression fallback. Only state and input are bound;
	// failures resolve to nil rather than aborting the run.
	env := map[string]any{"state": state}
	if input != nil {
		env["input"] = input
	} else {
		env["input"] = map[string]any{}
	}

	out, err := ev.logic.Evaluate(ctx, expression, env)
	if err != nil {
		ev.logger.Debug("expression fallback failed",
			slog.String("expression", expression),
			slog.String("error", err.Error()))
		return nil, nil
	}
	return out, nil
}

// isPath reports whether the expression is a plain dotted path: identifier
// segments only. Anything carrying operators, whitespace or brackets belongs
// to the expression fallback instead.
func isPath(expression string) bool {
	for _, r := range expression {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// tryLiteral parses the expression as a standalone JSON value.
// Bare words ("state", "flag") are not valid JSON and fall through.
func tryLiteral(expression string) (any, bool) {
	var v any
	dec := json.NewDecoder(strings.NewReader(expression))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Reject trailing content ("1 + 2" decodes 1 and leaves "+ 2").
	if dec.More() {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return normalizeNumbers(v), true
}

// normalizeNumbers converts json.Number values to int or float64 so literal
// numbers compare naturally with values handlers wrote into state.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

// resolvePath walks a dotted path through nested maps. When a segment is not
// a key at the current level, progressively longer dotted joins of the
// remaining segments are tried as a single key (state maps legitimately hold
// dotted keys). Opaque non-map values fall back to attribute-style lookup.
// Any dead end resolves to nil.
func resolvePath(root any, path string) any {
	segments := strings.Split(path, ".")
	current := root

	for i := 0; i < len(segments); {
		if current == nil {
			return nil
		}

		switch v := current.(type) {
		case map[string]any:
			val, consumed, ok := lookupKey(v, segments[i:])
			if !ok {
				return nil
			}
			current = val
			i += consumed
		default:
			val, ok := lookupAttr(current, segments[i])
			if !ok {
				return nil
			}
			current = val
			i++
		}
	}

	return current
}

// lookupKey finds the shortest dotted join of segments that is a key of m.
// Returns the value and how many segments the key consumed.
func lookupKey(m map[string]any, segments []string) (any, int, bool) {
	key := ""
	for j, seg := range segments {
		if j == 0 {
			key = seg
		} else {
			key += "." + seg
		}
		if v, ok := m[key]; ok {
			return v, j + 1, true
		}
	}
	return nil, 0, false
}

// lookupAttr reads an exported field from a struct (or pointer to struct) by
// case-insensitive name. Used for opaque objects handlers park in state.
func lookupAttr(obj any, name string) (any, bool) {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, name) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func noInputErr(expression string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"no prior result available for \"input\" in %q", expression).
		WithDetails(map[string]any{"expression": expression})
}
