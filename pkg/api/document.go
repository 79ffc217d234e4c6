package api

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// Document is the JSON-like payload threaded through an execution.
// Each task step receives a copy and returns a patch that the engine
// merges back at the state's ResultPath.
type Document map[string]any

// Clone returns a deep copy of the document. Steps must never observe
// another step's in-flight mutations, so the engine always hands out copies.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		// A Document is built from JSON-compatible values by construction;
		// marshalling it cannot fail unless a step smuggled in a channel or
		// similar. Fall back to a shallow copy rather than panicking.
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		out = make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
	}
	return out
}

// Get resolves a reference path ("$.analysis.confidence") against the
// document. The second return is false if any segment is missing.
func (d Document) Get(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			if dm, ok2 := cur.(Document); ok2 {
				m = map[string]any(dm)
			} else {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetNumber resolves path and coerces the value to float64.
func (d Document) GetNumber(path string) (float64, bool) {
	v, ok := d.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetString resolves path to a string value.
func (d Document) GetString(path string) (string, bool) {
	v, ok := d.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool resolves path to a boolean value.
func (d Document) GetBool(path string) (bool, bool) {
	v, ok := d.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// ApplyResult merges a step result into the document at resultPath and
// returns the updated document. The input document is not mutated.
//
// Semantics:
//   - resultPath "" or "$": the result (which must be an object) is merged
//     over the document root; result keys win on conflict.
//   - "$.a.b": the result is stored under that path; intermediate objects
//     are created as needed, siblings are left untouched.
func ApplyResult(doc Document, resultPath string, result any) (Document, error) {
	out := doc.Clone()

	result = normalizeValue(result)

	if resultPath == "" || resultPath == "$" {
		patch, ok := result.(map[string]any)
		if !ok {
			if pd, ok2 := result.(Document); ok2 {
				patch = map[string]any(pd)
			} else {
				return nil, fmt.Errorf("result for root path must be an object, got %T", result)
			}
		}
		dst := map[string]any(out)
		if err := mergo.Merge(&dst, patch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge result at root: %w", err)
		}
		return Document(dst), nil
	}

	segs, err := splitPath(resultPath)
	if err != nil {
		return nil, err
	}

	cur := map[string]any(out)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = result

	return out, nil
}

// normalizeValue converts Document values and nested structures into the
// plain map[string]any form used after a JSON round trip, so documents look
// the same whether they were just built or reloaded from a store.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case Document:
		return normalizeValue(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) ([]string, error) {
	if path == "" || path == "$" {
		return nil, fmt.Errorf("path %q does not address a field", path)
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, fmt.Errorf("invalid reference path %q (must start with $.)", path)
	}
	segs := strings.Split(path[2:], ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("invalid reference path %q (empty segment)", path)
		}
	}
	return segs, nil
}
