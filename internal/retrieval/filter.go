package retrieval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
)

// ErrInvalidFilter is returned for filters that cannot be translated to SQL.
var ErrInvalidFilter = errors.New("invalid filter")

// Op is a filter comparison.
type Op string

const (
	OpEq            Op = "eq"
	OpIn            Op = "in"
	OpArrayContains Op = "arrayContains"
)

// Condition restricts one metadata key. Values are compared as text, the
// way Postgres projects JSONB with ->>.
type Condition struct {
	Key    string
	Op     Op
	Values []string
}

// Filter is a conjunction of conditions.
type Filter []Condition

// ParseFilter converts a JSON filter object into conditions ordered by key.
//
//	{"source": "wiki"}                      source = 'wiki'
//	{"lang": {"in": ["en", "de"]}}          lang is one of the values
//	{"tags": {"arrayContains": ["go"]}}     tags array holds any of the values
func ParseFilter(raw json.RawMessage) (Filter, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	var obj map[string]any
	if err := unmarshalUseNumber(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: filter must be a JSON object", ErrInvalidFilter)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f Filter
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("%w: empty metadata key", ErrInvalidFilter)
		}
		conds, err := parseCondition(key, obj[key])
		if err != nil {
			return nil, err
		}
		f = append(f, conds...)
	}
	return f, nil
}

func parseCondition(key string, v any) ([]Condition, error) {
	ops, isObject := v.(map[string]any)
	if !isObject {
		s, err := scalarText(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidFilter, key, err)
		}
		return []Condition{{Key: key, Op: OpEq, Values: []string{s}}}, nil
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: key %q: empty operator object", ErrInvalidFilter, key)
	}
	for name := range ops {
		if Op(name) != OpIn && Op(name) != OpArrayContains {
			return nil, fmt.Errorf("%w: key %q: unknown operator %q", ErrInvalidFilter, key, name)
		}
	}

	var conds []Condition
	for _, op := range []Op{OpIn, OpArrayContains} {
		list, ok := ops[string(op)]
		if !ok {
			continue
		}
		values, err := textList(list)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %s: %v", ErrInvalidFilter, key, op, err)
		}
		conds = append(conds, Condition{Key: key, Op: op, Values: values})
	}
	return conds, nil
}

func textList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected an array")
	}
	if len(items) == 0 {
		return nil, errors.New("expected at least one value")
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, err := scalarText(item)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// scalarText renders a JSON scalar as Postgres would with ->>.
func scalarText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", errors.New("null is not a comparable value")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Matches evaluates the filter against decoded metadata in process.
func (f Filter) Matches(meta map[string]any) bool {
	for _, c := range f {
		if !c.matches(meta) {
			return false
		}
	}
	return true
}

func (c Condition) matches(meta map[string]any) bool {
	v, ok := meta[c.Key]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq, OpIn:
		text, ok := projectText(v)
		return ok && slices.Contains(c.Values, text)
	case OpArrayContains:
		return containsAny(v, c.Values)
	}
	return false
}

// projectText mirrors jsonb ->> : scalars as text, containers as JSON, null
// as SQL NULL.
func projectText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// containsAny mirrors jsonb ?| : true when any value is a string element of
// an array, a key of an object, or equal to a string scalar.
func containsAny(v any, values []string) bool {
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok && slices.Contains(values, s) {
				return true
			}
		}
	case map[string]any:
		for _, want := range values {
			if _, ok := x[want]; ok {
				return true
			}
		}
	case string:
		return slices.Contains(values, x)
	}
	return false
}

func unmarshalUseNumber(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}
