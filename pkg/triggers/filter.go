package triggers

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Filter is a conjunctive map of event field-path to matcher. A matcher
// is either a literal (implicit equality) or a single-key operator map
// over $eq, $ne, $in, $exists. Unknown operators fail closed.
type Filter map[string]interface{}

// Matches evaluates the filter against an event rendered as a map.
// Field paths use dot notation; every condition must hold.
func (f Filter) Matches(event map[string]interface{}) bool {
	for path, matcher := range f {
		value, present := lookupPath(event, path)
		if !matchOne(matcher, value, present) {
			return false
		}
	}
	return true
}

func matchOne(matcher, value interface{}, present bool) bool {
	if op, ok := operatorMap(matcher); ok {
		for name, arg := range op {
			switch name {
			case "$eq":
				if !present || !looseEqual(value, arg) {
					return false
				}
			case "$ne":
				if present && looseEqual(value, arg) {
					return false
				}
			case "$in":
				list, ok := arg.([]interface{})
				if !ok || !present {
					return false
				}
				found := false
				for _, item := range list {
					if looseEqual(value, item) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			case "$exists":
				want, ok := arg.(bool)
				if !ok || present != want {
					return false
				}
			default:
				// Fail closed on operators this kernel does not know.
				return false
			}
		}
		return true
	}
	return present && looseEqual(value, matcher)
}

// operatorMap reports whether the matcher is an operator map: a map
// whose every key starts with '$'.
func operatorMap(matcher interface{}) (map[string]interface{}, bool) {
	m, ok := matcher.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func lookupPath(event map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = event
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares values the way JSON round-trips leave them:
// numbers compare by value regardless of int/float/json.Number carrier,
// everything else by deep equality.
func looseEqual(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
