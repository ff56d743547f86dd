package provider

import (
	"strconv"
	"strings"
)

// Lookup traverses a decoded JSON value by dotted path. Numeric segments
// index into arrays ("records.0.score"). Returns ok=false when any segment
// is missing.
func Lookup(raw any, path string) (any, bool) {
	cur := raw
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// LookupNumber resolves path to a float64. JSON numbers decode as float64;
// numeric strings are tolerated because several vendors quote their values.
func LookupNumber(raw any, path string) (float64, bool) {
	v, ok := Lookup(raw, path)
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

// LookupString resolves path to a string.
func LookupString(raw any, path string) (string, bool) {
	v, ok := Lookup(raw, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// LookupMillis resolves path to epoch milliseconds. Accepts numbers and
// RFC3339 strings.
func LookupMillis(raw any, path string) (int64, bool) {
	v, ok := Lookup(raw, path)
	if !ok {
		return 0, false
	}
	return asMillis(v)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
