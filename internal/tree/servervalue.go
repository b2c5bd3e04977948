package tree

import (
	"strconv"

	"github.com/treesync/treesync/internal/dberr"
)

// ServerValueKey marks a placeholder node requesting a
// server-authoritative value.
const ServerValueKey = ".sv"

// ContainsServerValue reports whether any node in v is a server-value
// placeholder.
func ContainsServerValue(v any) bool {
	switch node := v.(type) {
	case map[string]any:
		if _, ok := node[ServerValueKey]; ok {
			return true
		}
		for _, child := range node {
			if ContainsServerValue(child) {
				return true
			}
		}
	case []any:
		for _, child := range node {
			if ContainsServerValue(child) {
				return true
			}
		}
	}
	return false
}

// ResolveServerValues substitutes every placeholder in value:
// "timestamp" becomes nowMillis, {"increment": d} becomes the numeric
// current value at the same position plus d (missing or non-numeric
// current counts as zero). current is the value presently stored at the
// written path; it is walked in parallel so nested increments see the
// matching node.
func ResolveServerValues(value, current any, nowMillis int64) (any, error) {
	switch node := value.(type) {
	case map[string]any:
		if spec, ok := node[ServerValueKey]; ok {
			return resolvePlaceholder(spec, Data(current), nowMillis)
		}
		resolved := make(map[string]any, len(node))
		for key, child := range node {
			childCurrent := childOf(Data(current), key)
			r, err := ResolveServerValues(child, childCurrent, nowMillis)
			if err != nil {
				return nil, err
			}
			resolved[key] = r
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(node))
		for i, child := range node {
			childCurrent := childOf(Data(current), strconv.Itoa(i))
			r, err := ResolveServerValues(child, childCurrent, nowMillis)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func childOf(current any, key string) any {
	switch node := current.(type) {
	case map[string]any:
		return node[key]
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil
		}
		return node[idx]
	default:
		return nil
	}
}

func resolvePlaceholder(spec, current any, nowMillis int64) (any, error) {
	switch s := spec.(type) {
	case string:
		if s == "timestamp" {
			return nowMillis, nil
		}
	case map[string]any:
		if rawDelta, ok := s["increment"]; ok {
			delta, ok := numeric(rawDelta)
			if !ok {
				return nil, dberr.InvalidArgumentf("increment delta must be numeric")
			}
			base, _ := numeric(Data(current))
			return base + delta, nil
		}
	}
	return nil, dberr.InvalidArgumentf("unsupported server value placeholder")
}
