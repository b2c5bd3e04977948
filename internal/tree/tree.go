// Package tree implements the JSON value model underlying treesync: a
// recursive structure of nil, bool, numbers, string, []any and
// map[string]any, with priority metadata stored out-of-band in a
// ".value"/".priority" envelope.
package tree

import (
	"strconv"
)

// Keys of the priority envelope.
const (
	ValueKey    = ".value"
	PriorityKey = ".priority"
)

// Data strips the priority envelope from a node, returning the bare
// value. Non-enveloped nodes pass through unchanged.
func Data(v any) any {
	if obj, ok := v.(map[string]any); ok {
		if inner, ok := obj[ValueKey]; ok {
			return inner
		}
	}
	return v
}

// Priority returns the node's priority, or nil when none is attached.
func Priority(v any) any {
	if obj, ok := v.(map[string]any); ok {
		if pri, ok := obj[PriorityKey]; ok {
			return pri
		}
	}
	return nil
}

// Pack wraps a value and its priority in the storage envelope.
func Pack(value, priority any) map[string]any {
	return map[string]any{ValueKey: value, PriorityKey: priority}
}

// Get walks to the node at path, descending through priority envelopes,
// and returns it (nil when absent). Array nodes accept integer segments.
func Get(root any, path []string) any {
	current := root
	for _, segment := range path {
		switch node := Data(current).(type) {
		case map[string]any:
			child, ok := node[segment]
			if !ok {
				return nil
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// Set writes value at path, creating intermediate objects as needed,
// and returns the new root. A nil value deletes the node and prunes
// empty ancestors. Setting at the root replaces the whole tree.
func Set(root any, path []string, value any) any {
	if len(path) == 0 {
		if IsEmpty(value) {
			return nil
		}
		return value
	}

	obj, ok := root.(map[string]any)
	if !ok {
		obj = make(map[string]any)
	}

	key := path[0]
	if len(path) == 1 {
		if IsEmpty(value) {
			delete(obj, key)
		} else {
			obj[key] = value
		}
	} else {
		child := Set(obj[key], path[1:], value)
		if child == nil {
			delete(obj, key)
		} else {
			obj[key] = child
		}
	}

	if len(obj) == 0 {
		return nil
	}
	return obj
}

// SetPriorityAt replaces the priority of the value at path without
// touching its data: inline for objects, via the leaf envelope
// otherwise. A no-op when no value exists there.
func SetPriorityAt(root any, path []string, priority any) any {
	current := Get(root, path)
	if IsEmpty(current) {
		return root
	}
	data := Data(current)
	if obj, ok := data.(map[string]any); ok {
		out := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			if k != PriorityKey {
				out[k] = v
			}
		}
		if priority != nil {
			out[PriorityKey] = priority
		}
		return Set(root, path, out)
	}
	if priority == nil {
		return Set(root, path, data)
	}
	return Set(root, path, Pack(data, priority))
}

// IsEmpty reports whether v holds no data: nil, an empty object, or an
// empty array.
func IsEmpty(v any) bool {
	switch node := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(node) == 0
	case []any:
		return len(node) == 0
	default:
		return false
	}
}

// Children returns the direct child map of a node (descending through
// the envelope), or nil for leaves. Arrays are exposed with their
// indices as keys, matching the wire representation.
func Children(v any) map[string]any {
	switch node := Data(v).(type) {
	case map[string]any:
		return node
	case []any:
		out := make(map[string]any, len(node))
		for i, item := range node {
			out[strconv.Itoa(i)] = item
		}
		return out
	default:
		return nil
	}
}

// Plain strips priority envelopes from the whole tree, returning the
// bare JSON value a caller without interest in priorities sees.
func Plain(v any) any {
	switch node := Data(v).(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			if k == PriorityKey {
				continue
			}
			out[k] = Plain(child)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = Plain(child)
		}
		return out
	default:
		return node
	}
}

// Clone deep-copies a value tree. Scalars are shared (immutable).
func Clone(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Equal compares two values with JSON semantics: numbers compare by
// numeric value regardless of Go type, objects and arrays recursively,
// everything else by identity.
func Equal(a, b any) bool {
	if an, ok := numeric(a); ok {
		bn, ok := numeric(b)
		return ok && an == bn
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, achild := range av {
			bchild, ok := bv[k]
			if !ok || !Equal(achild, bchild) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, achild := range av {
			if !Equal(achild, bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Numeric exposes the numeric coercion used throughout the module.
func Numeric(v any) (float64, bool) {
	return numeric(v)
}
