package database

import (
	"sort"

	"github.com/treesync/treesync/internal/tree"
)

// DataSnapshot is an immutable view of the data at one location at one
// point in time, carrying the child ordering of the query that
// produced it.
type DataSnapshot struct {
	ref   *Reference
	value any
	order []string
}

// Key returns the last segment of the snapshot's path, or "" at the
// root.
func (s DataSnapshot) Key() string {
	if s.ref == nil || len(s.ref.path) == 0 {
		return ""
	}
	return s.ref.path[len(s.ref.path)-1]
}

// Ref returns the location this snapshot was read from.
func (s DataSnapshot) Ref() *Reference { return s.ref }

// Exists reports whether the location held any data.
func (s DataSnapshot) Exists() bool { return tree.Data(s.value) != nil }

// Value returns the data with all priority metadata stripped.
func (s DataSnapshot) Value() any { return tree.Plain(s.value) }

// ExportValue returns the data with priorities preserved in the
// ".value"/".priority" envelope format.
func (s DataSnapshot) ExportValue() any { return tree.Clone(s.value) }

// Priority returns the priority attached to this location, or nil.
func (s DataSnapshot) Priority() any { return tree.Priority(s.value) }

// Child returns the snapshot of a descendant, which may not exist. The
// path is relative, e.g. "users/alice".
func (s DataSnapshot) Child(path string) DataSnapshot {
	rel, err := tree.ParsePath(path)
	if err != nil {
		return DataSnapshot{ref: s.ref}
	}
	var ref *Reference
	if s.ref != nil {
		ref = s.ref.child(rel)
	}
	return DataSnapshot{ref: ref, value: tree.Clone(tree.Get(s.value, rel))}
}

// HasChild reports whether data exists at the relative path.
func (s DataSnapshot) HasChild(path string) bool {
	return s.Child(path).Exists()
}

// HasChildren reports whether the location holds a non-leaf value.
func (s DataSnapshot) HasChildren() bool { return s.Size() > 0 }

// Size returns the number of direct children.
func (s DataSnapshot) Size() int {
	n := 0
	for key := range tree.Children(s.value) {
		if key != tree.PriorityKey {
			n++
		}
	}
	return n
}

// ForEach visits each direct child in query order (or key order when
// the snapshot was not produced by a query), stopping early when fn
// returns false. Reports whether iteration ran to completion.
func (s DataSnapshot) ForEach(fn func(child DataSnapshot) bool) bool {
	children := tree.Children(s.value)
	keys := s.order
	if keys == nil {
		keys = make([]string, 0, len(children))
		for key := range children {
			if key != tree.PriorityKey {
				keys = append(keys, key)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return tree.CompareKeys(keys[i], keys[j]) < 0
		})
	}

	for _, key := range keys {
		value, ok := children[key]
		if !ok {
			continue
		}
		var ref *Reference
		if s.ref != nil {
			ref = s.ref.child([]string{key})
		}
		if !fn(DataSnapshot{ref: ref, value: tree.Clone(value)}) {
			return false
		}
	}
	return true
}
