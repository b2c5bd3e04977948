package query

import (
	"sort"

	"github.com/treesync/treesync/internal/tree"
)

// Child is one entry of an evaluated result, in delivery order. Value
// retains any priority envelope.
type Child struct {
	Key   string
	Value any
}

// Evaluate applies the constraint set to a raw subtree and returns the
// surviving children in ascending order under the active sort
// criterion. limitToLast trims from the front so delivery order stays
// ascending. A leaf (or empty) node yields no children.
func (p *Params) Evaluate(v any) []Child {
	childMap := tree.Children(v)
	if len(childMap) == 0 {
		return nil
	}

	children := make([]Child, 0, len(childMap))
	for key, val := range childMap {
		if key == tree.PriorityKey {
			continue
		}
		children = append(children, Child{Key: key, Value: val})
	}
	if len(children) == 0 {
		return nil
	}
	p.Sort(children)

	if p != nil {
		if p.start != nil {
			children = filter(children, func(c Child) bool {
				return p.passesStart(c)
			})
		}
		if p.end != nil {
			children = filter(children, func(c Child) bool {
				return p.passesEnd(c)
			})
		}
		switch p.limit {
		case limitFirst:
			if len(children) > p.limitCount {
				children = children[:p.limitCount]
			}
		case limitLast:
			if len(children) > p.limitCount {
				children = children[len(children)-p.limitCount:]
			}
		}
	}

	return children
}

// Assemble rebuilds a value from evaluated children, for snapshots of
// filtered queries.
func Assemble(children []Child) any {
	if len(children) == 0 {
		return nil
	}
	out := make(map[string]any, len(children))
	for _, c := range children {
		out[c.Key] = c.Value
	}
	return out
}

// Sort orders children ascending under the active criterion, breaking
// ties by key.
func (p *Params) Sort(children []Child) {
	sort.SliceStable(children, func(i, j int) bool {
		return p.compare(children[i], children[j]) < 0
	})
}

func (p *Params) compare(a, b Child) int {
	if c := p.compareSortValues(p.sortValue(a), p.sortValue(b)); c != 0 {
		return c
	}
	return tree.CompareKeys(a.Key, b.Key)
}

// sortValue extracts the value a child is ordered by.
func (p *Params) sortValue(c Child) any {
	if p == nil {
		return tree.Priority(c.Value)
	}
	switch p.index {
	case IndexKey:
		return c.Key
	case IndexValue:
		return tree.Data(c.Value)
	case IndexChild:
		return tree.Data(tree.Get(tree.Data(c.Value), p.childPath))
	default:
		return tree.Priority(c.Value)
	}
}

func (p *Params) compareSortValues(a, b any) int {
	if p != nil && p.index == IndexKey {
		return tree.CompareKeys(a.(string), b.(string))
	}
	return tree.CompareValues(a, b)
}

func (p *Params) passesStart(c Child) bool {
	b := p.start
	cmp := p.compareSortValues(p.sortValue(c), p.boundValue(b))
	if cmp != 0 {
		return cmp > 0
	}
	if b.HasKey {
		k := tree.CompareKeys(c.Key, b.Key)
		if b.Inclusive {
			return k >= 0
		}
		return k > 0
	}
	return b.Inclusive
}

func (p *Params) passesEnd(c Child) bool {
	b := p.end
	cmp := p.compareSortValues(p.sortValue(c), p.boundValue(b))
	if cmp != 0 {
		return cmp < 0
	}
	if b.HasKey {
		k := tree.CompareKeys(c.Key, b.Key)
		if b.Inclusive {
			return k <= 0
		}
		return k < 0
	}
	return b.Inclusive
}

// boundValue normalizes the bound endpoint for comparison under the key
// index, where sort values are strings.
func (p *Params) boundValue(b *Bound) any {
	if p.index == IndexKey {
		if s, ok := b.Value.(string); ok {
			return s
		}
		return ""
	}
	return b.Value
}

func filter(children []Child, keep func(Child) bool) []Child {
	out := children[:0]
	for _, c := range children {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
