package database

import (
	"context"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

// Query is a Reference plus an immutable constraint set. Each chaining
// method returns a new Query; the receiver is never mutated, so a
// Query can be stored and forked. Illegal combinations (re-setting a
// clause, combining EqualTo with other bounds, a non-positive limit)
// are detected at chain time and surface as ErrInvalidArgument from
// Get or any On* method.
type Query struct {
	ref    *Reference
	params *query.Params
	err    error
}

// Ref returns the location this query reads from.
func (q *Query) Ref() *Reference { return q.ref }

func (q *Query) fail(err error) *Query {
	if q.err != nil {
		return q
	}
	return &Query{ref: q.ref, params: q.params, err: err}
}

func (q *Query) set(apply func(p *query.Params) error) *Query {
	if q.err != nil {
		return q
	}
	params := q.params.Clone()
	if err := apply(params); err != nil {
		return &Query{ref: q.ref, params: q.params, err: err}
	}
	return &Query{ref: q.ref, params: params}
}

func normalizeBound(value any) (any, error) {
	v, err := normalize(value)
	if err != nil {
		return nil, err
	}
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	default:
		return nil, dberr.InvalidArgumentf("query bounds must be scalar values")
	}
}

func (q *Query) bound(value any, key string, hasKey bool, inclusive bool, set func(p *query.Params, b query.Bound) error) *Query {
	return q.set(func(p *query.Params) error {
		v, err := normalizeBound(value)
		if err != nil {
			return err
		}
		return set(p, query.Bound{Value: v, Key: key, HasKey: hasKey, Inclusive: inclusive})
	})
}

// OrderByChild sorts results by the value at a relative path inside
// each child. The special names "$key", "$value" and "$priority" are
// rejected; use the dedicated methods. A second ordering clause on the
// same query is an error.
func (q *Query) OrderByChild(path string) *Query {
	switch path {
	case "$key":
		return q.fail(dberr.InvalidArgumentf("use OrderByKey instead of OrderByChild(%q)", path))
	case "$value":
		return q.fail(dberr.InvalidArgumentf("use OrderByValue instead of OrderByChild(%q)", path))
	case "$priority":
		return q.fail(dberr.InvalidArgumentf("use OrderByPriority instead of OrderByChild(%q)", path))
	}
	rel, err := tree.ParsePath(path)
	if err != nil {
		return q.fail(err)
	}
	return q.set(func(p *query.Params) error { return p.SetIndex(query.IndexChild, rel) })
}

// OrderByKey sorts results by child key.
func (q *Query) OrderByKey() *Query {
	return q.set(func(p *query.Params) error { return p.SetIndex(query.IndexKey, nil) })
}

// OrderByValue sorts results by child value.
func (q *Query) OrderByValue() *Query {
	return q.set(func(p *query.Params) error { return p.SetIndex(query.IndexValue, nil) })
}

// OrderByPriority sorts results by child priority.
func (q *Query) OrderByPriority() *Query {
	return q.set(func(p *query.Params) error { return p.SetIndex(query.IndexPriority, nil) })
}

// StartAt keeps children whose sort value is >= value.
func (q *Query) StartAt(value any) *Query {
	return q.bound(value, "", false, true, (*query.Params).SetStart)
}

// StartAtKey is StartAt with a key tiebreak: children whose sort value
// equals value are kept only from key onward.
func (q *Query) StartAtKey(value any, key string) *Query {
	return q.bound(value, key, true, true, (*query.Params).SetStart)
}

// StartAfter keeps children whose sort value is > value.
func (q *Query) StartAfter(value any) *Query {
	return q.bound(value, "", false, false, (*query.Params).SetStart)
}

// StartAfterKey is StartAfter with a key tiebreak.
func (q *Query) StartAfterKey(value any, key string) *Query {
	return q.bound(value, key, true, false, (*query.Params).SetStart)
}

// EndAt keeps children whose sort value is <= value.
func (q *Query) EndAt(value any) *Query {
	return q.bound(value, "", false, true, (*query.Params).SetEnd)
}

// EndAtKey is EndAt with a key tiebreak.
func (q *Query) EndAtKey(value any, key string) *Query {
	return q.bound(value, key, true, true, (*query.Params).SetEnd)
}

// EndBefore keeps children whose sort value is < value.
func (q *Query) EndBefore(value any) *Query {
	return q.bound(value, "", false, false, (*query.Params).SetEnd)
}

// EndBeforeKey is EndBefore with a key tiebreak.
func (q *Query) EndBeforeKey(value any, key string) *Query {
	return q.bound(value, key, true, false, (*query.Params).SetEnd)
}

// EqualTo keeps only children whose sort value equals value. Cannot be
// combined with other bounds.
func (q *Query) EqualTo(value any) *Query {
	return q.bound(value, "", false, true, (*query.Params).SetEqual)
}

// EqualToKey keeps only the child with the given sort value and key.
func (q *Query) EqualToKey(value any, key string) *Query {
	return q.bound(value, key, true, true, (*query.Params).SetEqual)
}

// LimitToFirst keeps only the first n results.
func (q *Query) LimitToFirst(n int) *Query {
	return q.set(func(p *query.Params) error { return p.SetLimitFirst(n) })
}

// LimitToLast keeps only the last n results. Delivery order stays
// ascending.
func (q *Query) LimitToLast(n int) *Query {
	return q.set(func(p *query.Params) error { return p.SetLimitLast(n) })
}

// Get reads the query result once. The snapshot iterates in query
// order.
func (q *Query) Get(ctx context.Context) (DataSnapshot, error) {
	if q.err != nil {
		return DataSnapshot{ref: q.ref}, q.err
	}
	raw, err := q.ref.db.backend.Get(ctx, q.ref.path, q.params)
	if err != nil {
		return DataSnapshot{ref: q.ref}, err
	}
	// Backends return the matching children without ordering; evaluate
	// locally to restore it.
	children := q.params.Evaluate(raw)
	value := raw
	if !q.params.IsDefault() {
		value = query.Assemble(children)
	}
	order := make([]string, len(children))
	for i, c := range children {
		order[i] = c.Key
	}
	return DataSnapshot{ref: q.ref, value: tree.Clone(value), order: order}, nil
}

// OnValue attaches a listener observing the query result as a whole.
func (q *Query) OnValue(fn ValueFunc) (*ListenerRegistration, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.ref.db.reg.subscribe(q.ref, q.params, listenValue, fn, nil)
}

// OnChildAdded attaches a listener observing children entering the
// query result.
func (q *Query) OnChildAdded(fn ChildFunc) (*ListenerRegistration, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.ref.db.reg.subscribe(q.ref, q.params, listenChildAdded, nil, fn)
}

// OnChildChanged attaches a listener observing value changes of
// children inside the query result.
func (q *Query) OnChildChanged(fn ChildFunc) (*ListenerRegistration, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.ref.db.reg.subscribe(q.ref, q.params, listenChildChanged, nil, fn)
}

// OnChildRemoved attaches a listener observing children leaving the
// query result.
func (q *Query) OnChildRemoved(fn ChildFunc) (*ListenerRegistration, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.ref.db.reg.subscribe(q.ref, q.params, listenChildRemoved, nil, fn)
}

// OnChildMoved attaches a listener observing children changing
// position within the query result.
func (q *Query) OnChildMoved(fn ChildFunc) (*ListenerRegistration, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.ref.db.reg.subscribe(q.ref, q.params, listenChildMoved, nil, fn)
}
