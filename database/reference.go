package database

import (
	"context"
	"time"

	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

// Reference is a location in the tree. References are cheap immutable
// values; deriving one performs no I/O.
type Reference struct {
	db   *Database
	path []string
}

// Key returns the last segment of the path, or "" at the root.
func (r *Reference) Key() string {
	if len(r.path) == 0 {
		return ""
	}
	return r.path[len(r.path)-1]
}

// Path returns the absolute slash-joined path, "/" at the root.
func (r *Reference) Path() string { return tree.JoinPath(r.path) }

// Child returns a Reference to a descendant. The path is relative and
// may span multiple levels ("users/alice").
func (r *Reference) Child(path string) (*Reference, error) {
	rel, err := tree.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return r.child(rel), nil
}

func (r *Reference) child(rel []string) *Reference {
	path := make([]string, 0, len(r.path)+len(rel))
	path = append(path, r.path...)
	path = append(path, rel...)
	return &Reference{db: r.db, path: path}
}

// Parent returns the Reference one level up, or nil at the root.
func (r *Reference) Parent() *Reference {
	if len(r.path) == 0 {
		return nil
	}
	return &Reference{db: r.db, path: r.path[:len(r.path)-1]}
}

// Root returns the Reference to the top of the tree.
func (r *Reference) Root() *Reference {
	return &Reference{db: r.db, path: nil}
}

// Get reads the current value.
func (r *Reference) Get(ctx context.Context) (DataSnapshot, error) {
	raw, err := r.db.backend.Get(ctx, r.path, nil)
	if err != nil {
		return DataSnapshot{ref: r}, err
	}
	return DataSnapshot{ref: r, value: raw}, nil
}

// Export reads the current value with priorities preserved in the
// ".value"/".priority" envelope format.
func (r *Reference) Export(ctx context.Context) (any, error) {
	return r.db.backend.Get(ctx, r.path, nil)
}

// Set replaces the value at this location. Maps, slices, structs and
// scalars are accepted; nil (or an empty map/slice) deletes. Server
// value placeholders are resolved before the write.
func (r *Reference) Set(ctx context.Context, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	v, err = r.resolve(ctx, r.path, v)
	if err != nil {
		return err
	}
	if err := r.db.backend.Put(ctx, r.path, v); err != nil {
		return err
	}
	r.db.reg.refresh(ctx, r.path)
	return nil
}

// SetWithPriority writes a value together with its priority (nil, a
// number, or a string).
func (r *Reference) SetWithPriority(ctx context.Context, value, priority any) error {
	if err := tree.ValidatePriority(priority); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	v, err = r.resolve(ctx, r.path, v)
	if err != nil {
		return err
	}
	if err := r.db.backend.Put(ctx, r.path, withPriority(v, priority)); err != nil {
		return err
	}
	r.db.reg.refresh(ctx, r.path)
	return nil
}

// SetPriority changes the priority of the existing value without
// touching the data.
func (r *Reference) SetPriority(ctx context.Context, priority any) error {
	if err := tree.ValidatePriority(priority); err != nil {
		return err
	}
	target := append(append([]string{}, r.path...), tree.PriorityKey)
	if err := r.db.backend.Put(ctx, target, priority); err != nil {
		return err
	}
	r.db.reg.refresh(ctx, r.path)
	return nil
}

// Update applies a multi-location merge: each key is a relative slash
// path written atomically with the others. A nil value deletes its
// target. Keys not named are untouched.
func (r *Reference) Update(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	resolved := make(map[string]any, len(updates))
	for key, value := range updates {
		rel, err := tree.ParsePath(key)
		if err != nil {
			return err
		}
		v, err := normalize(value)
		if err != nil {
			return err
		}
		target := append(append([]string{}, r.path...), rel...)
		v, err = r.resolve(ctx, target, v)
		if err != nil {
			return err
		}
		resolved[key] = v
	}
	if err := r.db.backend.Patch(ctx, r.path, resolved); err != nil {
		return err
	}
	r.db.reg.refresh(ctx, r.path)
	return nil
}

// Remove deletes the value at this location.
func (r *Reference) Remove(ctx context.Context) error {
	if err := r.db.backend.Delete(ctx, r.path); err != nil {
		return err
	}
	r.db.reg.refresh(ctx, r.path)
	return nil
}

// Push returns a Reference to a new child with a chronologically
// sortable generated key. Nothing is written.
func (r *Reference) Push() *Reference {
	return r.child([]string{r.db.push.next(time.Now())})
}

// PushValue generates a child key and writes value under it, returning
// the new child's Reference.
func (r *Reference) PushValue(ctx context.Context, value any) (*Reference, error) {
	child := r.Push()
	if err := child.Set(ctx, value); err != nil {
		return nil, err
	}
	return child, nil
}

// resolve substitutes server value placeholders, reading the current
// value at the write target when a placeholder needs it.
func (r *Reference) resolve(ctx context.Context, path []string, value any) (any, error) {
	if !tree.ContainsServerValue(value) {
		return value, nil
	}
	current, err := r.db.backend.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return tree.ResolveServerValues(value, current, time.Now().UnixMilli())
}

// withPriority attaches a priority to a written value: inline for
// objects, via the leaf envelope otherwise.
func withPriority(value, priority any) any {
	if priority == nil {
		return value
	}
	if obj, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			out[k] = v
		}
		out[tree.PriorityKey] = priority
		return out
	}
	return tree.Pack(value, priority)
}

// OnValue attaches a listener observing the whole value at this
// location. fn fires immediately with the current value, then on every
// change.
func (r *Reference) OnValue(fn ValueFunc) (*ListenerRegistration, error) {
	return r.db.reg.subscribe(r, nil, listenValue, fn, nil)
}

// OnChildAdded attaches a listener observing child arrivals. fn fires
// once per existing child, then for each new one.
func (r *Reference) OnChildAdded(fn ChildFunc) (*ListenerRegistration, error) {
	return r.db.reg.subscribe(r, nil, listenChildAdded, nil, fn)
}

// OnChildChanged attaches a listener observing child value changes.
func (r *Reference) OnChildChanged(fn ChildFunc) (*ListenerRegistration, error) {
	return r.db.reg.subscribe(r, nil, listenChildChanged, nil, fn)
}

// OnChildRemoved attaches a listener observing child removals. The
// snapshot carries the child's last value.
func (r *Reference) OnChildRemoved(fn ChildFunc) (*ListenerRegistration, error) {
	return r.db.reg.subscribe(r, nil, listenChildRemoved, nil, fn)
}

// OnChildMoved attaches a listener observing children changing
// position in query order.
func (r *Reference) OnChildMoved(fn ChildFunc) (*ListenerRegistration, error) {
	return r.db.reg.subscribe(r, nil, listenChildMoved, nil, fn)
}

// OrderByChild sorts query results by the value at a relative path
// inside each child.
func (r *Reference) OrderByChild(path string) *Query { return r.query().OrderByChild(path) }

// OrderByKey sorts query results by child key.
func (r *Reference) OrderByKey() *Query { return r.query().OrderByKey() }

// OrderByValue sorts query results by child value.
func (r *Reference) OrderByValue() *Query { return r.query().OrderByValue() }

// OrderByPriority sorts query results by child priority.
func (r *Reference) OrderByPriority() *Query { return r.query().OrderByPriority() }

// LimitToFirst keeps only the first n results.
func (r *Reference) LimitToFirst(n int) *Query {
	return r.query().LimitToFirst(n)
}

// LimitToLast keeps only the last n results, still delivered in
// ascending order.
func (r *Reference) LimitToLast(n int) *Query {
	return r.query().LimitToLast(n)
}

func (r *Reference) query() *Query {
	return &Query{ref: r, params: &query.Params{}}
}
