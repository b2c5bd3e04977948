package database

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/treesync/treesync/internal/backend"
	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

// ValueFunc observes the full value of a location. When re-evaluating
// the listen target fails, fn receives the error and an empty snapshot;
// the listener stays attached and later changes are delivered again.
type ValueFunc func(snap DataSnapshot, err error)

// ChildFunc observes one direct child of a location. prevKey is the
// key of the sibling immediately before the child in query order, or
// "" when the child is first. It is always "" for removals and for
// error deliveries.
type ChildFunc func(snap DataSnapshot, prevKey string, err error)

type listenerKind uint8

const (
	listenValue listenerKind = iota
	listenChildAdded
	listenChildChanged
	listenChildRemoved
	listenChildMoved
)

// ListenerRegistration is the handle returned by every subscription.
type ListenerRegistration struct {
	registry *registry
	entry    *watchEntry
	handle   *listenerHandle
}

// Unsubscribe detaches the listener. It is idempotent and does not
// block on an in-flight notification; once it returns, notifications
// that have not yet started will never run.
func (lr *ListenerRegistration) Unsubscribe() {
	if !lr.handle.closed.CompareAndSwap(false, true) {
		return
	}
	r := lr.registry
	r.mu.Lock()
	delete(lr.entry.listeners, lr.handle.id)
	last := len(lr.entry.listeners) == 0
	if last {
		delete(r.entries, lr.entry.spec.Key())
	}
	r.mu.Unlock()

	if last {
		if err := r.db.backend.Unlisten(context.Background(), lr.entry.spec); err != nil {
			r.db.logger.Warn("unlisten failed", log.Error(err))
		}
	}
}

type listenerHandle struct {
	id      int64
	kind    listenerKind
	valueFn ValueFunc
	childFn ChildFunc

	// mu serializes invocations; closed short-circuits them without
	// waiting, which is what makes Unsubscribe non-blocking.
	mu     sync.Mutex
	closed atomic.Bool
}

func (h *listenerHandle) fire(invoke func()) {
	if h.closed.Load() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	invoke()
}

// watchEntry is the shared state for all listeners on one listen
// target. raw is the export-format value at the target path, children
// and value are its post-query projection.
type watchEntry struct {
	spec backend.ListenSpec
	ref  *Reference

	mu       sync.Mutex
	primed   bool
	raw      any
	value    any
	children []query.Child

	// listeners is guarded by registry.mu, not entry.mu.
	listeners map[int64]*listenerHandle
}

// setLocked installs a new raw value and recomputes the query
// projection. Callers hold e.mu.
func (e *watchEntry) setLocked(raw any) {
	e.raw = raw
	e.children = e.spec.Params.Evaluate(raw)
	if e.spec.Params.IsDefault() {
		e.value = raw
	} else {
		e.value = query.Assemble(e.children)
	}
}

func (e *watchEntry) orderLocked() []string {
	keys := make([]string, len(e.children))
	for i, c := range e.children {
		keys[i] = c.Key
	}
	return keys
}

// registry tracks every active listener, keeps a cached projection per
// listen target, and turns raw value transitions into value and child
// events.
type registry struct {
	db *Database

	mu      sync.Mutex
	nextID  int64
	entries map[uint64]*watchEntry
}

func newRegistry(db *Database) *registry {
	return &registry{db: db, entries: make(map[uint64]*watchEntry)}
}

// subscribe attaches a listener to a listen target, registering the
// target with the backend on first use and priming the new listener
// with the current state.
func (r *registry) subscribe(ref *Reference, params *query.Params, kind listenerKind, valueFn ValueFunc, childFn ChildFunc) (*ListenerRegistration, error) {
	spec := backend.ListenSpec{Path: ref.path, Params: params}
	key := spec.Key()

	r.mu.Lock()
	entry, ok := r.entries[key]
	fresh := !ok
	if fresh {
		entry = &watchEntry{
			spec:      spec,
			ref:       &Reference{db: r.db, path: ref.path},
			listeners: make(map[int64]*listenerHandle),
		}
		r.entries[key] = entry
	}
	r.nextID++
	handle := &listenerHandle{id: r.nextID, kind: kind, valueFn: valueFn, childFn: childFn}
	entry.listeners[handle.id] = handle
	r.mu.Unlock()

	if fresh {
		if err := r.db.backend.Listen(context.Background(), spec); err != nil {
			r.mu.Lock()
			delete(entry.listeners, handle.id)
			if len(entry.listeners) == 0 {
				delete(r.entries, key)
			}
			r.mu.Unlock()
			return nil, err
		}
	}

	r.prime(entry, handle)
	return &ListenerRegistration{registry: r, entry: entry, handle: handle}, nil
}

// prime delivers the initial state to a newly attached listener: the
// current snapshot for value listeners, one synthetic add per existing
// child for child-added listeners. A failed initial read is delivered
// to the new listener alone.
func (r *registry) prime(entry *watchEntry, handle *listenerHandle) {
	entry.mu.Lock()
	if !entry.primed {
		raw, err := r.db.backend.Get(context.Background(), entry.spec.Path, entry.spec.Params)
		if err != nil {
			entry.mu.Unlock()
			r.db.logger.Warn("initial read for listener failed",
				log.String("path", tree.JoinPath(entry.spec.Path)), log.Error(err))
			r.deliverError(entry, handle, err)
			return
		}
		entry.setLocked(raw)
		entry.primed = true
	}
	value := tree.Clone(entry.value)
	order := entry.orderLocked()
	children := make([]query.Child, len(entry.children))
	copy(children, entry.children)
	entry.mu.Unlock()

	switch handle.kind {
	case listenValue:
		snap := DataSnapshot{ref: entry.ref, value: value, order: order}
		handle.fire(func() { handle.valueFn(snap, nil) })
	case listenChildAdded:
		prev := ""
		for _, child := range children {
			snap := DataSnapshot{ref: entry.ref.child([]string{child.Key}), value: tree.Clone(child.Value)}
			prevKey := prev
			handle.fire(func() { handle.childFn(snap, prevKey, nil) })
			prev = child.Key
		}
	}
}

// deliverError hands a failed read to one listener.
func (r *registry) deliverError(entry *watchEntry, handle *listenerHandle, err error) {
	snap := DataSnapshot{ref: entry.ref}
	if handle.kind == listenValue {
		handle.fire(func() { handle.valueFn(snap, err) })
		return
	}
	handle.fire(func() { handle.childFn(snap, "", err) })
}

// refresh re-reads every listen target overlapping path and dispatches
// the resulting events. Called after each successful local write. A
// failed re-read is delivered as an error to the affected target's
// listeners; other targets are untouched.
func (r *registry) refresh(ctx context.Context, path []string) {
	for _, entry := range r.overlapping(path) {
		raw, err := r.db.backend.Get(ctx, entry.spec.Path, entry.spec.Params)
		if err != nil {
			r.db.logger.Warn("listener refresh failed",
				log.String("path", tree.JoinPath(entry.spec.Path)),
				log.String("code", string(dberr.CodeOf(err))), log.Error(err))
			for _, h := range r.handlesOf(entry) {
				r.deliverError(entry, h, err)
			}
			continue
		}
		r.apply(entry, func(any) any { return raw })
	}
}

// handleServerEvent folds a server-driven change into every
// overlapping listen target.
func (r *registry) handleServerEvent(ev backend.Event) {
	for _, entry := range r.overlapping(ev.Path) {
		r.apply(entry, func(raw any) any {
			return foldEvent(raw, entry.spec.Path, ev)
		})
	}
}

func (r *registry) overlapping(path []string) []*watchEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*watchEntry
	for _, entry := range r.entries {
		if tree.PathsOverlap(entry.spec.Path, path) {
			out = append(out, entry)
		}
	}
	return out
}

// foldEvent applies one server event to the cached raw value of a
// listen target. The event is replayed against a pseudo-root holding
// only the target's subtree, so paths above, below, or at the target
// all land correctly.
func foldEvent(raw any, specPath []string, ev backend.Event) any {
	root := tree.Set(nil, specPath, raw)
	if ev.Merge {
		updates, ok := ev.Data.(map[string]any)
		if !ok {
			return raw
		}
		for key, value := range updates {
			rel, err := tree.ParsePath(key)
			if err != nil {
				continue
			}
			target := append(append([]string{}, ev.Path...), rel...)
			root = tree.Set(root, target, tree.Clone(value))
		}
	} else {
		root = tree.Set(root, ev.Path, tree.Clone(ev.Data))
	}
	return tree.Get(root, specPath)
}

// childEvent is one computed difference between two projections.
type childEvent struct {
	kind    listenerKind
	key     string
	value   any
	prevKey string
}

// apply transforms the cached raw value of entry under its lock,
// computes the resulting events, and dispatches them outside the lock.
func (r *registry) apply(entry *watchEntry, transform func(raw any) any) {
	entry.mu.Lock()
	if !entry.primed {
		entry.setLocked(transform(entry.raw))
		entry.primed = true
		entry.mu.Unlock()
		return
	}
	oldChildren := entry.children
	oldValue := entry.value
	entry.setLocked(transform(entry.raw))
	newValue := tree.Clone(entry.value)
	order := entry.orderLocked()
	events := diffChildren(oldChildren, entry.children)
	valueChanged := !tree.Equal(oldValue, entry.value)
	entry.mu.Unlock()

	if len(events) == 0 && !valueChanged {
		return
	}

	handles := r.handlesOf(entry)

	for _, ev := range events {
		snap := DataSnapshot{ref: entry.ref.child([]string{ev.key}), value: tree.Clone(ev.value)}
		for _, h := range handles {
			if h.kind != ev.kind {
				continue
			}
			h := h
			prevKey := ev.prevKey
			h.fire(func() { h.childFn(snap, prevKey, nil) })
		}
	}

	if valueChanged {
		snap := DataSnapshot{ref: entry.ref, value: newValue, order: order}
		for _, h := range handles {
			if h.kind != listenValue {
				continue
			}
			h := h
			h.fire(func() { h.valueFn(snap, nil) })
		}
	}
}

// handlesOf copies the entry's listener list so dispatch never iterates
// a map that callbacks may mutate.
func (r *registry) handlesOf(entry *watchEntry) []*listenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*listenerHandle, 0, len(entry.listeners))
	for _, h := range entry.listeners {
		handles = append(handles, h)
	}
	return handles
}

// diffChildren computes child events between two ordered projections:
// removals in old order, additions in new order, then moves and
// changes. Surviving children that kept their relative order are
// never reported as moved; the rest are, each with its new prevKey.
func diffChildren(before, after []query.Child) []childEvent {
	oldVal := make(map[string]any, len(before))
	for _, c := range before {
		oldVal[c.Key] = c.Value
	}
	newKeys := make(map[string]struct{}, len(after))
	for _, c := range after {
		newKeys[c.Key] = struct{}{}
	}

	var events []childEvent

	for _, c := range before {
		if _, ok := newKeys[c.Key]; !ok {
			events = append(events, childEvent{kind: listenChildRemoved, key: c.Key, value: c.Value})
		}
	}

	prev := ""
	for _, c := range after {
		if _, ok := oldVal[c.Key]; !ok {
			events = append(events, childEvent{kind: listenChildAdded, key: c.Key, value: c.Value, prevKey: prev})
		}
		prev = c.Key
	}

	// Old positions of the survivors; a longest increasing
	// subsequence of those positions in new order marks the children
	// that stayed put relative to each other.
	oldPos := make(map[string]int, len(before))
	idx := 0
	for _, c := range before {
		if _, ok := newKeys[c.Key]; ok {
			oldPos[c.Key] = idx
			idx++
		}
	}
	var seq []int
	for _, c := range after {
		if _, ok := oldVal[c.Key]; ok {
			seq = append(seq, oldPos[c.Key])
		}
	}
	stable := increasingRun(seq)

	si := 0
	prev = ""
	for _, c := range after {
		if oldValue, ok := oldVal[c.Key]; ok {
			if !stable[si] {
				events = append(events, childEvent{kind: listenChildMoved, key: c.Key, value: c.Value, prevKey: prev})
			}
			si++
			if !tree.Equal(oldValue, c.Value) {
				events = append(events, childEvent{kind: listenChildChanged, key: c.Key, value: c.Value, prevKey: prev})
			}
		}
		prev = c.Key
	}

	return events
}

// increasingRun returns the member indices of one longest strictly
// increasing subsequence of seq.
func increasingRun(seq []int) map[int]bool {
	tails := make([]int, 0, len(seq)) // indices into seq, one per run length
	back := make([]int, len(seq))
	for i, v := range seq {
		j := sort.Search(len(tails), func(k int) bool { return seq[tails[k]] >= v })
		if j > 0 {
			back[i] = tails[j-1]
		} else {
			back[i] = -1
		}
		if j == len(tails) {
			tails = append(tails, i)
		} else {
			tails[j] = i
		}
	}
	member := make(map[int]bool, len(tails))
	if len(tails) == 0 {
		return member
	}
	for i := tails[len(tails)-1]; i >= 0; i = back[i] {
		member[i] = true
	}
	return member
}
