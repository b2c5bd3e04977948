package backend

import (
	"context"
	"sync"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

// Memory is the in-process backend used when no remote endpoint is
// configured, and by tests. It holds the whole tree under one mutex and
// evaluates query constraints locally.
type Memory struct {
	mu   sync.Mutex
	root any
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(_ context.Context, path []string, params *query.Params) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := tree.Clone(tree.Get(m.root, path))
	if params.IsDefault() {
		return value, nil
	}
	return query.Assemble(params.Evaluate(value)), nil
}

func (m *Memory) Put(_ context.Context, path []string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A put addressed to ".priority" rewrites metadata in place, as the
	// remote service does.
	if n := len(path); n > 0 && path[n-1] == tree.PriorityKey {
		m.root = tree.SetPriorityAt(m.root, path[:n-1], tree.Clone(value))
		return nil
	}
	m.root = tree.Set(m.root, path, tree.Clone(value))
	return nil
}

func (m *Memory) Patch(_ context.Context, path []string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for relative, value := range updates {
		segments, err := tree.ParsePath(relative)
		if err != nil {
			return err
		}
		target := append(append([]string(nil), path...), segments...)
		m.root = tree.Set(m.root, target, tree.Clone(value))
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, path []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.root = tree.Set(m.root, path, nil)
	return nil
}

func (m *Memory) CompareAndPut(_ context.Context, path []string, expected, value any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := tree.Get(m.root, path)
	if !tree.Equal(current, expected) {
		return false, nil
	}
	m.root = tree.Set(m.root, path, tree.Clone(value))
	return true, nil
}

// Listen is a no-op: memory mutations are dispatched synchronously by
// the write path, there is no server to stream from.
func (m *Memory) Listen(context.Context, ListenSpec) error { return nil }

func (m *Memory) Unlisten(context.Context, ListenSpec) error { return nil }

func (m *Memory) OnDisconnect(_ context.Context, op DisconnectOp) error {
	return dberr.NotSupportedf("disconnect operations require a live connection (path %s)",
		tree.JoinPath(op.Path))
}

func (m *Memory) GoOnline(context.Context) error  { return nil }
func (m *Memory) GoOffline(context.Context) error { return nil }

func (m *Memory) Capabilities() Capabilities {
	return Capabilities{ConditionalWrites: true}
}

func (m *Memory) Close() error { return nil }
