// Package backend abstracts the storage transport behind the treesync
// client. Three implementations exist: an in-process memory store, a
// request/response REST transport, and a realtime websocket transport
// that degrades to a polling loop when a socket cannot be opened. All
// of them validate paths, encode priorities, and serialize query
// parameters identically, so the layers above never branch on which
// backend is active.
package backend

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

// Backend is the transport contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get reads the value at path, filtered by params (nil for none).
	// Priority metadata is preserved in the returned value.
	Get(ctx context.Context, path []string, params *query.Params) (any, error)
	// Put replaces the value at path. A nil value deletes.
	Put(ctx context.Context, path []string, value any) error
	// Patch applies updates keyed by relative slash paths under path.
	Patch(ctx context.Context, path []string, updates map[string]any) error
	// Delete removes the value at path.
	Delete(ctx context.Context, path []string) error
	// CompareAndPut writes value only if the stored value still equals
	// expected, reporting whether the write was applied. Backends
	// without conditional-write support perform a plain Put and report
	// true; Capabilities exposes the difference.
	CompareAndPut(ctx context.Context, path []string, expected, value any) (bool, error)

	// Listen registers interest in server-driven change events for the
	// target. A no-op on request/response backends.
	Listen(ctx context.Context, spec ListenSpec) error
	// Unlisten withdraws a previous Listen.
	Unlisten(ctx context.Context, spec ListenSpec) error

	// OnDisconnect schedules (or cancels) an operation to run when the
	// live connection drops. Returns a not-supported error on backends
	// with no disconnect trigger at all.
	OnDisconnect(ctx context.Context, op DisconnectOp) error

	// GoOnline establishes the live connection, if any.
	GoOnline(ctx context.Context) error
	// GoOffline tears down the live connection. On the degraded polling
	// transport this is the moment queued disconnect operations run.
	GoOffline(ctx context.Context) error

	// Capabilities reports what the currently active transport can do.
	Capabilities() Capabilities

	Close() error
}

// Capabilities describes transport-dependent guarantees. Callers that
// need server-side disconnect triggers or conflict-checked transactions
// must consult it rather than assume.
type Capabilities struct {
	// StreamingEvents is set when change events arrive from the server
	// over a live connection (socket or poll loop).
	StreamingEvents bool
	// ServerDisconnectOps is set when queued disconnect operations are
	// executed server-side on abnormal disconnect. When clear they run
	// client-side on GoOffline, a strictly weaker guarantee.
	ServerDisconnectOps bool
	// ConditionalWrites is set when CompareAndPut actually checks the
	// stored value before writing.
	ConditionalWrites bool
}

// Event is a raw server-driven change: an absolute path plus the new
// data (Merge distinguishes an overwrite from a shallow merge).
type Event struct {
	Path  []string
	Merge bool
	Data  any
}

// Sink receives backend events. The Database handle implements it;
// callbacks must not block.
type Sink interface {
	ServerEvent(ev Event)
	ConnectionError(err error)
}

// TokenProvider supplies the opaque credentials attached to transport
// requests. Empty strings degrade gracefully to unauthenticated
// requests.
type TokenProvider interface {
	IDToken() string
	AttestationToken() string
}

// ListenSpec identifies one listen target: a path plus its constraint
// set.
type ListenSpec struct {
	Path   []string
	Params *query.Params
}

// Key returns a stable 64-bit identity for the target, used to
// de-duplicate listens and index poll loops.
func (s ListenSpec) Key() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(tree.JoinPath(s.Path))
	_, _ = h.WriteString("?")
	_, _ = h.WriteString(s.Params.Canonical())
	return h.Sum64()
}

// DisconnectKind enumerates the disconnect-triggered operations.
type DisconnectKind uint8

const (
	DisconnectPut DisconnectKind = iota
	DisconnectMerge
	DisconnectCancel
)

// DisconnectOp is a pending disconnect-triggered write. Value carries
// the fully resolved payload (server-value placeholders are substituted
// before the op reaches the backend). Ops are keyed by path; the last
// registration per path wins.
type DisconnectOp struct {
	Kind  DisconnectKind
	Path  []string
	Value any
}
