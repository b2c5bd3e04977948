package database

import (
	"context"

	"github.com/treesync/treesync/internal/backend"
	"github.com/treesync/treesync/internal/tree"
)

// OnDisconnect stages writes that run when the client's connection
// drops. With a live socket the server holds and executes them; on the
// degraded polling transport they are queued client-side and run on
// GoOffline. Server value placeholders are resolved at registration
// time. The last registration per path wins.
type OnDisconnect struct {
	ref *Reference
}

// OnDisconnect returns the disconnect-write stage for this location.
func (r *Reference) OnDisconnect() *OnDisconnect {
	return &OnDisconnect{ref: r}
}

// Set registers a value to write on disconnect.
func (d *OnDisconnect) Set(ctx context.Context, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	v, err = d.ref.resolve(ctx, d.ref.path, v)
	if err != nil {
		return err
	}
	return d.ref.db.backend.OnDisconnect(ctx, backend.DisconnectOp{
		Kind: backend.DisconnectPut, Path: d.ref.path, Value: v,
	})
}

// SetWithPriority registers a value and priority to write on
// disconnect.
func (d *OnDisconnect) SetWithPriority(ctx context.Context, value, priority any) error {
	if err := tree.ValidatePriority(priority); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	v, err = d.ref.resolve(ctx, d.ref.path, v)
	if err != nil {
		return err
	}
	return d.ref.db.backend.OnDisconnect(ctx, backend.DisconnectOp{
		Kind: backend.DisconnectPut, Path: d.ref.path, Value: withPriority(v, priority),
	})
}

// Update registers a merge to apply on disconnect.
func (d *OnDisconnect) Update(ctx context.Context, updates map[string]any) error {
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
		target := append(append([]string{}, d.ref.path...), rel...)
		v, err = d.ref.resolve(ctx, target, v)
		if err != nil {
			return err
		}
		resolved[key] = v
	}
	return d.ref.db.backend.OnDisconnect(ctx, backend.DisconnectOp{
		Kind: backend.DisconnectMerge, Path: d.ref.path, Value: resolved,
	})
}

// Remove registers a deletion to apply on disconnect.
func (d *OnDisconnect) Remove(ctx context.Context) error {
	return d.ref.db.backend.OnDisconnect(ctx, backend.DisconnectOp{
		Kind: backend.DisconnectPut, Path: d.ref.path, Value: nil,
	})
}

// Cancel withdraws every disconnect write registered for this
// location.
func (d *OnDisconnect) Cancel(ctx context.Context) error {
	return d.ref.db.backend.OnDisconnect(ctx, backend.DisconnectOp{
		Kind: backend.DisconnectCancel, Path: d.ref.path,
	})
}
