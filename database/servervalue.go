package database

import "github.com/treesync/treesync/internal/tree"

// ServerTimestamp returns a placeholder that writes as the server's
// clock in milliseconds since the epoch.
func ServerTimestamp() any {
	return map[string]any{tree.ServerValueKey: "timestamp"}
}

// Increment returns a placeholder that writes as the current stored
// number plus delta. A missing or non-numeric stored value counts as
// zero.
func Increment(delta float64) any {
	return map[string]any{tree.ServerValueKey: map[string]any{"increment": delta}}
}
