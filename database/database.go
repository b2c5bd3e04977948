// Package database is the treesync client: a synchronized view of a
// remote hierarchical JSON tree. A Database handle owns one backend
// (in-memory, request/response, or realtime streaming) and hands out
// References into the tree; References carry the read, write, query,
// listener, disconnect and transaction surface.
package database

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/treesync/treesync/internal/backend"
	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/tree"
)

// Database is a handle to one database instance. Safe for concurrent
// use; all of its References share one connection and one listener
// registry.
type Database struct {
	id      string
	cfg     Config
	backend backend.Backend
	logger  log.Log
	reg     *registry
	push    *pushIDs
	closed  atomic.Bool
}

// New builds a Database from cfg. With an empty URL the data lives in
// process memory; with cfg.Streaming set the realtime transport is
// used (connecting lazily), otherwise plain request/response.
func New(cfg Config) (*Database, error) {
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	db := &Database{
		id:   uuid.New().String(),
		cfg:  cfg,
		push: newPushIDs(),
	}
	db.logger = log.New(cfg.logLevel()).With(log.String("db", db.id))
	db.reg = newRegistry(db)

	var tokens backend.TokenProvider
	if cfg.Tokens != nil {
		tokens = cfg.Tokens
	}

	var (
		be  backend.Backend
		err error
	)
	switch {
	case cfg.URL == "":
		be = backend.NewMemory()
	case cfg.Streaming:
		be, err = backend.NewRealtime(cfg.URL, tokens, &dbSink{db: db}, db.logger, cfg.RequestTimeout)
	default:
		be, err = backend.NewREST(cfg.URL, tokens, db.logger, cfg.RequestTimeout)
	}
	if err != nil {
		return nil, err
	}
	db.backend = be
	return db, nil
}

// Ref returns a Reference to the location at path ("/" or "" for the
// root).
func (db *Database) Ref(path string) (*Reference, error) {
	parsed, err := tree.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return &Reference{db: db, path: parsed}, nil
}

// GoOnline re-establishes the live connection after GoOffline.
func (db *Database) GoOnline(ctx context.Context) error {
	if db.closed.Load() {
		return dberr.Internalf("database handle is closed")
	}
	return db.backend.GoOnline(ctx)
}

// GoOffline tears down the live connection. Registered disconnect
// operations run: server-side with a live socket, client-side on the
// degraded polling transport.
func (db *Database) GoOffline(ctx context.Context) error {
	if db.closed.Load() {
		return dberr.Internalf("database handle is closed")
	}
	return db.backend.GoOffline(ctx)
}

// Capabilities reports what the active transport can guarantee.
func (db *Database) Capabilities() backend.Capabilities {
	return db.backend.Capabilities()
}

// Close releases the transport. The handle is unusable afterwards.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.backend.Close()
}

// dbSink feeds backend events into the listener registry.
type dbSink struct {
	db *Database
}

func (s *dbSink) ServerEvent(ev backend.Event) {
	s.db.reg.handleServerEvent(ev)
}

func (s *dbSink) ConnectionError(err error) {
	s.db.logger.Warn("connection error", log.Error(err))
}

// normalize converts an arbitrary Go value into the canonical JSON
// tree representation (map[string]any, []any, float64, string, bool,
// nil) via a marshal round trip.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, "value is not serializable", err)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, dberr.Wrap(dberr.Internal, "failed to canonicalize value", err)
	}
	return out, nil
}
