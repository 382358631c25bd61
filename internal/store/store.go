// Package store defines the document-store capability the session
// protocol runs on: a shared mutable record per room key, with partial
// field-path updates (last-write-wins per path, no cross-path atomicity)
// and push delivery of the full record to subscribers. There is no
// server-side logic behind it; both clients write whatever they like.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrRecordExists   = errors.New("record already exists")
	ErrRecordNotFound = errors.New("record not found")
	ErrClosed         = errors.New("store is closed")
)

// Fields is a partial update: field paths (slash-separated segments,
// e.g. "players/p1", "board/3_7") mapped to new leaf values. A nil value
// deletes the path and everything under it.
type Fields map[string]any

// Snapshot is the full current record as raw leaf values keyed by path.
// An empty snapshot means the record is absent.
type Snapshot map[string]json.RawMessage

// Callback receives the full record on every change, the subscriber's
// own writes included. Deliveries for one key arrive in write order, but
// a delivery may look stale or identical to the previous one; consumers
// must tolerate that.
type Callback func(Snapshot)

// CancelFunc stops a subscription.
type CancelFunc func()

// DocumentStore is the only coordination medium between the two clients.
type DocumentStore interface {
	// CreateRecord writes a fresh record at key. It fails with
	// ErrRecordExists if the key is already taken.
	CreateRecord(ctx context.Context, key string, fields Fields) error

	// Read returns the current record, or ErrRecordNotFound.
	Read(ctx context.Context, key string) (Snapshot, error)

	// PartialUpdate merges the given field paths into the record,
	// leaving unlisted paths untouched. Concurrent writers race
	// per-path, last write wins.
	PartialUpdate(ctx context.Context, key string, fields Fields) error

	// Delete removes the record entirely.
	Delete(ctx context.Context, key string) error

	// Subscribe pushes the full record to fn on every change until the
	// returned cancel func is called or ctx is done.
	Subscribe(ctx context.Context, key string, fn Callback) (CancelFunc, error)

	// RegisterDisconnectCleanup arranges for fields to be applied to key
	// when the connection goes away without a graceful leave. The
	// returned cancel revokes this one registration.
	RegisterDisconnectCleanup(key string, fields Fields) CancelFunc

	// Close releases the store, applying pending disconnect cleanups.
	Close() error
}
