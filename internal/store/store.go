// Package store implements the document store the communication core runs
// against: per-document CRUD, filtered queries, and ordered change
// subscriptions. It is the single source of truth — no other package keeps
// durable state. Services couple to the Store interface only, so tests and
// alternative backends can swap in without touching them.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when no document exists at the
// requested path.
var ErrNotFound = errors.New("store: document not found")

// Document is a JSON-like record at a path of the form
// "collection/doc" or "collection/doc/subcollection/doc".
type Document struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// ID returns the final path segment.
func (d *Document) ID() string {
	for i := len(d.Path) - 1; i >= 0; i-- {
		if d.Path[i] == '/' {
			return d.Path[i+1:]
		}
	}
	return d.Path
}

// String returns the string value of a field, or "" if absent or not a string.
func (d *Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Int64 returns the integer value of a field. JSON round-trips numbers as
// float64, so both representations are accepted.
func (d *Document) Int64(field string) int64 {
	switch v := d.Fields[field].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// Bool returns the boolean value of a field, or false if absent.
func (d *Document) Bool(field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

// Filter is a single query predicate. Supported ops: "==" and
// "array-contains".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query selects documents from one collection path.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string // field name; ordered ascending when set
	Desc       bool
	Limit      int // 0 = no limit
}

// serverTimestamp is the sentinel written in place of a field value to have
// the store assign its own clock at commit time. Clients never stamp
// message or call timestamps themselves — a store-assigned clock is the only
// way to get a consistent total order across writers.
type serverTimestamp struct{}

// ServerTimestamp returns the sentinel value for store-assigned timestamps.
func ServerTimestamp() any { return serverTimestamp{} }

// arrayUnion and arrayRemove are sentinels understood by Update for
// set-valued fields (e.g. a conversation's blockedBy list).
type arrayUnion struct{ elems []any }
type arrayRemove struct{ elems []any }

// ArrayUnion appends the given elements to an array field, skipping elements
// already present.
func ArrayUnion(elems ...any) any { return arrayUnion{elems: elems} }

// ArrayRemove removes the given elements from an array field. Removing an
// absent element is a no-op.
func ArrayRemove(elems ...any) any { return arrayRemove{elems: elems} }

// SnapshotFunc receives the full ordered result set of a subscribed query
// every time a matching document changes. Calls for one subscription are
// sequential; a snapshot is never delivered after cancel returns.
type SnapshotFunc func(docs []Document)

// DocFunc receives the current state of a subscribed document after every
// change; nil means the document was deleted.
type DocFunc func(doc *Document)

// Store is the contract every service in the core runs against.
//
// Writes propagate to active subscriptions in commit order, but a write is
// not assumed visible to the writer's own subsequent Get — readers that need
// change tracking must go through Subscribe.
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)

	// Set writes fields at path, creating the document if needed. With
	// merge=true existing fields not named are kept; otherwise the document
	// is replaced.
	Set(ctx context.Context, path string, fields map[string]any, merge bool) error

	// Update applies fields to an existing document. Keys may be dotted
	// paths into nested maps ("typingUsers.u1"). Returns ErrNotFound if the
	// document does not exist.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Delete removes the document at path. Deleting a missing document is a
	// no-op.
	Delete(ctx context.Context, path string) error

	// Query returns all documents matching q, ordered and limited as
	// requested.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Subscribe registers fn for q and asynchronously delivers the current
	// snapshot plus one snapshot per subsequent matching change. The
	// returned cancel is idempotent.
	Subscribe(q Query, fn SnapshotFunc) (cancel func())

	// SubscribeDoc is Subscribe for a single document path.
	SubscribeDoc(path string, fn DocFunc) (cancel func())

	Close() error
}
