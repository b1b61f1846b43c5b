package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("store")

// DB is the SQLite-backed Store. Documents live in a single path-keyed table
// with their fields serialized as JSON; change fan-out to subscribers is
// in-process.
type DB struct {
	db   *sql.DB
	path string

	mu      sync.RWMutex // guards writes and the commit counters
	lastSeq int64
	lastTS  int64

	subMu sync.RWMutex
	subs  map[*subscription]struct{}
}

// Open opens or creates the document database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "documents.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers during writes, same pragmas throughout
	// the project.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			fields     TEXT NOT NULL,
			seq        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	s := &DB{db: db, path: dbPath, subs: make(map[*subscription]struct{})}

	// Resume the commit counter so seq stays monotonic across restarts.
	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM documents`).Scan(&maxSeq); err == nil && maxSeq.Valid {
		s.lastSeq = maxSeq.Int64
	}

	log.Infof("opened document store at %s (seq=%d)", dbPath, s.lastSeq)
	return s, nil
}

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

// Close closes the database and cancels all subscriptions.
func (s *DB) Close() error {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscription]struct{})
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

// collectionOf returns the parent collection path of a document path.
// "calls/c1/offerCandidates/x" -> "calls/c1/offerCandidates".
func collectionOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("store: invalid document path %q", path)
	}
	// A document path always has an even number of segments.
	if strings.Count(path, "/")%2 == 0 {
		return fmt.Errorf("store: path %q does not name a document", path)
	}
	return nil
}

// Get returns the document at path, or ErrNotFound.
func (s *DB) Get(_ context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(path)
}

func (s *DB) getLocked(path string) (*Document, error) {
	var raw string
	err := s.db.QueryRow(`SELECT fields FROM documents WHERE path = ?`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", path, err)
	}
	return &Document{Path: path, Fields: fields}, nil
}

// Set writes fields at path, creating the document if needed.
func (s *DB) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	if err := validPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := fields
	if merge {
		if existing, err := s.getLocked(path); err == nil {
			merged := existing.Fields
			for k, v := range fields {
				merged[k] = v
			}
			out = merged
		}
	}
	return s.commitLocked(path, out)
}

// Update applies fields to an existing document; keys may be dotted paths.
func (s *DB) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := validPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.getLocked(path)
	if err != nil {
		return err
	}
	for key, val := range fields {
		applyFieldPath(doc.Fields, key, val)
	}
	return s.commitLocked(path, doc.Fields)
}

// Delete removes the document at path. Missing documents are a no-op.
func (s *DB) Delete(ctx context.Context, path string) error {
	if err := validPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(path)
	}
	return nil
}

// commitLocked resolves write sentinels, stamps the commit counter and
// persists the document. Caller holds s.mu.
func (s *DB) commitLocked(path string, fields map[string]any) error {
	s.lastSeq++
	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1 // strictly increasing store clock
	}
	s.lastTS = ts

	resolved := resolveSentinels(fields, ts)
	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", path, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO documents (path, collection, fields, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET fields = excluded.fields, seq = excluded.seq
	`, path, collectionOf(path), string(raw), s.lastSeq)
	if err != nil {
		return err
	}

	s.notify(path)
	return nil
}

// resolveSentinels replaces ServerTimestamp values with the store clock.
// Array sentinels are resolved earlier by applyFieldPath; any that leak
// through (via Set) resolve against an empty array.
func resolveSentinels(fields map[string]any, ts int64) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			out[k] = ts
		case arrayUnion:
			out[k] = mergeArray(nil, val.elems)
		case arrayRemove:
			out[k] = []any{}
		case map[string]any:
			out[k] = resolveSentinels(val, ts)
		default:
			out[k] = v
		}
	}
	return out
}

// applyFieldPath sets a possibly dotted key in fields, creating intermediate
// maps. Array sentinels combine with the existing value at the leaf.
func applyFieldPath(fields map[string]any, key string, val any) {
	parts := strings.Split(key, ".")
	m := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	leaf := parts[len(parts)-1]

	switch v := val.(type) {
	case arrayUnion:
		m[leaf] = mergeArray(asArray(m[leaf]), v.elems)
	case arrayRemove:
		m[leaf] = removeFromArray(asArray(m[leaf]), v.elems)
	default:
		m[leaf] = val
	}
}

func asArray(v any) []any {
	arr, _ := v.([]any)
	return arr
}

func mergeArray(arr []any, elems []any) []any {
	out := append([]any{}, arr...)
	for _, e := range elems {
		found := false
		for _, have := range out {
			if looseEqual(have, e) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

func removeFromArray(arr []any, elems []any) []any {
	out := make([]any, 0, len(arr))
	for _, have := range arr {
		drop := false
		for _, e := range elems {
			if looseEqual(have, e) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, have)
		}
	}
	return out
}

// looseEqual compares values across the JSON number round-trip (int64 written,
// float64 read back).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Query returns all documents matching q.
func (s *DB) Query(_ context.Context, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(q)
}

func (s *DB) queryLocked(q Query) ([]Document, error) {
	rows, err := s.db.Query(`SELECT path, fields FROM documents WHERE collection = ?`, q.Collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		doc := Document{Path: path, Fields: fields}
		if matchesFilters(&doc, q.Filters) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		field := q.OrderBy
		sort.SliceStable(docs, func(i, j int) bool {
			less := compareField(&docs[i], &docs[j], field)
			if q.Desc {
				return !less && !sameField(&docs[i], &docs[j], field)
			}
			return less
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func matchesFilters(d *Document, filters []Filter) bool {
	for _, f := range filters {
		v := fieldAt(d.Fields, f.Field)
		switch f.Op {
		case "==":
			if !looseEqual(v, f.Value) {
				return false
			}
		case "array-contains":
			arr := asArray(v)
			found := false
			for _, e := range arr {
				if looseEqual(e, f.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func fieldAt(fields map[string]any, key string) any {
	parts := strings.Split(key, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func compareField(a, b *Document, field string) bool {
	av, bv := fieldAt(a.Fields, field), fieldAt(b.Fields, field)
	if af, ok := toFloat(av); ok {
		bf, _ := toFloat(bv)
		return af < bf
	}
	as, _ := av.(string)
	bs, _ := bv.(string)
	return as < bs
}

func sameField(a, b *Document, field string) bool {
	return looseEqual(fieldAt(a.Fields, field), fieldAt(b.Fields, field))
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// subscription pumps snapshots to one callback on its own goroutine, so one
// slow consumer never stalls another. notify is capacity 1: bursts of writes
// coalesce into a single re-query that always observes the latest state.
type subscription struct {
	q       Query
	docPath string // set for SubscribeDoc, empty for query subscriptions
	snapFn  SnapshotFunc
	docFn   DocFunc

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (sub *subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
	<-sub.exited
}

// matches reports whether a write at path is relevant to this subscription.
func (sub *subscription) matches(path string) bool {
	if sub.docPath != "" {
		return sub.docPath == path
	}
	return collectionOf(path) == sub.q.Collection
}

// Subscribe registers fn for q and starts its delivery pump.
func (s *DB) Subscribe(q Query, fn SnapshotFunc) (cancel func()) {
	sub := &subscription{
		q:      q,
		snapFn: fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	return s.start(sub)
}

// SubscribeDoc registers fn for a single document path.
func (s *DB) SubscribeDoc(path string, fn DocFunc) (cancel func()) {
	sub := &subscription{
		docPath: path,
		docFn:   fn,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	return s.start(sub)
}

func (s *DB) start(sub *subscription) (cancel func()) {
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	// Initial snapshot, then one delivery per notification.
	sub.notify <- struct{}{}
	go s.pump(sub)

	return func() {
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
		sub.stop()
	}
}

func (s *DB) pump(sub *subscription) {
	defer close(sub.exited)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}

		if sub.docPath != "" {
			doc, err := s.Get(context.Background(), sub.docPath)
			if err != nil && err != ErrNotFound {
				log.Errorf("doc subscription %s: %v", sub.docPath, err)
				continue
			}
			select {
			case <-sub.done:
				return
			default:
			}
			sub.docFn(doc) // nil doc = deleted
			continue
		}

		s.mu.RLock()
		docs, err := s.queryLocked(sub.q)
		s.mu.RUnlock()
		if err != nil {
			log.Errorf("query subscription %s: %v", sub.q.Collection, err)
			continue
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.snapFn(docs)
	}
}

// notify signals every subscription relevant to a write at path.
func (s *DB) notify(path string) {
	s.subMu.RLock()
	for sub := range s.subs {
		if sub.matches(path) {
			select {
			case sub.notify <- struct{}{}:
			default:
				// A re-query is already pending; it will observe this write.
			}
		}
	}
	s.subMu.RUnlock()
}
