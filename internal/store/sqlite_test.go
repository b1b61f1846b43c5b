package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetUpdate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.Set(ctx, "conversations/c1", map[string]any{
		"participants": []any{"alice", "bob"},
		"lastMessage":  "hi",
	}, false); err != nil {
		t.Fatal(err)
	}

	t.Run("get", func(t *testing.T) {
		doc, err := s.Get(ctx, "conversations/c1")
		if err != nil {
			t.Fatal(err)
		}
		if doc.String("lastMessage") != "hi" {
			t.Fatalf("lastMessage = %q", doc.String("lastMessage"))
		}
		if doc.ID() != "c1" {
			t.Fatalf("ID = %q", doc.ID())
		}
	})

	t.Run("missing document", func(t *testing.T) {
		if _, err := s.Get(ctx, "conversations/nope"); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Update(ctx, "conversations/nope", map[string]any{"x": 1}); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("merge keeps unnamed fields", func(t *testing.T) {
		if err := s.Set(ctx, "conversations/c1", map[string]any{"lastMessage": "yo"}, true); err != nil {
			t.Fatal(err)
		}
		doc, _ := s.Get(ctx, "conversations/c1")
		if doc.String("lastMessage") != "yo" {
			t.Fatalf("lastMessage = %q", doc.String("lastMessage"))
		}
		if len(asArray(doc.Fields["participants"])) != 2 {
			t.Fatal("participants lost on merge")
		}
	})

	t.Run("dotted update creates nested maps", func(t *testing.T) {
		if err := s.Update(ctx, "conversations/c1", map[string]any{"typingUsers.alice": true}); err != nil {
			t.Fatal(err)
		}
		doc, _ := s.Get(ctx, "conversations/c1")
		typing, ok := doc.Fields["typingUsers"].(map[string]any)
		if !ok || typing["alice"] != true {
			t.Fatalf("typingUsers = %#v", doc.Fields["typingUsers"])
		}
	})

	t.Run("array union and remove", func(t *testing.T) {
		for i := 0; i < 2; i++ { // union twice — second is a no-op
			if err := s.Update(ctx, "conversations/c1", map[string]any{"blockedBy": ArrayUnion("alice")}); err != nil {
				t.Fatal(err)
			}
		}
		doc, _ := s.Get(ctx, "conversations/c1")
		if n := len(asArray(doc.Fields["blockedBy"])); n != 1 {
			t.Fatalf("blockedBy has %d entries, want 1", n)
		}

		if err := s.Update(ctx, "conversations/c1", map[string]any{"blockedBy": ArrayRemove("alice", "ghost")}); err != nil {
			t.Fatal(err)
		}
		doc, _ = s.Get(ctx, "conversations/c1")
		if n := len(asArray(doc.Fields["blockedBy"])); n != 0 {
			t.Fatalf("blockedBy has %d entries, want 0", n)
		}
	})
}

func TestServerTimestampsOrdered(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	// Three rapid writes must come back with strictly increasing timestamps.
	for _, id := range []string{"m1", "m2", "m3"} {
		err := s.Set(ctx, "conversations/c1/messages/"+id, map[string]any{
			"text":      id,
			"timestamp": ServerTimestamp(),
		}, false)
		if err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Query(ctx, Query{Collection: "conversations/c1/messages", OrderBy: "timestamp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs", len(docs))
	}
	var prev int64
	for _, d := range docs {
		ts := d.Int64("timestamp")
		if ts <= prev {
			t.Fatalf("timestamp %d not after %d", ts, prev)
		}
		prev = ts
	}
	if docs[0].String("text") != "m1" || docs[2].String("text") != "m3" {
		t.Fatalf("order wrong: %s..%s", docs[0].String("text"), docs[2].String("text"))
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	seed := []struct {
		id     string
		fields map[string]any
	}{
		{"a", map[string]any{"status": "offering", "calleeId": "bob", "n": int64(1)}},
		{"b", map[string]any{"status": "ended", "calleeId": "bob", "n": int64(2)}},
		{"c", map[string]any{"status": "offering", "calleeId": "carol", "n": int64(3)}},
	}
	for _, row := range seed {
		if err := s.Set(ctx, "calls/"+row.id, row.fields, false); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("equality", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{
			Collection: "calls",
			Filters: []Filter{
				{Field: "calleeId", Op: "==", Value: "bob"},
				{Field: "status", Op: "==", Value: "offering"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0].ID() != "a" {
			t.Fatalf("got %v", docs)
		}
	})

	t.Run("descending with limit", func(t *testing.T) {
		docs, err := s.Query(ctx, Query{Collection: "calls", OrderBy: "n", Desc: true, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 2 || docs[0].ID() != "c" || docs[1].ID() != "b" {
			t.Fatalf("got %v", docs)
		}
	})

	t.Run("array-contains", func(t *testing.T) {
		if err := s.Set(ctx, "conversations/c9", map[string]any{"participants": []any{"bob", "dan"}}, false); err != nil {
			t.Fatal(err)
		}
		docs, err := s.Query(ctx, Query{
			Collection: "conversations",
			Filters:    []Filter{{Field: "participants", Op: "array-contains", Value: "dan"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0].ID() != "c9" {
			t.Fatalf("got %v", docs)
		}
	})
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var mu sync.Mutex
	var snapshots [][]Document
	got := make(chan int, 16)

	cancel := s.Subscribe(Query{Collection: "conversations/c1/messages", OrderBy: "timestamp"}, func(docs []Document) {
		mu.Lock()
		snapshots = append(snapshots, docs)
		mu.Unlock()
		got <- len(docs)
	})
	defer cancel()

	// Initial snapshot is empty.
	if n := waitSnapshot(t, got); n != 0 {
		t.Fatalf("initial snapshot has %d docs", n)
	}

	if err := s.Set(ctx, "conversations/c1/messages/m1", map[string]any{"timestamp": ServerTimestamp()}, false); err != nil {
		t.Fatal(err)
	}
	if n := waitSnapshot(t, got); n != 1 {
		t.Fatalf("snapshot after write has %d docs", n)
	}

	// Writes to other collections must not fan out here.
	if err := s.Set(ctx, "calls/x", map[string]any{"status": "offering"}, false); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		t.Fatalf("unexpected snapshot (%d docs) for unrelated write", n)
	case <-time.After(100 * time.Millisecond):
	}

	// After cancel, no further deliveries.
	cancel()
	if err := s.Set(ctx, "conversations/c1/messages/m2", map[string]any{"timestamp": ServerTimestamp()}, false); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		t.Fatalf("snapshot (%d docs) delivered after cancel", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeDocSeesDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.Set(ctx, "calls/c1", map[string]any{"status": "offering"}, false); err != nil {
		t.Fatal(err)
	}

	events := make(chan *Document, 16)
	cancel := s.SubscribeDoc("calls/c1", func(doc *Document) { events <- doc })
	defer cancel()

	if doc := waitDoc(t, events); doc == nil || doc.String("status") != "offering" {
		t.Fatalf("initial doc = %v", doc)
	}

	if err := s.Update(ctx, "calls/c1", map[string]any{"status": "ended"}); err != nil {
		t.Fatal(err)
	}
	if doc := waitDoc(t, events); doc == nil || doc.String("status") != "ended" {
		t.Fatalf("updated doc = %v", doc)
	}

	if err := s.Delete(ctx, "calls/c1"); err != nil {
		t.Fatal(err)
	}
	if doc := waitDoc(t, events); doc != nil {
		t.Fatalf("expected nil doc after delete, got %v", doc)
	}
}

func waitSnapshot(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return 0
	}
}

func waitDoc(t *testing.T, ch chan *Document) *Document {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for doc event")
		return nil
	}
}
