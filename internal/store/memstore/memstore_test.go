package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/store"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func steppingClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func collect(t *testing.T, s *Store, collection string, order store.Order) (<-chan []store.Change, *store.Subscription) {
	t.Helper()
	ch := make(chan []store.Change, 16)
	sub, err := s.Subscribe(context.Background(), collection, order, func(b []store.Change) { ch <- b }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return ch, sub
}

func next(t *testing.T, ch <-chan []store.Change) []store.Change {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestStore_SubscribeDeliversInitialSnapshotInOrder(t *testing.T) {
	ctx := context.Background()
	s := New(WithIDs(sequentialIDs()), WithClock(steppingClock()))
	s.Create(ctx, store.Events, store.Document{"name": "first", "createdAt": store.ServerTimestamp})
	s.Create(ctx, store.Events, store.Document{"name": "second", "createdAt": store.ServerTimestamp})

	ch, _ := collect(t, s, store.Events, store.ByCreatedDesc)
	initial := next(t, ch)

	if len(initial) != 2 {
		t.Fatalf("expected 2 initial changes, got %d", len(initial))
	}
	if initial[0].ID != "id2" || initial[1].ID != "id1" {
		t.Fatalf("expected newest first, got %s, %s", initial[0].ID, initial[1].ID)
	}
	for _, c := range initial {
		if c.Type != store.Added {
			t.Fatalf("initial changes must be added, got %s", c.Type)
		}
	}
}

func TestStore_WritesStreamAsChanges(t *testing.T) {
	ctx := context.Background()
	s := New(WithIDs(sequentialIDs()))
	ch, _ := collect(t, s, store.Locations, store.Order{})
	if b := next(t, ch); len(b) != 0 {
		t.Fatalf("expected empty initial batch, got %v", b)
	}

	s.UpsertMerge(ctx, store.Locations, "u1", store.Document{"uid": "u1", "lat": 1.0})
	s.UpsertMerge(ctx, store.Locations, "u1", store.Document{"lng": 2.0})
	s.Delete(ctx, store.Locations, "u1")

	want := []store.ChangeType{store.Added, store.Modified, store.Removed}
	for _, typ := range want {
		b := next(t, ch)
		if len(b) != 1 || b[0].Type != typ || b[0].ID != "u1" {
			t.Fatalf("expected %s u1, got %v", typ, b)
		}
		if typ == store.Modified {
			if b[0].Data["lat"] != 1.0 || b[0].Data["lng"] != 2.0 {
				t.Fatalf("merge should keep unrelated fields, got %v", b[0].Data)
			}
		}
	}
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), store.Events, "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Update(context.Background(), store.Events, "nope", store.Document{"name": "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestStore_DeleteMissingIsSilent(t *testing.T) {
	s := New()
	ch, _ := collect(t, s, store.Events, store.ByCreatedDesc)
	next(t, ch)

	if err := s.Delete(context.Background(), store.Events, "nope"); err != nil {
		t.Fatalf("deleting a missing id should not fail: %v", err)
	}
	select {
	case b := <-ch:
		t.Fatalf("no change expected, got %v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_ApplyPublishesOneBatch(t *testing.T) {
	s := New()
	s.Apply(store.Events, []store.Change{{Type: store.Added, ID: "e1", Data: store.Document{"name": "a"}}})
	ch, _ := collect(t, s, store.Events, store.ByCreatedDesc)
	next(t, ch)

	s.Apply(store.Events, []store.Change{
		{Type: store.Modified, ID: "e1", Data: store.Document{"name": "b"}},
		{Type: store.Added, ID: "e2", Data: store.Document{"name": "c"}},
		{Type: store.Removed, ID: "e9"},
	})
	b := next(t, ch)
	if len(b) != 2 {
		t.Fatalf("expected 2 changes in one batch (unknown removal dropped), got %v", b)
	}
	if b[0].Type != store.Modified || b[1].Type != store.Added {
		t.Fatalf("unexpected change types %v", b)
	}
}

func TestStore_CloseStopsDelivery(t *testing.T) {
	s := New()
	ch, sub := collect(t, s, store.Events, store.ByCreatedDesc)
	next(t, ch)
	sub.Close()

	s.Create(context.Background(), store.Events, store.Document{"name": "late"})
	select {
	case b := <-ch:
		t.Fatalf("closed subscription received %v", b)
	case <-time.After(50 * time.Millisecond):
	}
}
