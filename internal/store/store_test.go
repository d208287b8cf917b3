package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDocument_FloatTreatsZeroAsPresent(t *testing.T) {
	d := Document{"lat": 0.0, "lng": nil}
	if v, ok := d.Float("lat"); !ok || v != 0 {
		t.Fatalf("zero latitude should be present, got %v %v", v, ok)
	}
	if _, ok := d.Float("lng"); ok {
		t.Fatal("null longitude should be absent")
	}
	if _, ok := d.Float("missing"); ok {
		t.Fatal("missing field should be absent")
	}
}

func TestDocument_ResolveServerTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := Document{"name": "Rooftop", "createdAt": ServerTimestamp}
	out := d.Resolve(now)

	got, ok := out.Time("createdAt")
	if !ok || !got.Equal(now) {
		t.Fatalf("expected resolved timestamp %v, got %v (%v)", now, got, ok)
	}
	if _, ok := d["createdAt"].(string); ok {
		t.Fatal("Resolve must not modify the input document")
	}
}

func TestDocument_MergeOverlays(t *testing.T) {
	base := Document{"uid": "u1", "lat": 1.0, "role": "user"}
	out := base.Merge(Document{"lat": 2.0})
	if out["lat"] != 2.0 || out["role"] != "user" {
		t.Fatalf("unexpected merge result %v", out)
	}
	if base["lat"] != 1.0 {
		t.Fatal("Merge must not modify the receiver")
	}
}

func TestValidCollection(t *testing.T) {
	valid := []string{Events, MessagesOf("e1"), AttendeesOf("e1")}
	for _, c := range valid {
		if !ValidCollection(c) {
			t.Errorf("%q should be valid", c)
		}
	}
	invalid := []string{"", "events/e1", "events//messages"}
	for _, c := range invalid {
		if ValidCollection(c) {
			t.Errorf("%q should be invalid", c)
		}
	}
}

func TestCodecs_PreserveFields(t *testing.T) {
	doc := Document{"name": "Beach Bonfire", "lat": 0.0, "promoted": true, "time": nil}
	for _, c := range []Codec{JSONCodec{}, ProtoCodec{}} {
		b, err := c.Marshal(doc)
		if err != nil {
			t.Fatalf("%s marshal: %v", c.Name(), err)
		}
		out, err := c.Unmarshal(b)
		if err != nil {
			t.Fatalf("%s unmarshal: %v", c.Name(), err)
		}
		if v, ok := out.Float("lat"); !ok || v != 0 {
			t.Errorf("%s lost zero latitude: %v", c.Name(), out)
		}
		if _, ok := out.Float("time"); ok {
			t.Errorf("%s turned null into a value", c.Name())
		}
		if b, _ := out.Bool("promoted"); !b {
			t.Errorf("%s lost promoted flag", c.Name())
		}
	}
}

func TestSubscription_CloseReleasesOnce(t *testing.T) {
	calls := 0
	sub := NewSubscription(func() error { calls++; return nil })
	sub.Close()
	sub.Close()
	if calls != 1 {
		t.Fatalf("expected 1 release, got %d", calls)
	}
	if !sub.Closed() {
		t.Fatal("subscription should report closed")
	}
}

func TestSlot_ReplaceReleasesPreviousFirst(t *testing.T) {
	var order []string
	var slot Slot

	slot.Replace(func() (*Subscription, error) {
		order = append(order, "acquire a")
		return NewSubscription(func() error { order = append(order, "release a"); return nil }), nil
	})
	slot.Replace(func() (*Subscription, error) {
		order = append(order, "acquire b")
		return NewSubscription(func() error { order = append(order, "release b"); return nil }), nil
	})
	slot.Release()
	slot.Release()

	want := []string{"acquire a", "release a", "acquire b", "release b"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
	if slot.Active() {
		t.Fatal("slot should be empty after Release")
	}
}

func TestHub_DeliversInitialThenPublishedInOrder(t *testing.T) {
	hub := NewHub()
	var mu sync.Mutex
	var got [][]Change
	done := make(chan struct{})

	sub := hub.Register(context.Background(), Events, []Change{{Type: Added, ID: "e1"}}, func(b []Change) {
		mu.Lock()
		got = append(got, b)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	defer sub.Close()

	hub.Publish(Events, []Change{{Type: Modified, ID: "e1"}})
	hub.Publish(Locations, []Change{{Type: Added, ID: "u1"}})
	hub.Publish(Events, []Change{{Type: Removed, ID: "e1"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batches")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ChangeType{Added, Modified, Removed}
	for i, b := range got {
		if b[0].Type != want[i] {
			t.Fatalf("batch %d: got %s, want %s", i, b[0].Type, want[i])
		}
	}
}

func TestHub_CloseUnregisters(t *testing.T) {
	hub := NewHub()
	sub := hub.Register(context.Background(), Events, nil, func([]Change) {})
	if hub.Subscribers(Events) != 1 {
		t.Fatal("expected one subscriber")
	}
	sub.Close()
	if hub.Subscribers(Events) != 0 {
		t.Fatal("expected subscriber removed after Close")
	}
}
