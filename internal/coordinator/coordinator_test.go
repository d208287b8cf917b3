package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/auth"
	"eddisonso.com/litfinder/internal/filter"
	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/markers"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/party"
	"eddisonso.com/litfinder/internal/presence"
	"eddisonso.com/litfinder/internal/store"
	"eddisonso.com/litfinder/internal/store/memstore"
)

type viewPin struct {
	view *fakeView
	m    markers.Marker
}

func (p *viewPin) Move(pt geo.Point) {
	p.view.mu.Lock()
	defer p.view.mu.Unlock()
	p.m.Point = pt
}

func (p *viewPin) Remove() {
	p.view.mu.Lock()
	defer p.view.mu.Unlock()
	delete(p.view.pins, p)
}

type fakeView struct {
	mu          sync.Mutex
	pins        map[*viewPin]struct{}
	events      []model.Event
	detail      *Detail
	transcripts map[string][]model.ChatMessage
	chatErrors  map[string]string
	viewer      *model.Profile
	notices     []string
}

func newFakeView() *fakeView {
	return &fakeView{
		pins:        make(map[*viewPin]struct{}),
		transcripts: make(map[string][]model.ChatMessage),
		chatErrors:  make(map[string]string),
	}
}

func (v *fakeView) Place(m markers.Marker) markers.Pin {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := &viewPin{view: v, m: m}
	v.pins[p] = struct{}{}
	return p
}

func (v *fakeView) ShowEvents(events []model.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = events
}

func (v *fakeView) ShowDetail(d *Detail) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detail = d
}

func (v *fakeView) ShowTranscript(eventID string, messages []model.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transcripts[eventID] = messages
}

func (v *fakeView) ShowChatError(eventID, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chatErrors[eventID] = message
}

func (v *fakeView) ShowViewer(p *model.Profile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewer = p
}

func (v *fakeView) Notice(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, message)
}

// pinIDs returns the ids of live pins of one kind, sorted.
func (v *fakeView) pinIDs(kind string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for p := range v.pins {
		if p.m.Kind == kind {
			out = append(out, p.m.ID)
		}
	}
	slices.Sort(out)
	return out
}

func (v *fakeView) shownIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.events))
	for i, ev := range v.events {
		out[i] = ev.ID
	}
	return out
}

func (v *fakeView) currentDetail() *Detail {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detail
}

func (v *fakeView) transcript(id string) []model.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transcripts[id]
}

type fakeDevice struct {
	mu      sync.Mutex
	onFix   func(presence.Fix)
	watches int
	cleared int
	err     error
}

func (d *fakeDevice) WatchPosition(onFix func(presence.Fix), onErr func(error), opts presence.WatchOptions) (presence.WatchID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	d.watches++
	d.onFix = onFix
	return presence.WatchID(d.watches), nil
}

func (d *fakeDevice) ClearWatch(presence.WatchID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared++
}

func (d *fakeDevice) fix(lat, lng float64) {
	d.mu.Lock()
	fn := d.onFix
	d.mu.Unlock()
	fn(presence.Fix{Lat: lat, Lng: lng})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalIDs(got []string, want ...string) bool {
	return slices.Equal(got, want)
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seedScenario(st *memstore.Store) {
	st.Apply(store.Events, []store.Change{
		{Type: store.Added, ID: "e1", Data: store.Document{
			"name": "Rooftop", "lat": 37.77, "lng": -122.41, "promoted": false, "time": nil,
			"owner": "u9", "createdAt": store.FormatTime(base.Add(time.Minute)),
		}},
		{Type: store.Added, ID: "e2", Data: store.Document{
			"name": "Beach Bonfire", "lat": 37.80, "lng": -122.27, "promoted": true, "time": "2099-01-01T00:00:00Z",
			"owner": "u1", "createdAt": store.FormatTime(base),
		}},
	})
}

type harness struct {
	st     *memstore.Store
	view   *fakeView
	device *fakeDevice
	c      *Coordinator
}

func start(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	seedScenario(st)
	h := &harness{st: st, view: newFakeView(), device: &fakeDevice{}}
	h.c = New(context.Background(), st, h.view, h.device, Options{ClearLocationOnStop: true, NearbyRadiusKm: 5})
	if err := h.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.c.Close)
	eventually(t, "initial events", func() bool { return equalIDs(h.view.shownIDs(), "e1", "e2") })
	return h
}

var ana = &auth.User{ID: "u1", Email: "ana@example.com", Verified: true}

func TestCoordinator_ScenarioFilters(t *testing.T) {
	h := start(t)
	if got := h.view.pinIDs(markers.KindEvent); !equalIDs(got, "e1", "e2") {
		t.Fatalf("expected pins for e1 and e2, got %v", got)
	}

	h.c.SetFilter(filter.PromotedOnly())
	if got := h.view.shownIDs(); !equalIDs(got, "e2") {
		t.Fatalf("promoted: got %v", got)
	}
	if got := h.view.pinIDs(markers.KindEvent); !equalIDs(got, "e2") {
		t.Fatalf("pins should follow the filter, got %v", got)
	}

	h.c.SetFilter(filter.UpcomingOnly(base))
	if got := h.view.shownIDs(); !equalIDs(got, "e2") {
		t.Fatalf("upcoming: got %v", got)
	}

	h.c.SetFilter(filter.NearbyOf(geo.Point{Lat: 37.77, Lng: -122.41}, 5))
	if got := h.view.shownIDs(); !equalIDs(got, "e1") {
		t.Fatalf("nearby: got %v", got)
	}

	h.c.SetFilter(filter.None())
	h.c.SetSearchTerm("BONFIRE")
	if got := h.c.CurrentVisibleEvents(); len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("search: got %v", got)
	}
}

func TestCoordinator_RemovalDropsMarker(t *testing.T) {
	h := start(t)
	notified := make(chan []model.Event, 4)
	h.c.OnMirrorChanged(func(v []model.Event) { notified <- v })

	h.st.Apply(store.Events, []store.Change{{Type: store.Removed, ID: "e1"}})
	eventually(t, "e1 pin removed", func() bool {
		return equalIDs(h.view.pinIDs(markers.KindEvent), "e2")
	})
	select {
	case v := <-notified:
		if len(v) != 1 || v[0].ID != "e2" {
			t.Fatalf("unexpected visible list %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mirror change was not reported")
	}
}

func TestCoordinator_SelectAndChat(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	if err := h.c.SessionChanged(ctx, ana); err != nil {
		t.Fatalf("session: %v", err)
	}

	if _, err := h.c.Select(ctx, "e2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	d := h.view.currentDetail()
	if d == nil || d.Event.ID != "e2" || !d.CanManage {
		t.Fatalf("owner should see host controls, got %+v", d)
	}
	if d.HostPrompt != "@host Hi, I'm interested in Beach Bonfire" {
		t.Fatalf("unexpected prompt %q", d.HostPrompt)
	}

	if err := h.c.SendChatMessage(ctx, "  hello  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "transcript", func() bool {
		msgs := h.view.transcript("e2")
		return len(msgs) == 1 && msgs[0].Text == "hello" && msgs[0].SenderName == "ana"
	})

	if _, err := h.c.Select(ctx, "e1"); err != nil {
		t.Fatalf("select e1: %v", err)
	}
	if d := h.view.currentDetail(); d == nil || d.CanManage {
		t.Fatal("non-owner should not see host controls")
	}
}

func TestCoordinator_SelectMissingEvent(t *testing.T) {
	h := start(t)
	if _, err := h.c.Select(context.Background(), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := h.c.Selected(); ok {
		t.Fatal("nothing should be selected")
	}
}

func TestCoordinator_SelectedEventRemoved(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.c.Select(ctx, "e1")

	h.st.Delete(ctx, store.Events, "e1")
	eventually(t, "selection cleared", func() bool {
		_, ok := h.c.Selected()
		return !ok && h.view.currentDetail() == nil
	})
}

func TestCoordinator_SelectedEventFollowsEdits(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	if _, err := h.c.Select(ctx, "e1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	h.st.Update(ctx, store.Events, "e1", store.Document{"name": "Renamed"})
	eventually(t, "detail redrawn", func() bool {
		d := h.view.currentDetail()
		return d != nil && d.Event.Name == "Renamed"
	})

	// Signing in redraws the panel from the selection.
	if err := h.c.SessionChanged(ctx, ana); err != nil {
		t.Fatalf("session: %v", err)
	}
	if d := h.view.currentDetail(); d == nil || d.Event.Name != "Renamed" || d.HostPrompt != "@host Hi, I'm interested in Renamed" {
		t.Fatalf("detail went back to an old version: %+v", d)
	}
	if cur, ok := h.c.Selected(); !ok || cur.Name != "Renamed" {
		t.Fatalf("selected event is stale: %+v", cur)
	}
	prompt, err := h.c.HostPrompt()
	if err != nil || prompt != "@host Hi, I'm interested in Renamed" {
		t.Fatalf("unexpected prompt %q, %v", prompt, err)
	}
}

func TestCoordinator_UnreadableEditClearsSelection(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.c.Select(ctx, "e1")

	h.st.Update(ctx, store.Events, "e1", store.Document{"name": 42.0})
	eventually(t, "selection cleared", func() bool {
		_, ok := h.c.Selected()
		return !ok && h.view.currentDetail() == nil && equalIDs(h.view.shownIDs(), "e2")
	})
}

func TestCoordinator_NearbyFollowsOwnLocation(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.c.SessionChanged(ctx, ana)

	h.c.SetFilter(filter.Spec{Nearby: true})
	if got := h.view.shownIDs(); len(got) != 0 {
		t.Fatalf("no origin yet, expected nothing, got %v", got)
	}

	h.device.fix(37.80, -122.27)
	eventually(t, "nearby list", func() bool { return equalIDs(h.view.shownIDs(), "e2") })
	eventually(t, "own pin", func() bool { return equalIDs(h.view.pinIDs(markers.KindUser), "u1") })
}

func TestCoordinator_MineFollowsSession(t *testing.T) {
	ctx := context.Background()
	h := start(t)

	h.c.SetFilter(filter.MineOnly(""))
	if got := h.view.shownIDs(); len(got) != 0 {
		t.Fatalf("signed out, expected nothing, got %v", got)
	}
	h.c.SessionChanged(ctx, ana)
	if got := h.view.shownIDs(); !equalIDs(got, "e2") {
		t.Fatalf("signed in, got %v", got)
	}
	h.c.SessionChanged(ctx, nil)
	if got := h.view.shownIDs(); len(got) != 0 {
		t.Fatalf("signed out again, got %v", got)
	}
}

func TestCoordinator_SignOutStopsPublishing(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.c.SessionChanged(ctx, ana)
	h.c.SessionChanged(ctx, ana)
	if h.device.watches != 1 {
		t.Fatalf("re-authenticating the same user should keep one watch, got %d", h.device.watches)
	}

	h.device.fix(1, 1)
	if _, err := h.st.Get(ctx, store.Locations, "u1"); err != nil {
		t.Fatalf("location should be published: %v", err)
	}

	h.c.SessionChanged(ctx, nil)
	if h.device.cleared != 1 {
		t.Fatalf("expected one cleared watch, got %d", h.device.cleared)
	}
	if _, err := h.st.Get(ctx, store.Locations, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatal("location should be removed on sign-out")
	}
	if v := h.c.Viewer(); v.UID != "" {
		t.Fatal("viewer should be cleared")
	}
}

func TestCoordinator_DeviceUnavailableDegrades(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.device.err = apperr.DeviceUnavailable("watch", errors.New("denied"))

	if err := h.c.SessionChanged(ctx, ana); err != nil {
		t.Fatalf("session should still start: %v", err)
	}
	if _, err := h.c.Select(ctx, "e1"); err != nil {
		t.Fatalf("select should still work: %v", err)
	}
}

func TestCoordinator_Workflows(t *testing.T) {
	ctx := context.Background()
	h := start(t)

	if err := h.c.Join(ctx); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("join without selection: %v", err)
	}
	h.c.Select(ctx, "e1")
	if err := h.c.Join(ctx); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("join without session: %v", err)
	}
	if _, err := h.c.HostPrompt(); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("host prompt without session: %v", err)
	}

	h.c.SessionChanged(ctx, ana)
	if err := h.c.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.c.RequestPromotion(ctx); err != nil {
		t.Fatalf("promotion: %v", err)
	}
	if err := h.c.Report(ctx, "loud"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := h.c.TogglePromoted(ctx); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("toggle on someone else's event: %v", err)
	}
	if err := h.c.DeleteSelected(ctx); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("delete someone else's event: %v", err)
	}

	id, err := h.c.CreateEvent(ctx, party.QuickDraft("Picnic", "Park"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "new event listed", func() bool { return slices.Contains(h.view.shownIDs(), id) })
	if _, err := h.c.Select(ctx, id); err != nil {
		t.Fatalf("select own event: %v", err)
	}
	if on, err := h.c.TogglePromoted(ctx); err != nil || !on {
		t.Fatalf("toggle own event: %v %v", on, err)
	}
	if err := h.c.DeleteSelected(ctx); err != nil {
		t.Fatalf("delete own event: %v", err)
	}
	eventually(t, "deleted event unlisted", func() bool { return !slices.Contains(h.view.shownIDs(), id) })
}

func TestCoordinator_CloseRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	h.c.SessionChanged(ctx, ana)
	h.device.fix(2, 2)
	eventually(t, "own pin", func() bool { return len(h.view.pinIDs(markers.KindUser)) == 1 })
	h.c.Select(ctx, "e1")

	h.c.Close()
	h.c.Close()

	if n := len(h.view.pinIDs(markers.KindEvent)) + len(h.view.pinIDs(markers.KindUser)); n != 0 {
		t.Fatalf("expected no pins after close, got %d", n)
	}
	if h.device.cleared != 1 {
		t.Fatalf("expected watch cleared once, got %d", h.device.cleared)
	}
	if _, ok := h.c.Selected(); ok {
		t.Fatal("selection should be cleared")
	}
}
