// Package coordinator wires one viewer's session: the events mirror, the
// filter, map pins, the selection with its chat, and presence.
//
// Inbound work (store batches, UI commands, session changes) is
// serialized under one mutex and runs to completion. Remote fetches and
// writes run without holding it.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/auth"
	"eddisonso.com/litfinder/internal/filter"
	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/markers"
	"eddisonso.com/litfinder/internal/mirror"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/party"
	"eddisonso.com/litfinder/internal/presence"
	"eddisonso.com/litfinder/internal/selection"
	"eddisonso.com/litfinder/internal/store"
)

// Detail is what the detail panel shows for the selected event.
type Detail struct {
	Event      model.Event `json:"event"`
	CanManage  bool        `json:"canManage"`
	HostPrompt string      `json:"hostPrompt"`
}

// View is the presentation collaborator. Pins for events and users are
// placed on it through markers.Layer.
type View interface {
	markers.Layer
	ShowEvents(events []model.Event)
	// ShowDetail shows the selected event, or clears the panel when nil.
	ShowDetail(d *Detail)
	ShowTranscript(eventID string, messages []model.ChatMessage)
	ShowChatError(eventID, message string)
	ShowViewer(p *model.Profile)
	Notice(message string)
}

// Options tune a Coordinator.
type Options struct {
	// ClearLocationOnStop deletes the viewer's location record when
	// publishing stops.
	ClearLocationOnStop bool
	// NearbyRadiusKm applies to nearby filters without a radius.
	NearbyRadiusKm float64
	// Activity receives completed workflow actions. It may be nil.
	Activity party.Notifier
}

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  store.Store
	view   View
	opts   Options

	party      *party.Service
	events     *mirror.Mirror[model.Event]
	reconciler *markers.Reconciler
	tracker    *presence.Tracker
	selection  *selection.Controller
	publisher  *presence.Publisher

	mu           sync.Mutex
	spec         filter.Spec
	term         string
	viewer       model.Profile
	visible      []model.Event
	listeners    []func([]model.Event)
	eventsSub    *store.Subscription
	locationsSub *store.Subscription
	closed       bool
}

// New builds a coordinator. Nothing is subscribed until Start.
func New(ctx context.Context, st store.Store, view View, device presence.Device, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		ctx:        ctx,
		cancel:     cancel,
		store:      st,
		view:       view,
		opts:       opts,
		party:      party.NewService(st, opts.Activity),
		events:     mirror.New(store.Events, model.DecodeEvent, model.NewestFirst),
		reconciler: markers.NewReconciler(view),
		tracker:    presence.NewTracker(view),
		publisher:  presence.NewPublisher(st, device),
	}
	c.publisher.ClearOnStop = opts.ClearLocationOnStop
	c.selection = selection.New(ctx, st, chatSink{view: view})
	c.events.OnChange(func([]model.Event) { c.refresh() })
	return c
}

// chatSink forwards chat output straight to the view. It never takes the
// coordinator's lock.
type chatSink struct {
	view View
}

func (s chatSink) Transcript(eventID string, messages []model.ChatMessage) {
	s.view.ShowTranscript(eventID, messages)
}

func (s chatSink) ChatFailed(eventID string, err error) {
	s.view.ShowChatError(eventID, apperr.UserMessage(err))
}

// Start subscribes to the events and locations collections.
func (c *Coordinator) Start() error {
	eventsSub, err := c.store.Subscribe(c.ctx, store.Events, store.ByCreatedDesc, c.onEventsBatch, c.onStreamError(store.Events))
	if err != nil {
		return err
	}
	locationsSub, err := c.store.Subscribe(c.ctx, store.Locations, store.Order{}, c.onLocationsBatch, c.onStreamError(store.Locations))
	if err != nil {
		eventsSub.Close()
		return err
	}

	c.mu.Lock()
	c.eventsSub = eventsSub
	c.locationsSub = locationsSub
	c.mu.Unlock()
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	eventsSub, locationsSub := c.eventsSub, c.locationsSub
	c.mu.Unlock()

	c.selection.Clear()
	if err := c.publisher.Stop(context.WithoutCancel(c.ctx)); err != nil {
		slog.Warn("stop location publishing", "error", err)
	}
	eventsSub.Close()
	locationsSub.Close()
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	markers.Batch(c.view, func() {
		c.reconciler.Clear()
		c.tracker.Clear()
	})
}

func (c *Coordinator) onStreamError(collection string) store.ErrorFunc {
	return func(err error) {
		slog.Error("live stream failed", "collection", collection, "error", err)
		c.view.Notice("Live updates stopped: " + apperr.UserMessage(err))
	}
}

func (c *Coordinator) onEventsBatch(batch []store.Change) {
	if len(batch) == 0 {
		// An empty initial batch changes nothing but the list still has
		// to be shown once.
		c.refresh()
		return
	}
	c.events.Apply(batch)
	c.followSelected(batch)
}

// followSelected keeps the selection in step with the mirror. A selected
// event that left the mirror is cleared; one still present is replaced
// with the mirror's version and redrawn.
func (c *Coordinator) followSelected(batch []store.Change) {
	cur, ok := c.selection.Current()
	if !ok || !slices.ContainsFunc(batch, func(ch store.Change) bool { return ch.ID == cur.ID }) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events.Get(cur.ID)
	if !ok {
		if now, selected := c.selection.Current(); selected && now.ID == cur.ID {
			c.selection.Clear()
			c.view.ShowDetail(nil)
			c.view.Notice("The selected event was removed")
		}
		return
	}
	if c.selection.Refresh(ev) {
		c.view.ShowDetail(c.detailLocked(ev))
	}
}

func (c *Coordinator) onLocationsBatch(batch []store.Change) {
	c.mu.Lock()
	if c.closed {
		// A batch already in flight when the subscription closed.
		c.mu.Unlock()
		return
	}
	c.tracker.Apply(batch)
	dependsOnLive := c.spec.Nearby && !c.spec.Origin.Present()
	c.mu.Unlock()
	if dependsOnLive {
		c.refresh()
	}
}

// OnMirrorChanged registers fn to receive the visible events after every
// re-derivation.
func (c *Coordinator) OnMirrorChanged(fn func(visible []model.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetFilter replaces the active filter. A mine filter without a viewer
// uid uses the signed-in viewer.
func (c *Coordinator) SetFilter(spec filter.Spec) {
	c.mu.Lock()
	if spec.Mine && spec.ViewerUID == "" {
		spec.ViewerUID = c.viewer.UID
	}
	if spec.Nearby && spec.RadiusKm <= 0 {
		spec.RadiusKm = c.opts.NearbyRadiusKm
	}
	c.spec = spec
	needsOrigin := spec.Nearby && !spec.Origin.Present() && c.viewer.UID != ""
	var hasOrigin bool
	if needsOrigin {
		_, hasOrigin = c.tracker.Location(c.viewer.UID)
	}
	c.mu.Unlock()

	if needsOrigin && !hasOrigin {
		c.view.Notice("Your location is not published yet. Allow location access to filter nearby events.")
	}
	c.refresh()
}

// SetSearchTerm replaces the free-text term.
func (c *Coordinator) SetSearchTerm(term string) {
	c.mu.Lock()
	c.term = term
	c.mu.Unlock()
	c.refresh()
}

// CurrentVisibleEvents returns the last derived visible list.
func (c *Coordinator) CurrentVisibleEvents() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.visible)
}

// refresh re-derives the visible list and rebuilds event pins.
func (c *Coordinator) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	origin := model.None[geo.Point]()
	if c.viewer.UID != "" {
		if p, ok := c.tracker.Location(c.viewer.UID); ok {
			origin = model.Some(p)
		}
	}
	c.visible = filter.Visible(c.events.Snapshot(), c.spec, c.term, origin)
	c.reconciler.Reconcile(c.visible)
	c.view.ShowEvents(c.visible)

	for _, fn := range c.listeners {
		fn(slices.Clone(c.visible))
	}
}

// Select makes id the selected event and swaps the chat subscription.
// A superseded call returns selection.ErrSuperseded.
func (c *Coordinator) Select(ctx context.Context, id string) (model.Event, error) {
	ev, err := c.selection.Select(ctx, id)
	if err != nil {
		return model.Event{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A later Select or Clear may have won while we waited for the lock.
	if cur, ok := c.selection.Current(); !ok || cur.ID != ev.ID {
		return model.Event{}, selection.ErrSuperseded
	}
	c.view.ShowDetail(c.detailLocked(ev))
	return ev, nil
}

func (c *Coordinator) detailLocked(ev model.Event) *Detail {
	return &Detail{
		Event:      ev,
		CanManage:  party.CanManage(c.viewer, ev),
		HostPrompt: party.HostPrompt(ev),
	}
}

// ClearSelection moves to unselected and releases the chat.
func (c *Coordinator) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selection.Clear()
	c.view.ShowDetail(nil)
}

// Selected returns the selected event, if any.
func (c *Coordinator) Selected() (model.Event, bool) {
	return c.selection.Current()
}

// Viewer returns the signed-in profile. UID is empty when signed out.
func (c *Coordinator) Viewer() model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewer
}

// SessionChanged applies a sign-in (u non-nil) or sign-out (u nil).
// Location publishing is bound to the session: it stops on sign-out and
// before a different user signs in.
func (c *Coordinator) SessionChanged(ctx context.Context, u *auth.User) error {
	sameUser := u != nil && u.ID == c.Viewer().UID
	if !sameUser {
		if err := c.publisher.Stop(ctx); err != nil {
			slog.Warn("stop location publishing", "error", err)
		}
	}

	if u == nil {
		c.mu.Lock()
		c.viewer = model.Profile{}
		if c.spec.Mine {
			c.spec.ViewerUID = ""
		}
		c.mu.Unlock()
		c.view.ShowViewer(nil)
		c.refreshDetail()
		c.refresh()
		return nil
	}

	profile, err := auth.EnsureProfile(ctx, c.store, *u)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.viewer = profile
	if c.spec.Mine {
		c.spec.ViewerUID = profile.UID
	}
	c.mu.Unlock()
	c.view.ShowViewer(&profile)

	if err := c.publisher.Start(c.ctx, profile.UID); err != nil {
		if errors.Is(err, apperr.ErrDeviceUnavailable) {
			c.view.Notice("Location sharing is unavailable")
		} else {
			slog.Warn("start location publishing", "uid", profile.UID, "error", err)
		}
	}
	c.refreshDetail()
	c.refresh()
	return nil
}

// refreshDetail redraws host controls after the viewer changed.
func (c *Coordinator) refreshDetail() {
	cur, ok := c.selection.Current()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.ShowDetail(c.detailLocked(cur))
}

// SendChatMessage posts text to the selected event's chat.
func (c *Coordinator) SendChatMessage(ctx context.Context, text string) error {
	cur, ok := c.selection.Current()
	if !ok {
		return apperr.Validation("send message", "select an event")
	}
	return c.party.SendChatMessage(ctx, c.Viewer(), cur.ID, text)
}

// CreateEvent creates an event owned by the viewer.
func (c *Coordinator) CreateEvent(ctx context.Context, draft party.Draft) (string, error) {
	return c.party.CreateEvent(ctx, c.Viewer(), draft)
}

// UpdateEvent edits eventID, or the selected event when eventID is empty.
func (c *Coordinator) UpdateEvent(ctx context.Context, eventID string, draft party.Draft) error {
	id, err := c.targetID("update event", eventID)
	if err != nil {
		return err
	}
	return c.party.UpdateEvent(ctx, c.Viewer(), id, draft)
}

// DeleteSelected deletes the selected event.
func (c *Coordinator) DeleteSelected(ctx context.Context) error {
	cur, _ := c.selection.Current()
	viewer := c.Viewer()
	if err := c.selection.DeleteCurrent(ctx, viewer); err != nil {
		return err
	}
	c.view.ShowDetail(nil)
	c.party.Deleted(ctx, viewer, cur.ID)
	return nil
}

// TogglePromoted flips promotion on the selected event.
func (c *Coordinator) TogglePromoted(ctx context.Context) (bool, error) {
	id, err := c.targetID("toggle promoted", "")
	if err != nil {
		return false, err
	}
	return c.party.TogglePromoted(ctx, c.Viewer(), id)
}

// Join marks the viewer as attending the selected event.
func (c *Coordinator) Join(ctx context.Context) error {
	id, err := c.targetID("join", "")
	if err != nil {
		return err
	}
	return c.party.Join(ctx, c.Viewer(), id)
}

// RequestPromotion asks admins to promote the selected event.
func (c *Coordinator) RequestPromotion(ctx context.Context) error {
	id, err := c.targetID("request promotion", "")
	if err != nil {
		return err
	}
	return c.party.RequestPromotion(ctx, c.Viewer(), id)
}

// Report files a report on the selected event.
func (c *Coordinator) Report(ctx context.Context, reason string) error {
	id, err := c.targetID("report", "")
	if err != nil {
		return err
	}
	return c.party.Report(ctx, c.Viewer(), id, reason)
}

// HostPrompt returns the prefilled message for the selected event's host.
func (c *Coordinator) HostPrompt() (string, error) {
	if c.Viewer().UID == "" {
		return "", apperr.Unauthorized("message host", "sign in first")
	}
	cur, ok := c.selection.Current()
	if !ok {
		return "", apperr.Validation("message host", "select an event")
	}
	return party.HostPrompt(cur), nil
}

func (c *Coordinator) targetID(op, eventID string) (string, error) {
	if id := strings.TrimSpace(eventID); id != "" {
		return id, nil
	}
	cur, ok := c.selection.Current()
	if !ok {
		return "", apperr.Validation(op, "select an event")
	}
	return cur.ID, nil
}
