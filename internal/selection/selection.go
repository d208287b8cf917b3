// Package selection owns the selected event and its chat subscription.
//
// A Controller is either unselected or has exactly one selected event.
// At most one chat subscription is live at any time: every swap releases
// the previous subscription before the next one is acquired.
package selection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/mirror"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/store"
)

// ErrSuperseded is returned by Select when a later Select or Clear won.
var ErrSuperseded = errors.New("selection superseded")

// Listener receives chat output for the selected event. Calls are made
// while the controller's lock is held, so a Listener must not call back
// into the Controller.
type Listener interface {
	// Transcript delivers the full message list, oldest first.
	Transcript(eventID string, messages []model.ChatMessage)
	// ChatFailed reports a terminal chat error. No more transcripts
	// arrive until the next Select.
	ChatFailed(eventID string, err error)
}

type Controller struct {
	ctx      context.Context
	store    store.Store
	listener Listener

	mu          sync.Mutex
	gen         uint64
	cancelFetch context.CancelFunc
	current     *model.Event
	chat        store.Slot
	chatGen     uint64
}

// New creates an unselected controller. Chat subscriptions live at most
// as long as ctx.
func New(ctx context.Context, st store.Store, listener Listener) *Controller {
	return &Controller{ctx: ctx, store: st, listener: listener}
}

// Select fetches the event and makes it current. The last call wins:
// an earlier call still in flight returns ErrSuperseded and changes
// nothing. A failed fetch leaves the state unchanged.
func (c *Controller) Select(ctx context.Context, id string) (model.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Event{}, apperr.Validation("select", "event id is required")
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancelFetch = cancel
	c.mu.Unlock()

	doc, err := c.store.Get(fetchCtx, store.Events, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()
	if gen != c.gen {
		return model.Event{}, ErrSuperseded
	}
	c.cancelFetch = nil
	if err != nil {
		return model.Event{}, err
	}
	ev, err := model.DecodeEvent(id, doc)
	if err != nil {
		return model.Event{}, apperr.Wrap(apperr.KindInternal, "select", "event cannot be read", err)
	}

	c.current = &ev
	c.chatGen++
	chatGen := c.chatGen
	if _, err := c.chat.Replace(func() (*store.Subscription, error) {
		return c.subscribeChat(id, chatGen)
	}); err != nil {
		slog.Warn("chat subscription failed", "event_id", id, "error", err)
		c.listener.ChatFailed(id, err)
	}
	return ev, nil
}

// Clear moves to unselected and releases the chat subscription. It also
// supersedes any Select in flight. Calling it again is a no-op.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Controller) clearLocked() {
	c.gen++
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
	c.current = nil
	c.chatGen++
	c.chat.Release()
}

// Current returns a copy of the selected event.
func (c *Controller) Current() (model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return model.Event{}, false
	}
	return *c.current, true
}

// Refresh replaces the selected event with a newer version of it. It
// reports false, changing nothing, when ev is not the selected event.
func (c *Controller) Refresh(ev model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != ev.ID {
		return false
	}
	c.current = &ev
	return true
}

// ChatActive reports whether a chat subscription is live.
func (c *Controller) ChatActive() bool {
	return c.chat.Active()
}

// DeleteCurrent deletes the selected event and clears the selection.
// Only the owner or an admin may delete.
func (c *Controller) DeleteCurrent(ctx context.Context, actor model.Profile) error {
	ev, ok := c.Current()
	if !ok {
		return apperr.Validation("delete", "no event selected")
	}
	if !actor.CanManage(ev) {
		return apperr.Unauthorized("delete", "only the owner or an admin can delete this event")
	}
	if err := c.store.Delete(ctx, store.Events, ev.ID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.ID == ev.ID {
		c.clearLocked()
	}
	return nil
}

func (c *Controller) subscribeChat(eventID string, chatGen uint64) (*store.Subscription, error) {
	msgs := mirror.New("messages", model.DecodeChatMessage, model.OldestFirst)
	msgs.OnChange(func(snapshot []model.ChatMessage) {
		c.deliver(eventID, chatGen, snapshot)
	})

	onBatch := func(batch []store.Change) {
		// The initial batch of an empty chat carries no changes, but the
		// transcript still has to be shown.
		if len(batch) == 0 {
			c.deliver(eventID, chatGen, msgs.Snapshot())
			return
		}
		msgs.Apply(batch)
	}
	onErr := func(err error) {
		c.chatFailed(eventID, chatGen, err)
	}

	sub, err := c.store.Subscribe(c.ctx, store.MessagesOf(eventID), store.ByCreatedAsc, onBatch, onErr)
	if err != nil {
		return nil, err
	}
	metrics.ChatSubscriptionsActive.Inc()
	return store.NewSubscription(func() error {
		metrics.ChatSubscriptionsActive.Dec()
		return sub.Close()
	}), nil
}

func (c *Controller) deliver(eventID string, chatGen uint64, messages []model.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chatGen != c.chatGen {
		return
	}
	c.listener.Transcript(eventID, messages)
}

func (c *Controller) chatFailed(eventID string, chatGen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chatGen != c.chatGen {
		return
	}
	c.chatGen++
	c.chat.Release()
	slog.Warn("chat stream failed", "event_id", eventID, "error", err)
	c.listener.ChatFailed(eventID, err)
}
