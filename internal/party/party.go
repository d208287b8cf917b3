// Package party implements the write-side workflows on events: creating
// and editing parties, joining, chat, promotion requests and reports.
// Every input is validated before the store is contacted.
package party

import (
	"context"
	"log/slog"
	"strings"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/store"
)

// Draft is the editable part of an event.
type Draft struct {
	Name          string                  `json:"name"`
	LocationLabel string                  `json:"locationLabel"`
	Lat           model.Optional[float64] `json:"lat"`
	Lng           model.Optional[float64] `json:"lng"`
	Time          model.Optional[string]  `json:"time"`
}

// QuickDraft is an event with a name and place but no coordinates or time.
func QuickDraft(name, locationLabel string) Draft {
	return Draft{Name: name, LocationLabel: locationLabel}
}

func (d Draft) normalize(op string) (Draft, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.LocationLabel = strings.TrimSpace(d.LocationLabel)
	if d.Name == "" || d.LocationLabel == "" {
		return Draft{}, apperr.Validation(op, "name and location are required")
	}
	if d.Lat.Present() != d.Lng.Present() {
		return Draft{}, apperr.Validation(op, "latitude and longitude go together")
	}
	if lat, ok := d.Lat.Get(); ok && (lat < -90 || lat > 90) {
		return Draft{}, apperr.Validation(op, "latitude must be between -90 and 90")
	}
	if lng, ok := d.Lng.Get(); ok && (lng < -180 || lng > 180) {
		return Draft{}, apperr.Validation(op, "longitude must be between -180 and 180")
	}
	if t, ok := d.Time.Get(); ok {
		t = strings.TrimSpace(t)
		if t == "" {
			d.Time = model.None[string]()
		} else if _, ok := model.ParseTime(t); !ok {
			return Draft{}, apperr.Validation(op, "time is not a valid date")
		} else {
			d.Time = model.Some(t)
		}
	}
	return d, nil
}

func (d Draft) fields() store.Document {
	return store.Document{
		"name":          d.Name,
		"locationLabel": d.LocationLabel,
		"lat":           d.Lat.Any(),
		"lng":           d.Lng.Any(),
		"time":          d.Time.Any(),
	}
}

// Notifier receives completed moderation-relevant actions. Failures are
// logged and never undo the write.
type Notifier interface {
	EventCreated(ctx context.Context, eventID, owner, name string) error
	EventDeleted(ctx context.Context, eventID, actor string) error
	PromotionRequested(ctx context.Context, eventID, requester string) error
	ReportFiled(ctx context.Context, eventID, reporter, reason string) error
}

type Service struct {
	store  store.Store
	notify Notifier
}

// NewService builds a Service. notify may be nil.
func NewService(st store.Store, notify Notifier) *Service {
	return &Service{store: st, notify: notify}
}

func (s *Service) report(what string, err error) {
	if err != nil {
		slog.Warn("publish activity", "activity", what, "error", err)
	}
}

func requireSession(op string, actor model.Profile) error {
	if actor.UID == "" {
		return apperr.Unauthorized(op, "sign in first")
	}
	return nil
}

func requireEventID(op, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return apperr.Validation(op, "select an event")
	}
	return nil
}

// CreateEvent stores a new event owned by actor and returns its id.
func (s *Service) CreateEvent(ctx context.Context, actor model.Profile, draft Draft) (string, error) {
	const op = "create event"
	if err := requireSession(op, actor); err != nil {
		return "", err
	}
	d, err := draft.normalize(op)
	if err != nil {
		return "", err
	}
	fields := d.fields()
	fields["owner"] = actor.UID
	fields["promoted"] = false
	fields["createdAt"] = store.ServerTimestamp
	id, err := s.store.Create(ctx, store.Events, fields)
	if err != nil {
		return "", err
	}
	if s.notify != nil {
		s.report("event created", s.notify.EventCreated(ctx, id, actor.UID, d.Name))
	}
	return id, nil
}

// UpdateEvent overwrites the editable fields. Only the owner may edit.
func (s *Service) UpdateEvent(ctx context.Context, actor model.Profile, eventID string, draft Draft) error {
	const op = "update event"
	if err := requireSession(op, actor); err != nil {
		return err
	}
	if err := requireEventID(op, eventID); err != nil {
		return err
	}
	d, err := draft.normalize(op)
	if err != nil {
		return err
	}
	ev, err := s.event(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Owner != actor.UID {
		return apperr.Unauthorized(op, "only the owner can edit this event")
	}
	return s.store.Update(ctx, store.Events, eventID, d.fields())
}

// TogglePromoted flips the promoted flag and returns the new value.
func (s *Service) TogglePromoted(ctx context.Context, actor model.Profile, eventID string) (bool, error) {
	const op = "toggle promoted"
	if err := requireSession(op, actor); err != nil {
		return false, err
	}
	if err := requireEventID(op, eventID); err != nil {
		return false, err
	}
	ev, err := s.event(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !CanManage(actor, ev) {
		return false, apperr.Unauthorized(op, "only the owner or an admin can promote")
	}
	promoted := !ev.Promoted
	if err := s.store.Update(ctx, store.Events, eventID, store.Document{"promoted": promoted}); err != nil {
		return false, err
	}
	return promoted, nil
}

// Join records actor as attending.
func (s *Service) Join(ctx context.Context, actor model.Profile, eventID string) error {
	const op = "join"
	if err := requireSession(op, actor); err != nil {
		return err
	}
	if err := requireEventID(op, eventID); err != nil {
		return err
	}
	_, err := s.store.Create(ctx, store.AttendeesOf(eventID), model.AttendanceRecord{UID: actor.UID}.Document())
	return err
}

// RequestPromotion files a pending promotion request for review.
func (s *Service) RequestPromotion(ctx context.Context, actor model.Profile, eventID string) error {
	const op = "request promotion"
	if err := requireSession(op, actor); err != nil {
		return err
	}
	if err := requireEventID(op, eventID); err != nil {
		return err
	}
	_, err := s.store.Create(ctx, store.Promotions, model.PromotionRequest{
		EventID:   eventID,
		Requester: actor.UID,
		Status:    model.PromotionPending,
	}.Document())
	if err != nil {
		return err
	}
	if s.notify != nil {
		s.report("promotion requested", s.notify.PromotionRequested(ctx, eventID, actor.UID))
	}
	return nil
}

// Report files a report against an event. A reason is required.
func (s *Service) Report(ctx context.Context, actor model.Profile, eventID, reason string) error {
	const op = "report"
	if err := requireSession(op, actor); err != nil {
		return err
	}
	if err := requireEventID(op, eventID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.Validation(op, "describe the issue")
	}
	_, err := s.store.Create(ctx, store.Reports, model.Report{
		EventID:  eventID,
		Reporter: actor.UID,
		Reason:   reason,
	}.Document())
	if err != nil {
		return err
	}
	if s.notify != nil {
		s.report("report filed", s.notify.ReportFiled(ctx, eventID, actor.UID, reason))
	}
	return nil
}

// Deleted announces that actor removed eventID.
func (s *Service) Deleted(ctx context.Context, actor model.Profile, eventID string) {
	if s.notify != nil {
		s.report("event deleted", s.notify.EventDeleted(ctx, eventID, actor.UID))
	}
}

// SendChatMessage appends a message to the event's chat.
func (s *Service) SendChatMessage(ctx context.Context, actor model.Profile, eventID, text string) error {
	const op = "send message"
	if err := requireSession(op, actor); err != nil {
		return err
	}
	if err := requireEventID(op, eventID); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.Validation(op, "message is empty")
	}
	_, err := s.store.Create(ctx, store.MessagesOf(eventID), store.Document{
		"text":       text,
		"sender":     actor.UID,
		"senderName": SenderName(actor),
		"createdAt":  store.ServerTimestamp,
	})
	return err
}

func (s *Service) event(ctx context.Context, eventID string) (model.Event, error) {
	doc, err := s.store.Get(ctx, store.Events, eventID)
	if err != nil {
		return model.Event{}, err
	}
	ev, err := model.DecodeEvent(eventID, doc)
	if err != nil {
		return model.Event{}, apperr.Wrap(apperr.KindInternal, "read event", "event cannot be read", err)
	}
	return ev, nil
}

// SenderName is the chat label of actor.
func SenderName(actor model.Profile) string {
	if actor.DisplayName != "" {
		return actor.DisplayName
	}
	if name := model.EmailName(actor.Email); name != "" {
		return name
	}
	return actor.UID
}

// HostPrompt is the message prefilled when contacting an event's host.
func HostPrompt(ev model.Event) string {
	return "@host Hi, I'm interested in " + ev.Name
}

// CanManage reports whether actor sees host controls for ev.
func CanManage(actor model.Profile, ev model.Event) bool {
	return actor.CanManage(ev)
}
