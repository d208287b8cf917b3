// Package model holds the entities of the remote schema and their mapping
// to and from store documents.
package model

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/store"
)

// Roles stored on user profiles.
const (
	RoleUser  = "user"
	RoleHost  = "host"
	RoleAdmin = "admin"
)

// PromotionPending is the status of a new promotion request.
const PromotionPending = "pending"

// Event is a party or gathering.
type Event struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	LocationLabel string            `json:"locationLabel"`
	Lat           Optional[float64] `json:"lat"`
	Lng           Optional[float64] `json:"lng"`
	Time          Optional[string]  `json:"time"`
	Owner         string            `json:"owner"`
	Promoted      bool              `json:"promoted"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Point returns the event's coordinates when both are present.
func (e Event) Point() (geo.Point, bool) {
	lat, okLat := e.Lat.Get()
	lng, okLng := e.Lng.Get()
	if !okLat || !okLng {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}

// timeLayouts are accepted for the event time. The browser's
// datetime-local input omits seconds and zone; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// When parses the scheduled time. It reports false when the event is
// unscheduled or its time cannot be parsed.
func (e Event) When() (time.Time, bool) {
	s, ok := e.Time.Get()
	if !ok {
		return time.Time{}, false
	}
	return ParseTime(s)
}

// ParseTime parses an ISO-8601 timestamp in one of the accepted layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DecodeEvent maps a store document to an Event. Missing fields take their
// defaults; a field of the wrong type is an error.
func DecodeEvent(id string, doc store.Document) (Event, error) {
	e := Event{ID: id}
	var err error
	if e.Name, err = optString(doc, "name"); err != nil {
		return Event{}, err
	}
	if e.LocationLabel, err = optString(doc, "locationLabel"); err != nil {
		return Event{}, err
	}
	if e.Owner, err = optString(doc, "owner"); err != nil {
		return Event{}, err
	}
	if e.Lat, err = optFloat(doc, "lat"); err != nil {
		return Event{}, err
	}
	if e.Lng, err = optFloat(doc, "lng"); err != nil {
		return Event{}, err
	}
	switch v := doc["time"].(type) {
	case nil:
	case string:
		if strings.TrimSpace(v) != "" {
			e.Time = Some(v)
		}
	default:
		return Event{}, fieldError("time", v)
	}
	switch v := doc["promoted"].(type) {
	case nil:
	case bool:
		e.Promoted = v
	default:
		return Event{}, fieldError("promoted", v)
	}
	e.CreatedAt, _ = doc.Time("createdAt")
	return e, nil
}

// NewestFirst orders events by descending creation time, then by id.
func NewestFirst(a, b Event) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ChatMessage is one message of an event's chat.
type ChatMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName"`
	CreatedAt  time.Time `json:"createdAt"`
}

func DecodeChatMessage(id string, doc store.Document) (ChatMessage, error) {
	m := ChatMessage{ID: id}
	var err error
	if m.Text, err = optString(doc, "text"); err != nil {
		return ChatMessage{}, err
	}
	if m.Sender, err = optString(doc, "sender"); err != nil {
		return ChatMessage{}, err
	}
	if m.SenderName, err = optString(doc, "senderName"); err != nil {
		return ChatMessage{}, err
	}
	m.CreatedAt, _ = doc.Time("createdAt")
	return m, nil
}

// OldestFirst orders messages by ascending creation time, then by id.
func OldestFirst(a, b ChatMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// AttendanceRecord marks a user as attending an event. It is written to
// events/{id}/attendees.
type AttendanceRecord struct {
	UID string `json:"uid"`
}

// Document returns the fields to create. joinedAt is set by the store.
func (a AttendanceRecord) Document() store.Document {
	return store.Document{
		"uid":      a.UID,
		"joinedAt": store.ServerTimestamp,
	}
}

// PromotionRequest asks an admin to promote an event.
type PromotionRequest struct {
	EventID   string `json:"eventId"`
	Requester string `json:"requester"`
	Status    string `json:"status"`
}

// Document returns the fields to create. A request without a status is
// pending; requestedAt is set by the store.
func (r PromotionRequest) Document() store.Document {
	status := r.Status
	if status == "" {
		status = PromotionPending
	}
	return store.Document{
		"eventId":     r.EventID,
		"requester":   r.Requester,
		"status":      status,
		"requestedAt": store.ServerTimestamp,
	}
}

// Report flags an event for review.
type Report struct {
	EventID  string `json:"eventId"`
	Reporter string `json:"reporter"`
	Reason   string `json:"reason"`
}

func (r Report) Document() store.Document {
	return store.Document{
		"eventId":   r.EventID,
		"reporter":  r.Reporter,
		"reason":    r.Reason,
		"createdAt": store.ServerTimestamp,
	}
}

// UserLocation is the last published position of a user.
type UserLocation struct {
	UID     string            `json:"uid"`
	Lat     Optional[float64] `json:"lat"`
	Lng     Optional[float64] `json:"lng"`
	Updated time.Time         `json:"updated"`
}

// Point returns the position when both coordinates are present.
func (l UserLocation) Point() (geo.Point, bool) {
	lat, okLat := l.Lat.Get()
	lng, okLng := l.Lng.Get()
	if !okLat || !okLng {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}

// DecodeUserLocation maps locations/{uid}. The document id is the uid
// when the uid field is missing.
func DecodeUserLocation(id string, doc store.Document) (UserLocation, error) {
	l := UserLocation{UID: id}
	uid, err := optString(doc, "uid")
	if err != nil {
		return UserLocation{}, err
	}
	if uid != "" {
		l.UID = uid
	}
	if l.Lat, err = optFloat(doc, "lat"); err != nil {
		return UserLocation{}, err
	}
	if l.Lng, err = optFloat(doc, "lng"); err != nil {
		return UserLocation{}, err
	}
	l.Updated, _ = doc.Time("updated")
	return l, nil
}

// Profile is the users/{uid} document.
type Profile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (p Profile) IsAdmin() bool { return p.Role == RoleAdmin }

// IsHost reports whether the profile may use the host dashboard.
func (p Profile) IsHost() bool { return p.Role == RoleHost || p.Role == RoleAdmin }

// CanManage reports whether the profile may edit or delete ev.
func (p Profile) CanManage(ev Event) bool {
	if p.UID == "" {
		return false
	}
	return p.UID == ev.Owner || p.IsAdmin()
}

func DecodeProfile(uid string, doc store.Document) (Profile, error) {
	p := Profile{UID: uid, Role: RoleUser}
	var err error
	if p.Email, err = optString(doc, "email"); err != nil {
		return Profile{}, err
	}
	if p.DisplayName, err = optString(doc, "displayName"); err != nil {
		return Profile{}, err
	}
	role, err := optString(doc, "role")
	if err != nil {
		return Profile{}, err
	}
	if role != "" {
		p.Role = role
	}
	p.Verified, _ = doc.Bool("verified")
	p.CreatedAt, _ = doc.Time("createdAt")
	return p, nil
}

// EmailName returns the local part of an email address.
func EmailName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

func optString(doc store.Document, key string) (string, error) {
	switch v := doc[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fieldError(key, v)
	}
}

func optFloat(doc store.Document, key string) (Optional[float64], error) {
	if doc[key] == nil {
		return None[float64](), nil
	}
	f, ok := doc.Float(key)
	if !ok {
		return None[float64](), fieldError(key, doc[key])
	}
	return Some(f), nil
}

func fieldError(key string, v any) error {
	return fmt.Errorf("field %s: unexpected type %T", key, v)
}
