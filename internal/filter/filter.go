// Package filter derives the visible subset of the events mirror.
package filter

import (
	"strings"
	"time"

	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/model"
)

// DefaultRadiusKm applies when a nearby filter has no positive radius.
const DefaultRadiusKm = 5.0

// Spec is the active set of predicates. The UI exposes them one at a
// time, but any combination is valid.
type Spec struct {
	Promoted bool `json:"promoted"`

	Mine      bool   `json:"mine"`
	ViewerUID string `json:"viewerUid,omitempty"`

	Upcoming bool      `json:"upcoming"`
	Now      time.Time `json:"now,omitempty"`

	Nearby   bool                      `json:"nearby"`
	Origin   model.Optional[geo.Point] `json:"origin"`
	RadiusKm float64                   `json:"radiusKm,omitempty"`
}

// None shows everything.
func None() Spec { return Spec{} }

func PromotedOnly() Spec { return Spec{Promoted: true} }

// MineOnly shows events owned by viewerUID. An empty uid matches nothing.
func MineOnly(viewerUID string) Spec { return Spec{Mine: true, ViewerUID: viewerUID} }

// UpcomingOnly shows scheduled events at or after now.
func UpcomingOnly(now time.Time) Spec { return Spec{Upcoming: true, Now: now} }

// NearbyOf shows events within radiusKm of origin.
func NearbyOf(origin geo.Point, radiusKm float64) Spec {
	return Spec{Nearby: true, Origin: model.Some(origin), RadiusKm: radiusKm}
}

// Radius returns the effective nearby radius.
func (s Spec) Radius() float64 {
	if s.RadiusKm <= 0 {
		return DefaultRadiusKm
	}
	return s.RadiusKm
}

// Visible returns the events that pass every predicate, in input order.
// origin is the viewer's live position and is used by a nearby filter
// that carries no origin of its own.
func Visible(events []model.Event, spec Spec, term string, origin model.Optional[geo.Point]) []model.Event {
	term = strings.ToLower(strings.TrimSpace(term))
	if o, ok := spec.Origin.Get(); ok {
		origin = model.Some(o)
	}
	now := spec.Now
	if spec.Upcoming && now.IsZero() {
		now = time.Now()
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if matches(ev, spec, term, now, origin) {
			out = append(out, ev)
		}
	}
	return out
}

func matches(ev model.Event, spec Spec, term string, now time.Time, origin model.Optional[geo.Point]) bool {
	if term != "" {
		haystack := strings.ToLower(ev.Name + " " + ev.LocationLabel)
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	if spec.Promoted && !ev.Promoted {
		return false
	}
	if spec.Mine && (spec.ViewerUID == "" || ev.Owner != spec.ViewerUID) {
		return false
	}
	if spec.Upcoming {
		when, ok := ev.When()
		if !ok || when.Before(now) {
			return false
		}
	}
	if spec.Nearby {
		from, ok := origin.Get()
		if !ok {
			return false
		}
		p, ok := ev.Point()
		if !ok || !from.Within(p, spec.Radius()) {
			return false
		}
	}
	return true
}
