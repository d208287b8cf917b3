package filter

import (
	"math"
	"testing"
	"time"

	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/model"
)

var none = model.None[geo.Point]()

func scenario() []model.Event {
	return []model.Event{
		{ID: "e1", Name: "Rooftop", Lat: model.Some(37.77), Lng: model.Some(-122.41)},
		{ID: "e2", Name: "Beach Bonfire", Lat: model.Some(37.80), Lng: model.Some(-122.27), Promoted: true, Time: model.Some("2099-01-01T00:00:00Z")},
	}
}

func ids(events []model.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func expectIDs(t *testing.T, got []model.Event, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

func TestVisible_Scenario(t *testing.T) {
	events := scenario()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	expectIDs(t, Visible(events, None(), "", none), "e1", "e2")
	expectIDs(t, Visible(events, PromotedOnly(), "", none), "e2")
	expectIDs(t, Visible(events, UpcomingOnly(now), "", none), "e2")
	expectIDs(t, Visible(events, NearbyOf(geo.Point{Lat: 37.77, Lng: -122.41}, 5), "", none), "e1")
}

func TestVisible_SearchTerm(t *testing.T) {
	events := scenario()
	events[0].LocationLabel = "Mission District"

	expectIDs(t, Visible(events, None(), "  BEACH ", none), "e2")
	expectIDs(t, Visible(events, None(), "mission", none), "e1")
	expectIDs(t, Visible(events, None(), "   ", none), "e1", "e2")
	// Search still applies alongside a nearby filter.
	expectIDs(t, Visible(events, NearbyOf(geo.Point{Lat: 37.77, Lng: -122.41}, 50), "bonfire", none), "e2")
}

func TestVisible_MineRequiresViewer(t *testing.T) {
	events := scenario()
	events[1].Owner = "u1"

	expectIDs(t, Visible(events, MineOnly("u1"), "", none), "e2")
	expectIDs(t, Visible(events, MineOnly(""), "", none))
}

func TestVisible_UpcomingRejectsMissingAndUnparsableTime(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	events := []model.Event{
		{ID: "none"},
		{ID: "junk", Time: model.Some("soon")},
		{ID: "past", Time: model.Some("2020-01-01T00:00:00Z")},
		{ID: "exact", Time: model.Some("2026-10-01T00:00:00Z")},
	}
	expectIDs(t, Visible(events, UpcomingOnly(now), "", none), "exact")
}

func TestVisible_NearbyBoundaryIsInclusive(t *testing.T) {
	origin := geo.Point{Lat: 10, Lng: 20}
	ev := model.Event{ID: "b", Lat: model.Some(10.03), Lng: model.Some(20.01)}
	d := origin.DistanceKm(geo.Point{Lat: 10.03, Lng: 20.01})

	expectIDs(t, Visible([]model.Event{ev}, NearbyOf(origin, d), "", none), "b")
	expectIDs(t, Visible([]model.Event{ev}, NearbyOf(origin, math.Nextafter(d, 0)), "", none))
}

func TestVisible_ZeroCoordinatesAreValid(t *testing.T) {
	events := []model.Event{
		{ID: "null-island", Lat: model.Some(0.0), Lng: model.Some(0.0)},
		{ID: "nowhere"},
	}
	expectIDs(t, Visible(events, NearbyOf(geo.Point{Lat: 0, Lng: 0}, 1), "", none), "null-island")
	expectIDs(t, Visible(events, NearbyOf(geo.Point{Lat: 0.01, Lng: 0}, 5), "", none), "null-island")
}

func TestVisible_NearbyUsesLiveOrigin(t *testing.T) {
	events := scenario()
	spec := Spec{Nearby: true, RadiusKm: 5}

	expectIDs(t, Visible(events, spec, "", none))
	live := model.Some(geo.Point{Lat: 37.80, Lng: -122.27})
	expectIDs(t, Visible(events, spec, "", live), "e2")
}

func TestVisible_DefaultRadius(t *testing.T) {
	origin := geo.Point{Lat: 0, Lng: 0}
	events := []model.Event{
		{ID: "near", Lat: model.Some(0.0), Lng: model.Some(0.04)},
		{ID: "far", Lat: model.Some(0.0), Lng: model.Some(0.05)},
	}
	// 0.04 degrees of longitude at the equator is about 4.4 km.
	expectIDs(t, Visible(events, NearbyOf(origin, 0), "", none), "near")
}

func TestVisible_CombinedPredicates(t *testing.T) {
	events := scenario()
	events[0].Promoted = true
	spec := PromotedOnly()
	spec.Nearby = true
	spec.Origin = model.Some(geo.Point{Lat: 37.77, Lng: -122.41})

	expectIDs(t, Visible(events, spec, "", none), "e1")
}

func TestVisible_PreservesInputOrder(t *testing.T) {
	events := scenario()
	events[0], events[1] = events[1], events[0]
	expectIDs(t, Visible(events, None(), "", none), "e2", "e1")
}
