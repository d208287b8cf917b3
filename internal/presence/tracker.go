// Package presence mirrors user locations onto map pins and publishes the
// viewer's own position.
package presence

import (
	"log/slog"
	"sync"

	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/markers"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/model"
	"eddisonso.com/litfinder/internal/store"
)

// Tracker applies location changes to pins one by one. There is no filter
// over presence, so pins are patched rather than rebuilt.
type Tracker struct {
	layer markers.Layer

	mu        sync.Mutex
	pins      map[string]markers.Pin
	locations map[string]model.UserLocation
}

func NewTracker(layer markers.Layer) *Tracker {
	return &Tracker{
		layer:     layer,
		pins:      make(map[string]markers.Pin),
		locations: make(map[string]model.UserLocation),
	}
}

// Apply folds one batch of locations changes into the pins as one layer
// batch.
func (t *Tracker) Apply(batch []store.Change) {
	if len(batch) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	markers.Batch(t.layer, func() {
		for _, c := range batch {
			if c.Type == store.Removed {
				t.removeLocked(c.ID)
				continue
			}
			loc, err := model.DecodeUserLocation(c.ID, c.Data)
			if err != nil {
				slog.Warn("skipping undecodable location", "uid", c.ID, "error", err)
				continue
			}
			t.locations[c.ID] = loc

			p, ok := loc.Point()
			if !ok {
				// A record that lost its coordinates keeps no pin.
				t.removePinLocked(c.ID)
				continue
			}
			if pin, ok := t.pins[c.ID]; ok {
				pin.Move(p)
				continue
			}
			t.pins[c.ID] = t.layer.Place(markers.Marker{
				Kind:  markers.KindUser,
				ID:    c.ID,
				Point: p,
				Label: markers.Escape(loc.UID),
			})
			metrics.MarkersPlaced.WithLabelValues(markers.KindUser).Inc()
		}
	})
	metrics.MirrorBatches.WithLabelValues(store.Locations).Inc()
}

func (t *Tracker) removeLocked(uid string) {
	delete(t.locations, uid)
	t.removePinLocked(uid)
}

func (t *Tracker) removePinLocked(uid string) {
	if pin, ok := t.pins[uid]; ok {
		pin.Remove()
		delete(t.pins, uid)
	}
}

// Location returns the last known position of uid.
func (t *Tracker) Location(uid string) (geo.Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.locations[uid]
	if !ok {
		return geo.Point{}, false
	}
	return loc.Point()
}

// Len returns the number of user pins.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pins)
}

// Clear removes every pin and forgets all locations.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	markers.Batch(t.layer, func() {
		for uid := range t.pins {
			t.removePinLocked(uid)
		}
	})
	clear(t.locations)
}
