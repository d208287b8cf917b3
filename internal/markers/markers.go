// Package markers projects entities onto map pins.
package markers

import (
	"log/slog"
	"strings"
	"sync"

	"eddisonso.com/litfinder/internal/geo"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/model"
)

// Pin kinds.
const (
	KindEvent = "event"
	KindUser  = "user"
)

// Marker describes a pin to place. Label and Popup are already
// HTML-escaped.
type Marker struct {
	Kind  string    `json:"kind"`
	ID    string    `json:"id"`
	Point geo.Point `json:"point"`
	Label string    `json:"label"`
	Popup string    `json:"popup,omitempty"`
}

// Pin is a placed marker.
type Pin interface {
	Move(p geo.Point)
	Remove()
}

// Layer is the map surface pins are placed on.
type Layer interface {
	Place(m Marker) Pin
}

// Batcher is implemented by layers that can apply a run of pin changes as
// a single update. Pins placed, moved or removed while fn runs are
// delivered together when it returns.
type Batcher interface {
	Batch(fn func())
}

// Batch runs fn inside a layer batch when the layer supports one.
func Batch(layer Layer, fn func()) {
	if b, ok := layer.(Batcher); ok {
		b.Batch(fn)
		return
	}
	fn()
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"/", "&#x2F;",
	"`", "&#x60;",
	"=", "&#x3D;",
)

// Escape escapes text for use inside marker HTML.
func Escape(s string) string {
	return htmlEscaper.Replace(s)
}

// EventPopup renders the popup body of an event pin.
func EventPopup(ev model.Event) string {
	return Escape(ev.Name) + "<br>" + Escape(ev.LocationLabel)
}

// Reconciler keeps one pin per visible event. Every call rebuilds the
// whole set: pins from an earlier call never survive.
type Reconciler struct {
	mu    sync.Mutex
	layer Layer
	pins  map[string]Pin
}

func NewReconciler(layer Layer) *Reconciler {
	return &Reconciler{layer: layer, pins: make(map[string]Pin)}
}

// Reconcile replaces every pin with one per event that has coordinates.
// The removals and placements of one call form a single layer batch. It
// returns the number of pins placed.
func (r *Reconciler) Reconcile(events []model.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	Batch(r.layer, func() {
		r.clearLocked()
		for _, ev := range events {
			p, ok := ev.Point()
			if !ok {
				continue
			}
			if _, dup := r.pins[ev.ID]; dup {
				slog.Debug("duplicate event id in reconcile input", "event_id", ev.ID)
				continue
			}
			r.pins[ev.ID] = r.layer.Place(Marker{
				Kind:  KindEvent,
				ID:    ev.ID,
				Point: p,
				Label: Escape(ev.Name),
				Popup: EventPopup(ev),
			})
		}
	})
	metrics.MarkersPlaced.WithLabelValues(KindEvent).Add(float64(len(r.pins)))
	return len(r.pins)
}

// Clear removes every pin.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	Batch(r.layer, r.clearLocked)
}

func (r *Reconciler) clearLocked() {
	for id, pin := range r.pins {
		pin.Remove()
		delete(r.pins, id)
	}
}

// Len returns the number of pins currently placed.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pins)
}

// Has reports whether an event currently has a pin.
func (r *Reconciler) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pins[id]
	return ok
}
