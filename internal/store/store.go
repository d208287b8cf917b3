// Package store defines the data/transport boundary of the live engine:
// document collections that can be read, written and watched as a stream
// of change batches.
package store

import (
	"context"
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// Collection names of the remote schema.
const (
	Users      = "users"
	Locations  = "locations"
	Events     = "events"
	Promotions = "promotions"
	Reports    = "reports"
)

// MessagesOf returns the chat collection path of an event.
func MessagesOf(eventID string) string {
	return Events + "/" + eventID + "/messages"
}

// AttendeesOf returns the attendance collection path of an event.
func AttendeesOf(eventID string) string {
	return Events + "/" + eventID + "/attendees"
}

// ChangeType tags a change notification.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is a single notification in a batch. Data is nil for Removed.
type Change struct {
	Type ChangeType
	ID   string
	Data Document
}

// Order describes the order a subscriber wants the initial snapshot in.
type Order struct {
	Field string
	Desc  bool
}

// ByCreatedDesc is the default ordering of the events feed.
var ByCreatedDesc = Order{Field: "createdAt", Desc: true}

// ByCreatedAsc orders chat transcripts.
var ByCreatedAsc = Order{Field: "createdAt"}

// BatchFunc receives one change batch. Batches for a subscription are
// delivered sequentially, in order.
type BatchFunc func(batch []Change)

// ErrorFunc receives a terminal subscription error.
type ErrorFunc func(err error)

// Store is the remote data collaborator.
type Store interface {
	// Subscribe delivers the current content as a batch of Added changes,
	// then every later change. The subscription ends when it is closed or
	// ctx is done.
	Subscribe(ctx context.Context, collection string, order Order, onBatch BatchFunc, onErr ErrorFunc) (*Subscription, error)
	// Get returns a point-in-time snapshot or an apperr NotFound error.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create adds a document and returns its store-assigned id.
	Create(ctx context.Context, collection string, fields Document) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Document) error
	// Delete removes a document. Deleting a missing id is not an error.
	Delete(ctx context.Context, collection, id string) error
	// UpsertMerge merges fields into a document, creating it if needed.
	UpsertMerge(ctx context.Context, collection, id string, fields Document) error
}

type serverTimestamp struct{}

// ServerTimestamp is a field value replaced by the store's clock on write.
var ServerTimestamp any = serverTimestamp{}

// Document is the field set of a stored entity. Values are JSON-like:
// string, float64, bool, nil, nested maps and slices.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a copy of d with fields laid over it.
func (d Document) Merge(fields Document) Document {
	out := make(Document, len(d)+len(fields))
	maps.Copy(out, d)
	maps.Copy(out, fields)
	return out
}

// Resolve replaces ServerTimestamp sentinels with now.
func (d Document) Resolve(now time.Time) Document {
	out := d.Clone()
	for k, v := range out {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = FormatTime(now)
		}
	}
	return out
}

// String returns a string field. A missing or non-string field reports false.
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Float returns a numeric field. Null and missing fields report false;
// zero is a valid value.
func (d Document) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean field.
func (d Document) Bool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// Time returns a timestamp field written by FormatTime or ServerTimestamp.
func (d Document) Time(key string) (time.Time, bool) {
	switch v := d[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// FormatTime renders a timestamp the way stores persist it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ValidCollection reports whether a collection path has an odd number of
// non-empty segments (collection, or collection/doc/subcollection).
func ValidCollection(path string) bool {
	parts := strings.Split(path, "/")
	if len(parts)%2 == 0 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
