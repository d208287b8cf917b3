// Package mirror keeps an ordered local copy of a remote collection,
// driven by its change batches.
package mirror

import (
	"log/slog"
	"slices"
	"sync"

	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/store"
)

// DecodeFunc maps a document to an entity.
type DecodeFunc[T any] func(id string, doc store.Document) (T, error)

// CompareFunc orders entities the way slices.SortFunc does.
type CompareFunc[T any] func(a, b T) int

// Mirror is an ordered cache of one collection. It is safe for concurrent
// use; listeners run on the goroutine that called Apply, after the lock
// is released.
type Mirror[T any] struct {
	mu        sync.RWMutex
	name      string
	decode    DecodeFunc[T]
	compare   CompareFunc[T]
	byID      map[string]T
	order     []string
	listeners []func([]T)
}

// New creates an empty mirror. name labels logs and metrics and should
// not carry ids.
func New[T any](name string, decode DecodeFunc[T], compare CompareFunc[T]) *Mirror[T] {
	return &Mirror[T]{
		name:    name,
		decode:  decode,
		compare: compare,
		byID:    make(map[string]T),
	}
}

// OnChange registers fn to receive a snapshot after every non-empty batch.
func (m *Mirror[T]) OnChange(fn func(snapshot []T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Apply folds one batch into the mirror and notifies listeners once.
// A document that fails to decode is logged and leaves the mirror: an
// earlier version of it is not kept.
func (m *Mirror[T]) Apply(batch []store.Change) {
	if len(batch) == 0 {
		return
	}

	m.mu.Lock()
	for _, c := range batch {
		switch c.Type {
		case store.Removed:
			delete(m.byID, c.ID)
		case store.Added, store.Modified:
			v, err := m.decode(c.ID, c.Data)
			if err != nil {
				slog.Warn("dropping undecodable document", "collection", m.name, "id", c.ID, "error", err)
				delete(m.byID, c.ID)
				continue
			}
			m.byID[c.ID] = v
		default:
			slog.Warn("skipping unknown change type", "collection", m.name, "id", c.ID, "type", c.Type)
		}
	}
	m.reorder()
	metrics.MirrorBatches.WithLabelValues(m.name).Inc()
	snapshot := m.snapshotLocked()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (m *Mirror[T]) reorder() {
	m.order = m.order[:0]
	for id := range m.byID {
		m.order = append(m.order, id)
	}
	slices.SortFunc(m.order, func(a, b string) int {
		if c := m.compare(m.byID[a], m.byID[b]); c != 0 {
			return c
		}
		// Keeps the order total when compare ties.
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
}

// Snapshot returns a copy of the current content in order.
func (m *Mirror[T]) Snapshot() []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Mirror[T]) snapshotLocked() []T {
	out := make([]T, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

// Get returns the entity with the given id.
func (m *Mirror[T]) Get(id string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byID[id]
	return v, ok
}

func (m *Mirror[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
