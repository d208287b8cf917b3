// Package memstore is an in-process implementation of store.Store, used
// for local development and as the reference backend in tests.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/store"
)

type record struct {
	id      string
	data    store.Document
	created time.Time
}

// Store keeps every collection in memory.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*record
	hub         *store.Hub
	now         func() time.Time
	newID       func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*record),
		hub:         store.NewHub(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Subscribe(ctx context.Context, collection string, order store.Order, onBatch store.BatchFunc, onErr store.ErrorFunc) (*store.Subscription, error) {
	if !store.ValidCollection(collection) {
		return nil, apperr.Validation("subscribe", "invalid collection "+collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*record, 0, len(s.collections[collection]))
	for _, r := range s.collections[collection] {
		recs = append(recs, r)
	}
	sortRecords(recs, order)

	initial := make([]store.Change, 0, len(recs))
	for _, r := range recs {
		initial = append(initial, store.Change{Type: store.Added, ID: r.id, Data: r.data.Clone()})
	}
	return s.hub.Register(ctx, collection, initial, onBatch), nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.collections[collection][id]
	if !ok {
		return nil, apperr.NotFound("get", collection+"/"+id+" not found")
	}
	return r.data.Clone(), nil
}

func (s *Store) Create(ctx context.Context, collection string, fields store.Document) (string, error) {
	if !store.ValidCollection(collection) {
		return "", apperr.Validation("create", "invalid collection "+collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	now := s.now()
	r := &record{id: id, data: fields.Resolve(now), created: now}
	s.put(collection, r)
	s.hub.Publish(collection, []store.Change{{Type: store.Added, ID: id, Data: r.data.Clone()}})
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.collections[collection][id]
	if !ok {
		return apperr.NotFound("update", collection+"/"+id+" not found")
	}
	r.data = r.data.Merge(fields.Resolve(s.now()))
	s.hub.Publish(collection, []store.Change{{Type: store.Modified, ID: id, Data: r.data.Clone()}})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return nil
	}
	delete(s.collections[collection], id)
	s.hub.Publish(collection, []store.Change{{Type: store.Removed, ID: id}})
	return nil
}

func (s *Store) UpsertMerge(ctx context.Context, collection, id string, fields store.Document) error {
	if !store.ValidCollection(collection) {
		return apperr.Validation("upsert", "invalid collection "+collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r, ok := s.collections[collection][id]; ok {
		r.data = r.data.Merge(fields.Resolve(now))
		s.hub.Publish(collection, []store.Change{{Type: store.Modified, ID: id, Data: r.data.Clone()}})
		return nil
	}
	r := &record{id: id, data: fields.Resolve(now), created: now}
	s.put(collection, r)
	s.hub.Publish(collection, []store.Change{{Type: store.Added, ID: id, Data: r.data.Clone()}})
	return nil
}

// Apply writes a batch of changes atomically and publishes them as a
// single batch. It lets tests and seeding tools drive multi-change
// batches that the single-document write methods cannot produce.
func (s *Store) Apply(collection string, batch []store.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]store.Change, 0, len(batch))
	for _, c := range batch {
		switch c.Type {
		case store.Removed:
			if _, ok := s.collections[collection][c.ID]; !ok {
				continue
			}
			delete(s.collections[collection], c.ID)
			out = append(out, store.Change{Type: store.Removed, ID: c.ID})
		default:
			typ, created := store.Added, now
			if prev, ok := s.collections[collection][c.ID]; ok {
				typ, created = store.Modified, prev.created
			}
			r := &record{id: c.ID, data: c.Data.Resolve(now), created: created}
			s.put(collection, r)
			out = append(out, store.Change{Type: typ, ID: c.ID, Data: r.data.Clone()})
		}
	}
	s.hub.Publish(collection, out)
}

func (s *Store) put(collection string, r *record) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]*record)
	}
	s.collections[collection][r.id] = r
}

func sortRecords(recs []*record, order store.Order) {
	slices.SortFunc(recs, func(a, b *record) int {
		c := compareField(a, b, order.Field)
		if order.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}

func compareField(a, b *record, field string) int {
	if field == "" {
		return a.created.Compare(b.created)
	}
	if ta, ok := a.data.Time(field); ok {
		if tb, ok := b.data.Time(field); ok {
			return ta.Compare(tb)
		}
	}
	return a.created.Compare(b.created)
}
