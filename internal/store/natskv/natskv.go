// Package natskv implements store.Store on a NATS JetStream key-value
// bucket. Every document lives under a dotted key derived from its path
// (events/e1/messages/m1 -> events.e1.messages.m1), and subscriptions are
// KV watches on the collection's key prefix.
package natskv

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/store"
)

// maxCASAttempts bounds optimistic read-merge-write loops.
const maxCASAttempts = 5

var errWatchClosed = errors.New("watch closed by server")

// Config holds configuration for the store.
type Config struct {
	NatsURL string
	Bucket  string
	Codec   store.Codec
	// Replicas of the KV stream; 0 means 1.
	Replicas int
}

type Store struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	kv    jetstream.KeyValue
	codec store.Codec
	now   func() time.Time
	newID func() string
}

// Open connects to NATS and creates the bucket if it does not exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	nc, err := nats.Connect(cfg.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "litfinder documents",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	codec := cfg.Codec
	if codec == nil {
		codec = store.ProtoCodec{}
	}
	return &Store{
		nc:    nc,
		js:    js,
		kv:    kv,
		codec: codec,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Close closes the NATS connection. Open watches end with it.
func (s *Store) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// keyFor maps a document path to its KV key.
func keyFor(collection, id string) (string, error) {
	if !store.ValidCollection(collection) {
		return "", apperr.Validation("key", "invalid collection "+collection)
	}
	if !validToken(id) {
		return "", apperr.Validation("key", "invalid document id "+id)
	}
	return strings.ReplaceAll(collection, "/", ".") + "." + id, nil
}

// watchPattern matches the direct children of collection only.
func watchPattern(collection string) string {
	return strings.ReplaceAll(collection, "/", ".") + ".*"
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

// idFromKey returns the last token of a key.
func idFromKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	key, err := keyFor(collection, id)
	if err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, apperr.NotFound("get", collection+"/"+id+" not found")
	}
	if err != nil {
		return nil, apperr.Transport("get "+collection, err)
	}
	doc, err := s.codec.Unmarshal(entry.Value())
	if err != nil {
		return nil, apperr.Transport("get "+collection, err)
	}
	return doc, nil
}

func (s *Store) Create(ctx context.Context, collection string, fields store.Document) (string, error) {
	id := s.newID()
	key, err := keyFor(collection, id)
	if err != nil {
		return "", err
	}
	data, err := s.codec.Marshal(fields.Resolve(s.now()))
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "create "+collection, "document cannot be encoded", err)
	}
	if _, err := s.kv.Create(ctx, key, data); err != nil {
		return "", apperr.Transport("create "+collection, err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields store.Document) error {
	return s.merge(ctx, collection, id, fields, false)
}

func (s *Store) UpsertMerge(ctx context.Context, collection, id string, fields store.Document) error {
	return s.merge(ctx, collection, id, fields, true)
}

// merge is a compare-and-swap loop on the key's revision so concurrent
// writers never overwrite each other's fields.
func (s *Store) merge(ctx context.Context, collection, id string, fields store.Document, upsert bool) error {
	key, err := keyFor(collection, id)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			if !upsert {
				return apperr.NotFound("update", collection+"/"+id+" not found")
			}
			data, err := s.codec.Marshal(fields.Resolve(s.now()))
			if err != nil {
				return apperr.Wrap(apperr.KindValidation, "upsert "+collection, "document cannot be encoded", err)
			}
			if _, err := s.kv.Create(ctx, key, data); err != nil {
				lastErr = err
				continue
			}
			return nil
		case err != nil:
			return apperr.Transport("get "+collection, err)
		}

		existing, err := s.codec.Unmarshal(entry.Value())
		if err != nil {
			return apperr.Transport("decode "+collection, err)
		}
		data, err := s.codec.Marshal(existing.Merge(fields.Resolve(s.now())))
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "update "+collection, "document cannot be encoded", err)
		}
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			lastErr = err
			slog.Debug("kv revision conflict, retrying", "key", key, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return apperr.Transport("merge "+collection, lastErr)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	key, err := keyFor(collection, id)
	if err != nil {
		return err
	}
	if _, err := s.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return apperr.Transport("get "+collection, err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return apperr.Transport("delete "+collection, err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, order store.Order, onBatch store.BatchFunc, onErr store.ErrorFunc) (*store.Subscription, error) {
	if !store.ValidCollection(collection) {
		return nil, apperr.Validation("subscribe", "invalid collection "+collection)
	}
	ctx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(ctx, watchPattern(collection))
	if err != nil {
		cancel()
		return nil, apperr.Transport("watch "+collection, err)
	}

	wt := &watch{
		collection: collection,
		order:      order,
		codec:      s.codec,
		onBatch:    onBatch,
		onErr:      onErr,
		known:      make(map[string]struct{}),
	}
	go wt.run(ctx, w.Updates())

	return store.NewSubscription(func() error {
		cancel()
		return w.Stop()
	}), nil
}

// watch turns KV entries into change batches for one subscription.
type watch struct {
	collection string
	order      store.Order
	codec      store.Codec
	onBatch    store.BatchFunc
	onErr      store.ErrorFunc
	known      map[string]struct{}
}

func (w *watch) run(ctx context.Context, updates <-chan jetstream.KeyValueEntry) {
	var initial []store.Change
	live := false

	for {
		var entry jetstream.KeyValueEntry
		var ok bool
		select {
		case <-ctx.Done():
			return
		case entry, ok = <-updates:
		}
		if !ok {
			w.fail(ctx)
			return
		}

		// A nil entry marks the end of the initial values.
		if entry == nil {
			if !live {
				live = true
				w.sortInitial(initial)
				w.onBatch(initial)
				initial = nil
			}
			continue
		}

		change, ok := w.toChange(entry)
		if !live {
			if ok && change.Type != store.Removed {
				initial = append(initial, change)
			}
			continue
		}

		var batch []store.Change
		if ok {
			batch = append(batch, change)
		}
		closed := false
	drain:
		for {
			select {
			case more, open := <-updates:
				if !open {
					closed = true
					break drain
				}
				if more == nil {
					continue
				}
				if c, ok := w.toChange(more); ok {
					batch = append(batch, c)
				}
			default:
				break drain
			}
		}
		if len(batch) > 0 && ctx.Err() == nil {
			w.onBatch(batch)
		}
		if closed {
			w.fail(ctx)
			return
		}
	}
}

func (w *watch) fail(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	slog.Warn("kv watch ended unexpectedly", "collection", w.collection)
	if w.onErr != nil {
		w.onErr(apperr.Transport("watch "+w.collection, errWatchClosed))
	}
}

func (w *watch) toChange(entry jetstream.KeyValueEntry) (store.Change, bool) {
	id := idFromKey(entry.Key())
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(w.known, id)
		return store.Change{Type: store.Removed, ID: id}, true
	}

	doc, err := w.codec.Unmarshal(entry.Value())
	if err != nil {
		slog.Warn("skipping undecodable kv entry", "key", entry.Key(), "error", err)
		return store.Change{}, false
	}
	typ := store.Added
	if _, seen := w.known[id]; seen {
		typ = store.Modified
	}
	w.known[id] = struct{}{}
	return store.Change{Type: typ, ID: id, Data: doc}, true
}

func (w *watch) sortInitial(changes []store.Change) {
	if w.order.Field == "" {
		return
	}
	slices.SortStableFunc(changes, func(a, b store.Change) int {
		ta, _ := a.Data.Time(w.order.Field)
		tb, _ := b.Data.Time(w.order.Field)
		c := ta.Compare(tb)
		if w.order.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
