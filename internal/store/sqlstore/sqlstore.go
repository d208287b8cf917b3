// Package sqlstore implements store.Store on a single SQL table of JSON
// documents. It runs on Postgres (lib/pq) or SQLite (modernc.org/sqlite).
// Change notifications are fanned out in-process, so every writer must go
// through the same Store instance.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/store"
)

// Driver names accepted by Open.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

type Store struct {
	db     *sql.DB
	driver string
	codec  store.JSONCodec
	hub    *store.Hub
	now    func() time.Time
	newID  func() string

	// mu serializes writes with subscription snapshots so that an initial
	// batch and the changes that follow it never overlap or leave a gap.
	mu sync.Mutex
}

// Open connects to the database. For SQLite the pool is pinned to one
// connection so that ":memory:" databases are shared.
func Open(driver, dsn string) (*Store, error) {
	if driver != Postgres && driver != SQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == SQLite {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &Store{
		db:     conn,
		driver: driver,
		hub:    store.NewHub(),
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_ns BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		)`)
	if err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_documents_collection_created
			ON documents (collection, created_ns)`)
	if err != nil {
		return fmt.Errorf("create documents index: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Subscribe(ctx context.Context, collection string, order store.Order, onBatch store.BatchFunc, onErr store.ErrorFunc) (*store.Subscription, error) {
	if !store.ValidCollection(collection) {
		return nil, apperr.Validation("subscribe", "invalid collection "+collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, data FROM documents
		WHERE collection = ?
		ORDER BY created_ns `+dir+`, id`), collection)
	if err != nil {
		return nil, apperr.Transport("subscribe "+collection, err)
	}
	defer rows.Close()

	initial := []store.Change{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, apperr.Transport("subscribe "+collection, err)
		}
		doc, err := s.codec.Unmarshal([]byte(data))
		if err != nil {
			return nil, apperr.Transport("subscribe "+collection, err)
		}
		initial = append(initial, store.Change{Type: store.Added, ID: id, Data: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transport("subscribe "+collection, err)
	}

	return s.hub.Register(ctx, collection, initial, onBatch), nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	doc, err := s.get(ctx, s.db, collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound("get", collection+"/"+id+" not found")
	}
	return doc, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, collection, id string) (store.Document, error) {
	var data string
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT data FROM documents WHERE collection = ? AND id = ?`), collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transport("get "+collection, err)
	}
	doc, err := s.codec.Unmarshal([]byte(data))
	if err != nil {
		return nil, apperr.Transport("get "+collection, err)
	}
	return doc, nil
}

func (s *Store) Create(ctx context.Context, collection string, fields store.Document) (string, error) {
	if !store.ValidCollection(collection) {
		return "", apperr.Validation("create", "invalid collection "+collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	now := s.now()
	doc := fields.Resolve(now)
	if err := s.insert(ctx, s.db, collection, id, doc, now); err != nil {
		return "", err
	}
	s.hub.Publish(collection, []store.Change{{Type: store.Added, ID: id, Data: doc}})
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, e execer, collection, id string, doc store.Document, now time.Time) error {
	data, err := s.codec.Marshal(doc)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "write "+collection, "document cannot be encoded", err)
	}
	_, err = e.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (collection, id, data, created_ns) VALUES (?, ?, ?, ?)`),
		collection, id, string(data), now.UnixNano())
	if err != nil {
		return apperr.Transport("insert "+collection, err)
	}
	return nil
}

func (s *Store) replace(ctx context.Context, e execer, collection, id string, doc store.Document) error {
	data, err := s.codec.Marshal(doc)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "write "+collection, "document cannot be encoded", err)
	}
	_, err = e.ExecContext(ctx, s.rebind(`
		UPDATE documents SET data = ? WHERE collection = ? AND id = ?`),
		string(data), collection, id)
	if err != nil {
		return apperr.Transport("update "+collection, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields store.Document) error {
	return s.merge(ctx, collection, id, fields, false)
}

func (s *Store) UpsertMerge(ctx context.Context, collection, id string, fields store.Document) error {
	if !store.ValidCollection(collection) {
		return apperr.Validation("upsert", "invalid collection "+collection)
	}
	return s.merge(ctx, collection, id, fields, true)
}

func (s *Store) merge(ctx context.Context, collection, id string, fields store.Document, upsert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transport("begin", err)
	}
	defer tx.Rollback()

	existing, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return err
	}

	now := s.now()
	var change store.Change
	switch {
	case existing != nil:
		doc := existing.Merge(fields.Resolve(now))
		if err := s.replace(ctx, tx, collection, id, doc); err != nil {
			return err
		}
		change = store.Change{Type: store.Modified, ID: id, Data: doc}
	case upsert:
		doc := fields.Resolve(now)
		if err := s.insert(ctx, tx, collection, id, doc, now); err != nil {
			return err
		}
		change = store.Change{Type: store.Added, ID: id, Data: doc}
	default:
		return apperr.NotFound("update", collection+"/"+id+" not found")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transport("commit", err)
	}
	s.hub.Publish(collection, []store.Change{change})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM documents WHERE collection = ? AND id = ?`), collection, id)
	if err != nil {
		return apperr.Transport("delete "+collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	s.hub.Publish(collection, []store.Change{{Type: store.Removed, ID: id}})
	return nil
}
