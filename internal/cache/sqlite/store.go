package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/sqlite/migrations"
	"offlinegate/internal/storage/sqlitemigrate"

	_ "modernc.org/sqlite"
)

// Storage is a cache.Storage persisted in a single SQLite file.
type Storage struct {
	sqlDB      *sql.DB
	now        func() time.Time
	maxEntries int
}

type Option func(*Storage)

// WithMaxEntries caps every store as an LRU, matching the in-memory
// backend. n <= 0 keeps every entry until the store is cleared.
func WithMaxEntries(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// Open opens and migrates a cache storage database.
func Open(ctx context.Context, path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s := &Storage{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying SQLite connection.
func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("store name is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &Store{storage: s, name: name}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has store %s: %w", name, err)
	}
	return true, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return names, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete store %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store_name = ?`, name); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete store %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return n > 0, nil
}

// nextAccessSQL yields a per-store logical clock for LRU ordering. It takes
// the store name as its only parameter.
const nextAccessSQL = `SELECT COALESCE(MAX(accessed_at), 0) + 1 FROM cache_entries WHERE store_name = ?`

// Store is a handle on one named generation. Writes through a handle whose
// store has been deleted fail with cache.ErrStoreNotFound.
type Store struct {
	storage *Storage
	name    string
}

func (st *Store) Match(ctx context.Context, url string) (*cache.CachedResponse, bool, error) {
	row := st.storage.sqlDB.QueryRowContext(ctx,
		`SELECT status_code, header_json, body FROM cache_entries WHERE store_name = ? AND url = ?`,
		st.name, url,
	)

	var (
		status     int
		headerJSON []byte
		body       []byte
	)
	if err := row.Scan(&status, &headerJSON, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("match %s: %w", url, err)
	}

	header := make(http.Header)
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &header); err != nil {
			return nil, false, fmt.Errorf("decode header for %s: %w", url, err)
		}
	}
	if body == nil {
		body = []byte{}
	}
	if st.storage.maxEntries > 0 {
		if _, err := st.storage.sqlDB.ExecContext(ctx,
			`UPDATE cache_entries SET accessed_at = (`+nextAccessSQL+`)
			 WHERE store_name = ? AND url = ?`,
			st.name, st.name, url,
		); err != nil {
			return nil, false, fmt.Errorf("touch %s: %w", url, err)
		}
	}
	return &cache.CachedResponse{StatusCode: status, Header: header, Body: body}, true, nil
}

func (st *Store) Put(ctx context.Context, url string, resp *cache.CachedResponse) error {
	if resp == nil {
		return errors.New("cache response is required")
	}
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header for %s: %w", url, err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	// The EXISTS guard keeps writes through stale handles from resurrecting a
	// deleted generation.
	res, err := st.storage.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (store_name, url, status_code, header_json, body, stored_at, accessed_at)
		 SELECT ?, ?, ?, ?, ?, ?, (`+nextAccessSQL+`)
		 WHERE EXISTS (SELECT 1 FROM cache_stores WHERE name = ?)
		 ON CONFLICT(store_name, url) DO UPDATE SET
		    status_code = excluded.status_code,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at,
		    accessed_at = excluded.accessed_at`,
		st.name, url, resp.StatusCode, headerJSON, body, st.storage.now().UTC().UnixMilli(),
		st.name,
		st.name,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put %s: %w", url, err)
	}
	if n == 0 {
		return fmt.Errorf("put %s into %s: %w", url, st.name, cache.ErrStoreNotFound)
	}

	if st.storage.maxEntries > 0 {
		if _, err := st.storage.sqlDB.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE store_name = ? AND url IN (
			    SELECT url FROM cache_entries WHERE store_name = ?
			    ORDER BY accessed_at DESC LIMIT -1 OFFSET ?)`,
			st.name, st.name, st.storage.maxEntries,
		); err != nil {
			return fmt.Errorf("evict from %s: %w", st.name, err)
		}
	}
	return nil
}

func (st *Store) Delete(ctx context.Context, url string) (bool, error) {
	res, err := st.storage.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store_name = ? AND url = ?`, st.name, url)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", url, err)
	}
	return n > 0, nil
}

func (st *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.storage.sqlDB.QueryContext(ctx,
		`SELECT url FROM cache_entries WHERE store_name = ? ORDER BY url`, st.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", st.name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys of %s: %w", st.name, err)
	}
	return keys, nil
}

var (
	_ cache.Storage = (*Storage)(nil)
	_ cache.Store   = (*Store)(nil)
)
