// Package sqlite stores entries in a SQLite database, one table per namespace.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/leafsii/stash/pkg/kv"
)

const (
	defaultBusyTimeout = 5000 // milliseconds
	// deleteBatchSize stays under SQLite's default host parameter limit.
	deleteBatchSize = 500
)

// Store is a SQLite-backed implementation of the kv.Store interface.
//
// The pool is limited to a single connection, which serializes writers and
// makes the read-then-write in Set atomic.
type Store struct {
	db     *sql.DB
	path   string
	table  string
	now    kv.Clock
	ready  atomic.Bool
	logger kv.LogFunc

	janitorInterval time.Duration
	initMu          sync.Mutex
	janitor         *kv.Janitor
	closed          bool
}

var _ kv.Store = (*Store)(nil)

// New opens the database handle. The file and table are created by
// Initialize.
//
// Recognized options: busy_timeout (milliseconds), journal_mode.
func New(cfg kv.Config) (*Store, error) {
	busyTimeout, err := cfg.IntOption("busy_timeout", defaultBusyTimeout)
	if err != nil {
		return nil, err
	}

	path := cfg.Target
	var dsn string
	if path == kv.MemoryURI {
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", busyTimeout)
	} else {
		journal := cfg.Option("journal_mode", "WAL")
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)", path, journal, busyTimeout)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kv.ConfigError("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // an in-memory database lives as long as its connection

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = kv.DefaultNamespace
	}
	return &Store{
		db:              db,
		path:            path,
		table:           `"` + namespace + `"`,
		now:             cfg.Now,
		logger:          cfg.Logger,
		janitorInterval: cfg.JanitorInterval,
	}, nil
}

// isUnavailable reports errors that mean the database file cannot be used at all.
func isUnavailable(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	return false
}

// IsBusyError returns true if the error is a SQLITE_BUSY error.
func IsBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_BUSY
	}
	return false
}

func wrapError(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return kv.UnavailableError(op, kind, err)
	}
	return &kv.Error{Op: op, Kind: kind, Err: err}
}

// Initialize creates the parent directory, the namespace table and its expiry index.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.closed {
		return kv.InitError("initialize", errors.New("store is closed"))
	}

	if s.path != kv.MemoryURI {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return kv.InitError("initialize", fmt.Errorf("failed to create database directory: %w", err))
			}
		}
	}

	if err := s.db.PingContext(ctx); err != nil {
		return wrapError("initialize", kv.ErrBackendInit, fmt.Errorf("failed to connect to database: %w", err))
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS ` + s.indexName() + ` ON ` + s.table + ` (expires_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapError("initialize", kv.ErrBackendInit, fmt.Errorf("failed to initialize schema: %w", err))
		}
	}

	if s.janitor == nil && s.janitorInterval > 0 {
		s.janitor = kv.StartJanitor(s.janitorInterval, s.SweepExpired, s.logger)
	}
	s.ready.Store(true)
	return nil
}

func (s *Store) indexName() string {
	return `"` + strings.Trim(s.table, `"`) + `_expires_at"`
}

func (s *Store) checkReady(op string) error {
	if !s.ready.Load() {
		return kv.NotInitializedError(op)
	}
	return nil
}

func toNullInt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullInt(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := s.checkReady("get"); err != nil {
		return nil, false, err
	}

	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM `+s.table+` WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("get", kv.ErrBackendIO, err)
	}

	now := s.now()
	if (kv.Entry{ExpiresAt: fromNullInt(expiresAt)}).Expired(now) {
		// Opportunistic purge; the entry is already masked
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM `+s.table+` WHERE key = ? AND expires_at <= ?`, key, now.UnixNano())
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}

	now := s.now()
	var prev *kv.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var old string
		var oldExpiry sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM `+s.table+` WHERE key = ?`, key,
		).Scan(&old, &oldExpiry)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			entry := kv.Entry{Key: key, Value: json.RawMessage(old), ExpiresAt: fromNullInt(oldExpiry)}
			if !entry.Expired(now) {
				prev = &entry
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+s.table+` (key, value, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, string(value), toNullInt(kv.ExpiryFor(now, ttl)))
		return err
	})
	if err != nil {
		return nil, wrapError("set", kv.ErrBackendIO, err)
	}
	return prev, nil
}

// withTx executes fn within a transaction.
// If fn returns an error, the transaction is rolled back.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]kv.Entry, error) {
	if err := s.checkReady("list"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at FROM `+s.table+`
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY key`, s.now().UnixNano())
	if err != nil {
		return nil, wrapError("list", kv.ErrBackendIO, err)
	}
	defer rows.Close()

	entries := []kv.Entry{}
	for rows.Next() {
		var e kv.Entry
		var value string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&e.Key, &value, &expiresAt); err != nil {
			return nil, wrapError("list", kv.ErrBackendIO, err)
		}
		e.Value = json.RawMessage(value)
		e.ExpiresAt = fromNullInt(expiresAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list", kv.ErrBackendIO, err)
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkReady("remove"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key)
	return wrapError("remove", kv.ErrBackendIO, err)
}

// RemoveMany deletes keys with one statement per batch of keys.
func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.checkReady("remove many"); err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		batch := keys[start:min(start+deleteBatchSize, len(keys))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, k := range batch {
			args[i] = k
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM `+s.table+` WHERE key IN (`+placeholders+`)`, args...); err != nil {
			return wrapError("remove many", kv.ErrBackendIO, err)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkReady("clear"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table)
	return wrapError("clear", kv.ErrBackendIO, err)
}

// SweepExpired deletes every expired row and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	if err := s.checkReady("sweep"); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, wrapError("sweep", kv.ErrBackendIO, err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapError("ping", kv.ErrBackendIO, s.db.PingContext(ctx))
}

// Close stops the janitor and closes the database.
func (s *Store) Close() error {
	s.initMu.Lock()
	if s.closed {
		s.initMu.Unlock()
		return nil
	}
	s.closed = true
	janitor := s.janitor
	s.initMu.Unlock()

	janitor.Stop()
	s.ready.Store(false)
	return s.db.Close()
}
