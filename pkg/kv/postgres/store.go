// Package postgres stores entries in PostgreSQL, one table per namespace with
// values kept as JSONB.
package postgres

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"github.com/leafsii/stash/pkg/kv"
)

// maxIdentifierLen is the longest identifier PostgreSQL keeps without
// truncation (NAMEDATALEN - 1).
const maxIdentifierLen = 63

// indexName names the expiry index of namespace. Names that would be
// truncated end in a hash of the full namespace instead.
func indexName(namespace string) string {
	name := namespace + "_expires_at_idx"
	if len(name) <= maxIdentifierLen {
		return name
	}
	sum := blake2b.Sum256([]byte(namespace))
	suffix := "_exp_" + hex.EncodeToString(sum[:8])
	return namespace[:maxIdentifierLen-len(suffix)] + suffix
}

// Store is a PostgreSQL-backed implementation of the kv.Store interface.
type Store struct {
	poolCfg   *pgxpool.Config
	namespace string
	table     string
	now       kv.Clock
	logger    kv.LogFunc
	ready     atomic.Bool

	janitorInterval time.Duration
	mu              sync.Mutex
	pool            *pgxpool.Pool
	janitor         *kv.Janitor
	closed          bool
}

var _ kv.Store = (*Store)(nil)

// New parses the DSN. The pool is created and the table prepared by Initialize.
func New(cfg kv.Config) (*Store, error) {
	dsn := cfg.Target
	if dsn == "" {
		dsn = cfg.URI
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, kv.ConfigError("parse postgres dsn", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = kv.DefaultNamespace
	}
	return &Store{
		poolCfg:         poolCfg,
		namespace:       namespace,
		table:           pgx.Identifier{namespace}.Sanitize(),
		now:             cfg.Now,
		logger:          cfg.Logger,
		janitorInterval: cfg.JanitorInterval,
	}, nil
}

// IsConnectionError reports failures to reach the server, as opposed to
// errors returned by it.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func wrapError(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return kv.UnavailableError(op, kind, err)
	}
	return &kv.Error{Op: op, Kind: kind, Err: err}
}

// Initialize connects, creates the namespace table if needed and starts the
// expiry janitor.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.InitError("initialize", errors.New("store is closed"))
	}

	if s.pool == nil {
		pool, err := pgxpool.NewWithConfig(ctx, s.poolCfg)
		if err != nil {
			return wrapError("initialize", kv.ErrBackendInit, fmt.Errorf("connect to postgres: %w", err))
		}
		s.pool = pool
	}

	if err := s.pool.Ping(ctx); err != nil {
		return wrapError("initialize", kv.ErrBackendInit, fmt.Errorf("ping postgres: %w", err))
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			expires_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at);
	`, s.table, pgx.Identifier{indexName(s.namespace)}.Sanitize())
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return wrapError("initialize", kv.ErrBackendInit, fmt.Errorf("create table: %w", err))
	}

	if s.janitor == nil && s.janitorInterval > 0 {
		s.janitor = kv.StartJanitor(s.janitorInterval, s.SweepExpired, s.logger)
	}
	s.ready.Store(true)
	return nil
}

func (s *Store) checkReady(op string) error {
	if !s.ready.Load() {
		return kv.NotInitializedError(op)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := s.checkReady("get"); err != nil {
		return nil, false, err
	}

	var value string
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT value::text, expires_at FROM `+s.table+` WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("get", kv.ErrBackendIO, err)
	}

	now := s.now()
	if (kv.Entry{ExpiresAt: expiresAt}).Expired(now) {
		// Opportunistic purge; the entry is already masked
		_, _ = s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1 AND expires_at <= $2`, key, now)
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// Set serializes writers of the same key with a transaction-scoped advisory
// lock, so the previous entry it reports is the one it replaced.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}

	now := s.now()
	var prev *kv.Entry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.namespace+":"+key); err != nil {
			return err
		}

		var old string
		var oldExpiry *time.Time
		err := tx.QueryRow(ctx,
			`SELECT value::text, expires_at FROM `+s.table+` WHERE key = $1`, key,
		).Scan(&old, &oldExpiry)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			entry := kv.Entry{Key: key, Value: json.RawMessage(old), ExpiresAt: oldExpiry}
			if !entry.Expired(now) {
				prev = &entry
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO `+s.table+` (key, value, expires_at, updated_at)
			VALUES ($1, $2::jsonb, $3, NOW())
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()
		`, key, string(value), kv.ExpiryFor(now, ttl))
		return err
	})
	if err != nil {
		return nil, wrapError("set", kv.ErrBackendIO, err)
	}
	return prev, nil
}

func (s *Store) List(ctx context.Context) ([]kv.Entry, error) {
	if err := s.checkReady("list"); err != nil {
		return nil, err
	}

	// COLLATE "C" orders keys bytewise, like the other backends
	rows, err := s.pool.Query(ctx, `
		SELECT key, value::text, expires_at FROM `+s.table+`
		WHERE expires_at IS NULL OR expires_at > $1
		ORDER BY key COLLATE "C"
	`, s.now())
	if err != nil {
		return nil, wrapError("list", kv.ErrBackendIO, err)
	}
	defer rows.Close()

	entries := []kv.Entry{}
	for rows.Next() {
		var e kv.Entry
		var value string
		if err := rows.Scan(&e.Key, &value, &e.ExpiresAt); err != nil {
			return nil, wrapError("list", kv.ErrBackendIO, err)
		}
		e.Value = json.RawMessage(value)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key)
	return wrapError("remove", kv.ErrBackendIO, err)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.checkReady("remove many"); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = ANY($1)`, keys)
	return wrapError("remove many", kv.ErrBackendIO, err)
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkReady("clear"); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table)
	return wrapError("clear", kv.ErrBackendIO, err)
}

// SweepExpired deletes every expired row and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	if err := s.checkReady("sweep"); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, wrapError("sweep", kv.ErrBackendIO, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkReady("ping"); err != nil {
		return err
	}
	return wrapError("ping", kv.ErrBackendIO, s.pool.Ping(ctx))
}

// Close stops the janitor and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	janitor, pool := s.janitor, s.pool
	s.mu.Unlock()

	s.ready.Store(false)
	janitor.Stop()
	if pool != nil {
		pool.Close()
	}
	return nil
}
