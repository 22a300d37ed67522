package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leafsii/stash/pkg/kv"
)

// batchSize bounds the number of keys sent in one SCAN page or UNLINK.
const batchSize = 500

// Store is a Redis-backed implementation of the kv.Store interface. Every key
// is stored as "<namespace>:<key>"; expiry is delegated to Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    kv.Clock
	ready  atomic.Bool
}

var _ kv.Store = (*Store)(nil)

// IsConnectionError checks if an error is a connection-related error that should trigger failover
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Don't treat redis.Nil as a connection error (it means "key not found")
	if errors.Is(err, redis.Nil) {
		return false
	}

	// Context cancellation by caller should not trigger failover
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Check for various network/connection errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Check for syscall connection errors
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}

	if errors.Is(err, redis.ErrClosed) {
		return true
	}

	// Check error message for common connection issues
	errStr := err.Error()
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"timeout",
		"connection closed",
		"EOF",
	}

	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}

	return false
}

// wrapError classifies err for op, marking connection errors with
// kv.ErrBackendUnavailable so a FailoverStore can react to them.
func wrapError(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return kv.UnavailableError(op, kind, err)
	}
	return &kv.Error{Op: op, Kind: kind, Err: err}
}

// parseOptions accepts a redis:// URL or a bare host:port/db address.
func parseOptions(redisURL string) (*redis.Options, error) {
	opt, err := redis.ParseURL(redisURL)
	if err == nil {
		return opt, nil
	}

	// Fallback for simple address format
	u, parseErr := url.Parse("redis://" + redisURL)
	if parseErr != nil || u.Host == "" {
		return nil, err // Return original error
	}

	db := 0
	if u.Path != "" && u.Path != "/" {
		if dbNum, dbErr := strconv.Atoi(u.Path[1:]); dbErr == nil {
			db = dbNum
		}
	}

	opt = &redis.Options{
		Addr: u.Host,
		DB:   db,
	}
	if u.User != nil {
		if password, hasPassword := u.User.Password(); hasPassword {
			opt.Password = password
		}
	}
	return opt, nil
}

// New creates a Redis-backed store. No connection is made until Initialize.
//
// Recognized options: dial_timeout, read_timeout, write_timeout (durations).
func New(cfg kv.Config) (*Store, error) {
	target := cfg.Target
	if target == "" {
		target = cfg.URI
	}
	opt, err := parseOptions(target)
	if err != nil {
		return nil, kv.ConfigError("parse redis url", err)
	}

	if cfg.MaxConns > 0 {
		opt.PoolSize = cfg.MaxConns
	}
	if opt.DialTimeout, err = cfg.DurationOption("dial_timeout", opt.DialTimeout); err != nil {
		return nil, err
	}
	if opt.ReadTimeout, err = cfg.DurationOption("read_timeout", opt.ReadTimeout); err != nil {
		return nil, err
	}
	if opt.WriteTimeout, err = cfg.DurationOption("write_timeout", opt.WriteTimeout); err != nil {
		return nil, err
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = kv.DefaultNamespace
	}
	return &Store{
		client: redis.NewClient(opt),
		prefix: namespace + ":",
		now:    cfg.Now,
	}, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Initialize checks that Redis is reachable.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapError("initialize", kv.ErrBackendInit, err)
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

	result, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("get", kv.ErrBackendIO, err)
	}
	return json.RawMessage(result), true, nil
}

// entryFrom builds an entry from a GET and PTTL reply pair. ok is false when
// the key did not exist.
func (s *Store) entryFrom(key string, get *redis.StringCmd, pttl *redis.DurationCmd) (kv.Entry, bool, error) {
	value, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return kv.Entry{}, false, nil
	}
	if err != nil {
		return kv.Entry{}, false, err
	}

	entry := kv.Entry{Key: key, Value: json.RawMessage(value)}
	if ttl, err := pttl.Result(); err == nil && ttl > 0 {
		entry.ExpiresAt = kv.ExpiryFor(s.now(), ttl)
	}
	return entry, true, nil
}

// Set replaces the value in a MULTI/EXEC block that also reads the previous
// value and its remaining TTL. A zero ttl writes an entry that is expired on
// arrival, which redis represents as a deleted key.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}

	k := s.key(key)
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, k)
		pttl = pipe.PTTL(ctx, k)
		switch {
		case ttl < 0:
			// go-redis treats 0 as no expiry and negative values as KEEPTTL.
			pipe.Set(ctx, k, []byte(value), 0)
		case ttl == 0:
			pipe.Del(ctx, k)
		default:
			pipe.Set(ctx, k, []byte(value), ttl)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapError("set", kv.ErrBackendIO, err)
	}

	prev, ok, err := s.entryFrom(key, get, pttl)
	if err != nil {
		return nil, wrapError("set", kv.ErrBackendIO, err)
	}
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

// scanKeys returns the namespace's keys, prefixed, deduplicated and sorted.
func (s *Store) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", batchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	// SCAN may return a key more than once
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (s *Store) List(ctx context.Context) ([]kv.Entry, error) {
	if err := s.checkReady("list"); err != nil {
		return nil, err
	}

	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, wrapError("list", kv.ErrBackendIO, err)
	}

	entries := make([]kv.Entry, 0, len(keys))
	for chunk := range slices.Chunk(keys, batchSize) {
		gets := make([]*redis.StringCmd, len(chunk))
		pttls := make([]*redis.DurationCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range chunk {
				gets[i] = pipe.Get(ctx, k)
				pttls[i] = pipe.PTTL(ctx, k)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, wrapError("list", kv.ErrBackendIO, err)
		}

		for i, k := range chunk {
			// Keys that expired between SCAN and GET are skipped
			entry, ok, err := s.entryFrom(strings.TrimPrefix(k, s.prefix), gets[i], pttls[i])
			if err != nil {
				return nil, wrapError("list", kv.ErrBackendIO, err)
			}
			if ok {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkReady("remove"); err != nil {
		return err
	}
	return wrapError("remove", kv.ErrBackendIO, s.client.Del(ctx, s.key(key)).Err())
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.checkReady("remove many"); err != nil {
		return err
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	return wrapError("remove many", kv.ErrBackendIO, s.unlink(ctx, prefixed))
}

func (s *Store) unlink(ctx context.Context, keys []string) error {
	for chunk := range slices.Chunk(keys, batchSize) {
		if err := s.client.Unlink(ctx, chunk...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Clear unlinks every key under the namespace prefix.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkReady("clear"); err != nil {
		return err
	}

	keys, err := s.scanKeys(ctx)
	if err != nil {
		return wrapError("clear", kv.ErrBackendIO, err)
	}
	return wrapError("clear", kv.ErrBackendIO, s.unlink(ctx, keys))
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return wrapError("ping", kv.ErrBackendIO, s.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
