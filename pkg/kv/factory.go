package kv

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend represents the storage backend type
type Backend string

const (
	// BackendMemory keeps entries in process memory
	BackendMemory Backend = "memory"
	// BackendSQLite stores entries in a SQLite database file
	BackendSQLite Backend = "sqlite"
	// BackendPostgres stores entries in a PostgreSQL table
	BackendPostgres Backend = "postgres"
	// BackendRedis uses Redis as the backend
	BackendRedis Backend = "redis"
	// BackendFile stores one JSON document per key on disk
	BackendFile Backend = "file"
)

// MemoryURI is the reserved descriptor selecting a private, non-persistent
// in-process store.
const MemoryURI = ":memory:"

// Defaults materialized by Build when an option is left unset.
const (
	DefaultJanitorInterval     = 30 * time.Second
	DefaultProbeInterval       = 5 * time.Second
	DefaultStartupProbeTimeout = 1 * time.Second
	DefaultMaxConns            = 10
)

// LogFunc is a function type for structured logging
type LogFunc func(msg string, fields ...any)

// Config holds configuration for creating a Store instance
type Config struct {
	// URI is the connection descriptor. See ParseURI for the accepted shapes.
	URI string

	// Namespace partitions the physical backend. Default: DefaultNamespace
	Namespace string

	// JanitorInterval controls how often in-process backends sweep expired
	// entries. A negative value disables the sweep. Default: 30 seconds
	JanitorInterval time.Duration

	// MaxConns caps the connection pool of SQL and Redis backends. Default: 10
	MaxConns int

	// FailoverEnabled wraps a Redis backend with an in-memory fallback that
	// takes over while Redis is unreachable.
	FailoverEnabled bool

	// ProbeInterval controls how often to probe Redis for recovery after failover
	// Default: 5 seconds
	ProbeInterval time.Duration

	// StartupProbeTimeout controls how long to wait for Redis at startup
	// Default: 1 second
	StartupProbeTimeout time.Duration

	// Options carries backend-specific settings, e.g. "busy_timeout" for SQLite.
	Options map[string]string

	// Logger is used for lifecycle events. If nil, no logging occurs.
	Logger LogFunc

	// Clock overrides time.Now for backends that evaluate expiry in-process.
	Clock Clock

	// Backend and Target are resolved from URI by NewStoreFromConfig.
	Backend Backend
	Target  string
}

// Now returns the configured clock's time.
func (c Config) Now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Option returns a backend-specific option or def when unset.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption parses a backend-specific integer option.
func (c Config) IntOption(key string, def int) (int, error) {
	raw := c.Option(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ConfigError("option "+key, err)
	}
	return n, nil
}

// DurationOption parses a backend-specific duration option.
func (c Config) DurationOption(key string, def time.Duration) (time.Duration, error) {
	raw := c.Option(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ConfigError("option "+key, err)
	}
	return d, nil
}

// Log emits msg through the configured logger, if any.
func (c Config) Log(msg string, fields ...any) {
	if c.Logger != nil {
		c.Logger(msg, fields...)
	}
}

// StoreFactory defines a function that creates an uninitialized Store
type StoreFactory func(cfg Config) (Store, error)

var (
	factoriesMu sync.RWMutex
	// factories holds registered store factories
	factories = make(map[Backend]StoreFactory)
)

// RegisterBackend registers a store factory for a given backend
func RegisterBackend(backend Backend, factory StoreFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[backend] = factory
}

func lookupFactory(backend Backend) (StoreFactory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	factory, ok := factories[backend]
	if !ok {
		return nil, ConfigError("build", fmt.Errorf("%s backend not registered (import github.com/leafsii/stash/pkg/kv/%s)", backend, backend))
	}
	return factory, nil
}

// ParseURI selects a backend from the shape of a connection descriptor and
// returns the backend-specific remainder.
//
//	""  ":memory:"                   memory, private space
//	memory://name                    memory, shared named space
//	sqlite://path  path.db|.sqlite   sqlite
//	sqlite::memory:                  sqlite, private in-memory database
//	postgres://…  postgresql://…     postgres (whole URI is the DSN)
//	redis://…  rediss://…            redis (whole URI)
//	file://dir                       file
func ParseURI(uri string) (Backend, string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "" || uri == MemoryURI:
		return BackendMemory, "", nil
	case strings.HasPrefix(uri, "memory://"):
		return BackendMemory, strings.TrimPrefix(uri, "memory://"), nil
	case uri == "sqlite::memory:":
		return BackendSQLite, MemoryURI, nil
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		if path == "" {
			return "", "", ConfigError("parse uri", fmt.Errorf("sqlite uri %q has no path", uri))
		}
		return BackendSQLite, path, nil
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return BackendPostgres, uri, nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		return BackendRedis, uri, nil
	case strings.HasPrefix(uri, "file://"):
		dir := strings.TrimPrefix(uri, "file://")
		if dir == "" {
			return "", "", ConfigError("parse uri", fmt.Errorf("file uri %q has no directory", uri))
		}
		return BackendFile, dir, nil
	}

	switch strings.ToLower(filepath.Ext(uri)) {
	case ".db", ".sqlite", ".sqlite3":
		return BackendSQLite, uri, nil
	}
	return "", "", ConfigError("parse uri", fmt.Errorf("unsupported uri %q", uri))
}

// NewStoreFromConfig creates a new, uninitialized Store based on the provided configuration
func NewStoreFromConfig(cfg Config) (Store, error) {
	// Set defaults
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = DefaultStartupProbeTimeout
	}

	if err := ValidateNamespace(cfg.Namespace); err != nil {
		return nil, err
	}

	backend, target, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend
	cfg.Target = target

	if backend == BackendRedis && cfg.FailoverEnabled {
		return createRedisStoreWithFailover(cfg)
	}

	factory, err := lookupFactory(backend)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}

// createRedisStoreWithFailover pairs a Redis store with an in-memory fallback
// in the same namespace. Health is only probed once the store is initialized.
func createRedisStoreWithFailover(cfg Config) (Store, error) {
	redisFactory, err := lookupFactory(BackendRedis)
	if err != nil {
		return nil, err
	}
	memoryFactory, err := lookupFactory(BackendMemory)
	if err != nil {
		return nil, err
	}

	redisStore, err := redisFactory(cfg)
	if err != nil {
		return nil, err
	}

	memCfg := cfg
	memCfg.Backend = BackendMemory
	memCfg.Target = ""
	memoryStore, err := memoryFactory(memCfg)
	if err != nil {
		redisStore.Close()
		return nil, fmt.Errorf("failed to create memory store for failover: %w", err)
	}

	return NewFailoverStore(redisStore, memoryStore, FailoverOptions{
		ProbeInterval:       cfg.ProbeInterval,
		StartupProbeTimeout: cfg.StartupProbeTimeout,
		Logger:              cfg.Logger,
	}), nil
}

// Builder accumulates options and produces a Store. Every setter mutates and
// returns the same Builder; the last call for an option wins.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for the private in-memory backend in the
// default namespace.
func NewBuilder() *Builder {
	return &Builder{cfg: Config{URI: MemoryURI, Namespace: DefaultNamespace}}
}

// URI sets the connection descriptor.
func (b *Builder) URI(uri string) *Builder {
	b.cfg.URI = uri
	return b
}

// Namespace sets the logical partition name.
func (b *Builder) Namespace(ns string) *Builder {
	b.cfg.Namespace = ns
	return b
}

// TableName is an alias for Namespace, named for SQL backends.
func (b *Builder) TableName(name string) *Builder {
	return b.Namespace(name)
}

// JanitorInterval sets the background sweep interval of in-process backends.
func (b *Builder) JanitorInterval(d time.Duration) *Builder {
	b.cfg.JanitorInterval = d
	return b
}

// MaxConns caps the backend connection pool.
func (b *Builder) MaxConns(n int) *Builder {
	b.cfg.MaxConns = n
	return b
}

// Failover enables the in-memory fallback for Redis.
func (b *Builder) Failover(enabled bool) *Builder {
	b.cfg.FailoverEnabled = enabled
	return b
}

// ProbeInterval sets how often a failed-over primary is probed.
func (b *Builder) ProbeInterval(d time.Duration) *Builder {
	b.cfg.ProbeInterval = d
	return b
}

// StartupProbeTimeout bounds the initial health check of a failover primary.
func (b *Builder) StartupProbeTimeout(d time.Duration) *Builder {
	b.cfg.StartupProbeTimeout = d
	return b
}

// Logger sets the lifecycle logger.
func (b *Builder) Logger(fn LogFunc) *Builder {
	b.cfg.Logger = fn
	return b
}

// Clock overrides the time source used for expiry.
func (b *Builder) Clock(c Clock) *Builder {
	b.cfg.Clock = c
	return b
}

// Option sets a backend-specific option.
func (b *Builder) Option(key, value string) *Builder {
	if b.cfg.Options == nil {
		b.cfg.Options = make(map[string]string)
	}
	b.cfg.Options[key] = value
	return b
}

// Config returns a copy of the accumulated configuration.
func (b *Builder) Config() Config {
	cfg := b.cfg
	cfg.Options = maps.Clone(b.cfg.Options)
	return cfg
}

// Build selects and constructs the backend. The returned Store is not
// initialized; preparing storage is a separate step. A done ctx fails with
// ErrBackendInit wrapping the context error.
func (b *Builder) Build(ctx context.Context) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, InitError("build", err)
	}
	return NewStoreFromConfig(b.Config())
}
