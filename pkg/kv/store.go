package kv

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultNamespace is the namespace (table name, key prefix or directory)
// used when none is configured.
const DefaultNamespace = "kv_store"

// NoTTL passed to Store.Set stores an entry that never expires. Any
// non-negative ttl, zero included, sets an expiry of now+ttl.
const NoTTL time.Duration = -1

// Entry is the unit of storage: a key, its JSON value and an optional
// absolute expiry instant.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is logically absent at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Store defines the capability every backend implements.
//
// Backends are responsible for read-time expiry masking (an expired entry is
// never returned by Get or List) and for namespace isolation (Clear and List
// only see the store's own namespace). Single-key operations must appear
// atomic to concurrent callers; List, RemoveMany and Clear need not be atomic
// across keys.
type Store interface {
	// Initialize prepares the backend storage. It is idempotent and must
	// complete before any other operation.
	Initialize(ctx context.Context) error

	// Get returns the live value for key. The boolean is false when the key
	// is absent or its entry has expired.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set inserts or fully replaces the entry for key. A negative ttl stores
	// an entry without expiry; a zero ttl stores one that is already expired.
	// The previous live entry is returned, if any.
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*Entry, error)

	// List returns every live entry in the namespace, ordered by key.
	List(ctx context.Context) ([]Entry, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveMany deletes every key in keys. It is not atomic across keys: on
	// failure some keys may already be gone.
	RemoveMany(ctx context.Context, keys ...string) error

	// Clear deletes every entry in the namespace.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Clock returns the current time. Backends that evaluate expiry in-process
// accept one so tests can move time forward.
type Clock func() time.Time

// ExpiryFor converts a relative ttl into an absolute expiry instant. A
// negative ttl has none.
func ExpiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl < 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
