// Package stash is the caller-facing key-value API. It encodes values to JSON
// and delegates storage to a kv.Store chosen by URI.
//
//	s, err := stash.Open(ctx, kv.NewBuilder().URI("sqlite://data/app.db"))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	_, err = s.SetWithTTL(ctx, "session:42", session, 3600)
//	sess, ok, err := stash.GetAs[Session](ctx, s, "session:42")
package stash

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leafsii/stash/pkg/kv"
	// The default backend is always available.
	_ "github.com/leafsii/stash/pkg/kv/memory"
)

// Stash is a handle to an initialized store. It is safe for concurrent use;
// share it by copying the pointer.
type Stash struct {
	store kv.Store
}

// New initializes store and wraps it. An initialization failure is returned
// as is and no Stash is produced.
func New(ctx context.Context, store kv.Store) (*Stash, error) {
	if err := store.Initialize(ctx); err != nil {
		return nil, err
	}
	return &Stash{store: store}, nil
}

// Open builds the store described by b and initializes it.
func Open(ctx context.Context, b *kv.Builder) (*Stash, error) {
	store, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewDefault opens a private in-memory store in the default namespace.
func NewDefault(ctx context.Context) (*Stash, error) {
	return Open(ctx, kv.NewBuilder().URI(kv.MemoryURI))
}

// MustDefault is like NewDefault but panics on error.
func MustDefault() *Stash {
	s, err := NewDefault(context.Background())
	if err != nil {
		panic(err)
	}
	return s
}

// Store returns the underlying backend.
func (s *Stash) Store() kv.Store {
	return s.store
}

func encode(op string, value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, kv.SerializationError(op, err)
	}
	return data, nil
}

// Set stores value under key without expiry and returns the entry it
// replaced, if any.
func (s *Stash) Set(ctx context.Context, key string, value any) (*kv.Entry, error) {
	data, err := encode("set", value)
	if err != nil {
		return nil, err
	}
	return s.store.Set(ctx, key, data, kv.NoTTL)
}

// SetWithTTL stores value under key for ttlSeconds. A zero ttl stores an
// entry that is already expired; use Set for one that never expires.
func (s *Stash) SetWithTTL(ctx context.Context, key string, value any, ttlSeconds uint64) (*kv.Entry, error) {
	data, err := encode("set", value)
	if err != nil {
		return nil, err
	}
	return s.store.Set(ctx, key, data, ttlDuration(ttlSeconds))
}

// maxTTLSeconds is the largest TTL representable as a time.Duration.
const maxTTLSeconds = uint64(1<<63-1) / uint64(time.Second)

func ttlDuration(seconds uint64) time.Duration {
	if seconds > maxTTLSeconds {
		seconds = maxTTLSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Get returns the JSON value stored under key.
func (s *Stash) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return s.store.Get(ctx, key)
}

// GetAs decodes the value stored under key into a T.
func GetAs[T any](ctx context.Context, s *Stash, key string) (T, bool, error) {
	var out T
	data, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, kv.SerializationError("get", err)
	}
	return out, true, nil
}

// List returns every live entry ordered by key.
func (s *Stash) List(ctx context.Context) ([]kv.Entry, error) {
	return s.store.List(ctx)
}

func (s *Stash) Remove(ctx context.Context, key string) error {
	return s.store.Remove(ctx, key)
}

// RemoveMany deletes keys. It is not atomic: after an error some keys may
// already be gone.
func (s *Stash) RemoveMany(ctx context.Context, keys ...string) error {
	return s.store.RemoveMany(ctx, keys...)
}

// Clear deletes every entry in the store's namespace.
func (s *Stash) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// Close releases the backend.
func (s *Stash) Close() error {
	return s.store.Close()
}
