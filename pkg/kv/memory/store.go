package memory

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/leafsii/stash/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	data  *xsync.MapOf[string, kv.Entry]
	now   kv.Clock
	ready atomic.Bool

	janitorInterval time.Duration
	logger          kv.LogFunc
	startOnce       sync.Once
	janitor         *kv.Janitor
}

var _ kv.Store = (*Store)(nil)

// New creates a store over data. A positive janitorInterval sweeps expired
// entries in the background once the store is initialized.
func New(data *xsync.MapOf[string, kv.Entry], janitorInterval time.Duration, clock kv.Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		data:            data,
		now:             clock,
		janitorInterval: janitorInterval,
	}
}

func (s *Store) Initialize(ctx context.Context) error {
	s.startOnce.Do(func() {
		if s.janitorInterval > 0 {
			s.janitor = kv.StartJanitor(s.janitorInterval, func(context.Context) (int64, error) {
				return int64(s.EvictExpired()), nil
			}, s.logger)
		}
	})
	s.ready.Store(true)
	return nil
}

// EvictExpired removes all expired entries and reports how many were dropped.
func (s *Store) EvictExpired() int {
	now := s.now()
	evicted := 0
	s.data.Range(func(key string, _ kv.Entry) bool {
		s.data.Compute(key, func(old kv.Entry, loaded bool) (kv.Entry, bool) {
			if loaded && old.Expired(now) {
				evicted++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return evicted
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

	entry, ok := s.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	if now := s.now(); entry.Expired(now) {
		s.data.Compute(key, func(old kv.Entry, loaded bool) (kv.Entry, bool) {
			return old, !loaded || old.Expired(now)
		})
		return nil, false, nil
	}
	return slices.Clone(entry.Value), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}

	now := s.now()
	next := kv.Entry{Key: key, Value: slices.Clone(value), ExpiresAt: kv.ExpiryFor(now, ttl)}

	var prev *kv.Entry
	s.data.Compute(key, func(old kv.Entry, loaded bool) (kv.Entry, bool) {
		if loaded && !old.Expired(now) {
			prev = &old
		}
		return next, false
	})
	return prev, nil
}

func (s *Store) List(ctx context.Context) ([]kv.Entry, error) {
	if err := s.checkReady("list"); err != nil {
		return nil, err
	}

	now := s.now()
	entries := make([]kv.Entry, 0, s.data.Size())
	s.data.Range(func(_ string, e kv.Entry) bool {
		if !e.Expired(now) {
			e.Value = slices.Clone(e.Value)
			entries = append(entries, e)
		}
		return true
	})
	slices.SortFunc(entries, func(a, b kv.Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return entries, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkReady("remove"); err != nil {
		return err
	}
	s.data.Delete(key)
	return nil
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.checkReady("remove many"); err != nil {
		return err
	}
	for _, key := range keys {
		s.data.Delete(key)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkReady("clear"); err != nil {
		return err
	}
	s.data.Clear()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.checkReady("ping")
}

// Close stops the janitor. Entries of a named space stay available to other
// stores opened on it.
func (s *Store) Close() error {
	// A store closed before Initialize never starts its janitor
	s.startOnce.Do(func() {})
	s.janitor.Stop()
	return nil
}
