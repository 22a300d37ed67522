package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/leafsii/stash/pkg/kv"
)

// instrumentedStore records every call to the wrapped store.
type instrumentedStore struct {
	next    kv.Store
	metrics *Metrics
}

// InstrumentStore wraps store so that each operation is counted and timed.
// The wrapper implements kv.Pinger whether or not store does.
func InstrumentStore(store kv.Store, m *Metrics) kv.Store {
	return &instrumentedStore{next: store, metrics: m}
}

// ErrorKind names the kv error kind of err for metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, kv.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, kv.ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, kv.ErrSerialization):
		return "serialization"
	case errors.Is(err, kv.ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, kv.ErrBackendInit):
		return "init"
	case errors.Is(err, kv.ErrBackendIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func (s *instrumentedStore) record(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.RecordStoreOp(ctx, op, ErrorKind(err), time.Since(start))
}

func (s *instrumentedStore) Initialize(ctx context.Context) error {
	start := time.Now()
	err := s.next.Initialize(ctx)
	s.record(ctx, "initialize", start, err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	start := time.Now()
	value, ok, err := s.next.Get(ctx, key)
	s.record(ctx, "get", start, err)
	if err == nil {
		if ok {
			s.metrics.RecordStoreHit(ctx)
		} else {
			s.metrics.RecordStoreMiss(ctx)
		}
	}
	return value, ok, err
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	start := time.Now()
	prev, err := s.next.Set(ctx, key, value, ttl)
	s.record(ctx, "set", start, err)
	return prev, err
}

func (s *instrumentedStore) List(ctx context.Context) ([]kv.Entry, error) {
	start := time.Now()
	entries, err := s.next.List(ctx)
	s.record(ctx, "list", start, err)
	return entries, err
}

func (s *instrumentedStore) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Remove(ctx, key)
	s.record(ctx, "remove", start, err)
	return err
}

func (s *instrumentedStore) RemoveMany(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := s.next.RemoveMany(ctx, keys...)
	s.record(ctx, "remove_many", start, err)
	return err
}

func (s *instrumentedStore) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.next.Clear(ctx)
	s.record(ctx, "clear", start, err)
	return err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(kv.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
