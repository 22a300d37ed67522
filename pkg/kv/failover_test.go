package kv

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore implements Store for testing
type MockStore struct {
	name              string
	callCount         atomic.Int64
	failAfterCalls    int64
	connectionError   bool
	notFound          bool
	pingFailCount     atomic.Int64
	pingFailThreshold int64
	initFailures      atomic.Int64
	closed            atomic.Bool
}

func NewMockStore(name string) *MockStore {
	return &MockStore{name: name}
}

func (m *MockStore) SetFailAfter(calls int64, connectionError bool) {
	m.failAfterCalls = calls
	m.connectionError = connectionError
}

func (m *MockStore) SetPingFailThreshold(threshold int64) {
	m.pingFailThreshold = threshold
}

// FailInitialize makes the next n Initialize calls report the backend as unreachable.
func (m *MockStore) FailInitialize(n int64) {
	m.initFailures.Store(n)
}

func (m *MockStore) GetCallCount() int64 {
	return m.callCount.Load()
}

func (m *MockStore) checkFailure(op string) error {
	if m.closed.Load() {
		return errors.New("store is closed")
	}

	calls := m.callCount.Add(1)
	if m.failAfterCalls > 0 && calls > m.failAfterCalls {
		if m.connectionError {
			return UnavailableError(op, ErrBackendIO, errors.New("connection refused"))
		}
		return IOError(op, errors.New("mock failure"))
	}
	return nil
}

func (m *MockStore) Initialize(ctx context.Context) error {
	if m.initFailures.Add(-1) >= 0 {
		return UnavailableError("initialize", ErrBackendInit, errors.New("dial tcp: connection refused"))
	}
	return nil
}

func (m *MockStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := m.checkFailure("get"); err != nil {
		return nil, false, err
	}
	if m.notFound {
		return nil, false, nil
	}
	return json.RawMessage(`"` + m.name + `"`), true, nil
}

func (m *MockStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*Entry, error) {
	return nil, m.checkFailure("set")
}

func (m *MockStore) List(ctx context.Context) ([]Entry, error) {
	if err := m.checkFailure("list"); err != nil {
		return nil, err
	}
	return []Entry{{Key: m.name, Value: json.RawMessage(`1`)}}, nil
}

func (m *MockStore) Remove(ctx context.Context, key string) error {
	return m.checkFailure("remove")
}

func (m *MockStore) RemoveMany(ctx context.Context, keys ...string) error {
	return m.checkFailure("remove many")
}

func (m *MockStore) Clear(ctx context.Context) error {
	return m.checkFailure("clear")
}

func (m *MockStore) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return errors.New("store is closed")
	}

	// Special ping failure logic
	if m.pingFailThreshold > 0 {
		count := m.pingFailCount.Add(1)
		if count <= m.pingFailThreshold {
			return UnavailableError("ping", ErrBackendIO, errors.New("ping failed"))
		}
	}
	return nil
}

func (m *MockStore) Close() error {
	m.closed.Store(true)
	return nil
}

type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) log(msg string, fields ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *logRecorder) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.msgs, msg)
}

func newInitializedFailover(t *testing.T, primary, fallback Store, opts FailoverOptions) *FailoverStore {
	t.Helper()
	fs := NewFailoverStore(primary, fallback, opts)
	require.NoError(t, fs.Initialize(context.Background()))
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestFailoverStore_BasicFailover(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")
	logs := &logRecorder{}

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{
		ProbeInterval: time.Hour,
		Logger:        logs.log,
	})
	ctx := context.Background()

	assert.Equal(t, "primary", fs.GetActiveBackend())

	_, err := fs.Set(ctx, "key1", json.RawMessage(`"value1"`), NoTTL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.GetCallCount())

	// Make primary fail with connection error after 1 call
	primary.SetFailAfter(1, true)

	// Next call should trigger failover and be served by the fallback
	_, err = fs.Set(ctx, "key2", json.RawMessage(`"value2"`), NoTTL)
	require.NoError(t, err)
	assert.Equal(t, "fallback", fs.GetActiveBackend())
	assert.EqualValues(t, 1, fallback.GetCallCount())

	value, ok, err := fs.Get(ctx, "key2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `"fallback"`, string(value))

	assert.True(t, logs.has("Failing over to fallback store"))
}

func TestFailoverStore_StartsOnFallbackWhenPrimaryDown(t *testing.T) {
	primary := NewMockStore("primary")
	primary.FailInitialize(1)
	fallback := NewMockStore("fallback")
	logs := &logRecorder{}

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{
		ProbeInterval:       time.Hour,
		StartupProbeTimeout: 50 * time.Millisecond,
		Logger:              logs.log,
	})

	assert.Equal(t, "fallback", fs.GetActiveBackend())
	assert.True(t, logs.has("Primary unhealthy at startup; using fallback store (will retry in background)"))

	entries, err := fs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fallback", entries[0].Key)
	assert.Zero(t, primary.GetCallCount())
}

func TestFailoverStore_Recovery(t *testing.T) {
	primary := NewMockStore("primary")
	primary.FailInitialize(1)
	// Fail first 2 pings, then succeed
	primary.SetPingFailThreshold(2)
	fallback := NewMockStore("fallback")
	logs := &logRecorder{}

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{
		ProbeInterval: 20 * time.Millisecond,
		Logger:        logs.log,
	})
	require.Equal(t, "fallback", fs.GetActiveBackend())

	assert.Eventually(t, func() bool {
		return fs.GetActiveBackend() == "primary"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, logs.has("Recovered to primary store"))
	assert.GreaterOrEqual(t, primary.pingFailCount.Load(), int64(3))
}

func TestFailoverStore_NoFailoverOnOperationError(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{ProbeInterval: time.Hour})
	ctx := context.Background()

	// Make primary fail with non-connection error
	primary.SetFailAfter(1, false)

	_, err := fs.Set(ctx, "key1", json.RawMessage(`1`), NoTTL)
	require.NoError(t, err)

	_, err = fs.Set(ctx, "key2", json.RawMessage(`2`), NoTTL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendIO)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	assert.Equal(t, "primary", fs.GetActiveBackend())
	assert.Zero(t, fallback.GetCallCount())
}

func TestFailoverStore_AbsentKeyDoesNotFailover(t *testing.T) {
	primary := NewMockStore("primary")
	primary.notFound = true
	fallback := NewMockStore("fallback")

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{ProbeInterval: time.Hour})

	value, ok, err := fs.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)
	assert.EqualValues(t, 1, primary.GetCallCount())
	assert.Equal(t, "primary", fs.GetActiveBackend())
}

func TestFailoverStore_NotInitialized(t *testing.T) {
	fs := NewFailoverStore(NewMockStore("primary"), NewMockStore("fallback"), FailoverOptions{})
	defer fs.Close()
	ctx := context.Background()

	_, _, err := fs.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = fs.RemoveMany(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFailoverStore_ConcurrentAccess(t *testing.T) {
	primary := NewMockStore("primary")
	fallback := NewMockStore("fallback")

	fs := newInitializedFailover(t, primary, fallback, FailoverOptions{ProbeInterval: time.Hour})
	ctx := context.Background()

	// Make primary fail after 10 calls
	primary.SetFailAfter(10, true)

	const numGoroutines = 50
	const callsPerGoroutine = 10

	var wg sync.WaitGroup
	var errorCount atomic.Int64

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				if _, err := fs.Set(ctx, "key", json.RawMessage(`"value"`), NoTTL); err != nil {
					errorCount.Add(1)
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}

	wg.Wait()

	assert.Zero(t, errorCount.Load())
	assert.Equal(t, "fallback", fs.GetActiveBackend())
}

func TestFailoverStore_CloseStopsProbing(t *testing.T) {
	primary := NewMockStore("primary")
	primary.FailInitialize(1_000_000)
	fallback := NewMockStore("fallback")

	fs := NewFailoverStore(primary, fallback, FailoverOptions{ProbeInterval: 10 * time.Millisecond})
	require.NoError(t, fs.Initialize(context.Background()))

	// Give it time to start probing
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())

	assert.True(t, primary.closed.Load())
	assert.True(t, fallback.closed.Load())
	assert.Equal(t, "fallback", fs.GetActiveBackend())
}
