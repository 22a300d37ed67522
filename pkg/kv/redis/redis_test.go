package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/stash/pkg/kv"
	"github.com/leafsii/stash/pkg/kv/kvtest"
	_ "github.com/leafsii/stash/pkg/kv/memory"
)

// unreachableURL points at a port nothing listens on.
const unreachableURL = "redis://127.0.0.1:1/0"

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis tests")
	}

	factory := func(t *testing.T, namespace string, clock kv.Clock) (kv.Store, error) {
		return kv.NewBuilder().
			URI(redisURL).
			Namespace(namespace).
			Clock(clock).
			Build(context.Background())
	}

	kvtest.RunConformanceTests(t, factory, kvtest.ServerSideExpiry())
}

func TestNew_ParsesAddress(t *testing.T) {
	store, err := New(kv.Config{Target: "localhost:6380/2", Namespace: "cache", MaxConns: 4})
	require.NoError(t, err)
	defer store.Close()

	opt := store.client.Options()
	assert.Equal(t, "localhost:6380", opt.Addr)
	assert.Equal(t, 2, opt.DB)
	assert.Equal(t, 4, opt.PoolSize)
	assert.Equal(t, "cache:", store.prefix)
}

func TestNew_InvalidOption(t *testing.T) {
	_, err := New(kv.Config{
		Target:  "redis://localhost:6379",
		Options: map[string]string{"dial_timeout": "soon"},
	})
	assert.ErrorIs(t, err, kv.ErrInvalidConfig)
}

func TestStore_NotInitialized(t *testing.T) {
	store, err := New(kv.Config{Target: unreachableURL})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(context.Background(), "k", json.RawMessage(`1`), kv.NoTTL)
	assert.ErrorIs(t, err, kv.ErrNotInitialized)
}

func TestStore_InitializeUnreachable(t *testing.T) {
	store, err := New(kv.Config{
		Target:  unreachableURL,
		Options: map[string]string{"dial_timeout": "200ms"},
	})
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = store.Initialize(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrBackendInit)
	assert.ErrorIs(t, err, kv.ErrBackendUnavailable)
}

func TestFailover_UnreachableRedisServesFromMemory(t *testing.T) {
	ctx := context.Background()
	store, err := kv.NewBuilder().
		URI(unreachableURL).
		Namespace("failover").
		Failover(true).
		StartupProbeTimeout(300 * time.Millisecond).
		ProbeInterval(time.Hour).
		Option("dial_timeout", "100ms").
		Build(ctx)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Initialize(ctx))

	fs, ok := store.(*kv.FailoverStore)
	require.True(t, ok)
	assert.Equal(t, "fallback", fs.GetActiveBackend())

	_, err = store.Set(ctx, "k", json.RawMessage(`"v"`), kv.NoTTL)
	require.NoError(t, err)
	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `"v"`, string(value))
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"key not found", redis.Nil, false},
		{"canceled", context.Canceled, false},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"message", errors.New("read tcp: connection reset by peer"), true},
		{"closed client", redis.ErrClosed, true},
		{"server error", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestWrapError(t *testing.T) {
	err := wrapError("get", kv.ErrBackendIO, errors.New("connection refused"))
	assert.ErrorIs(t, err, kv.ErrBackendIO)
	assert.ErrorIs(t, err, kv.ErrBackendUnavailable)

	err = wrapError("get", kv.ErrBackendIO, errors.New("ERR syntax error"))
	assert.ErrorIs(t, err, kv.ErrBackendIO)
	assert.NotErrorIs(t, err, kv.ErrBackendUnavailable)

	assert.NoError(t, wrapError("get", kv.ErrBackendIO, nil))
}
