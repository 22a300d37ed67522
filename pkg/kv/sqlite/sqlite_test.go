package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/stash/pkg/kv"
	"github.com/leafsii/stash/pkg/kv/kvtest"
)

func TestSQLiteStore(t *testing.T) {
	uri := "sqlite://" + filepath.Join(t.TempDir(), "conformance.db")
	factory := func(t *testing.T, namespace string, clock kv.Clock) (kv.Store, error) {
		return kv.NewBuilder().
			URI(uri).
			TableName(namespace).
			JanitorInterval(-1).
			Clock(clock).
			Build(context.Background())
	}

	kvtest.RunConformanceTests(t, factory)
}

func openStore(t *testing.T, cfg kv.Config) *Store {
	t.Helper()
	store, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "kv.db")

	first, err := New(kv.Config{Target: path, Namespace: "sessions"})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx))
	_, err = first.Set(ctx, "sid", json.RawMessage(`{"user":1}`), time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openStore(t, kv.Config{Target: path, Namespace: "sessions"})
	entries, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sid", entries[0].Key)
	assert.JSONEq(t, `{"user":1}`, string(entries[0].Value))
	require.NotNil(t, entries[0].ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *entries[0].ExpiresAt, time.Minute)
}

func TestSQLiteStore_InMemoryURI(t *testing.T) {
	ctx := context.Background()
	store, err := kv.NewBuilder().URI("sqlite::memory:").JanitorInterval(-1).Build(ctx)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Initialize(ctx))

	_, err = store.Set(ctx, "k", json.RawMessage(`[1,2]`), kv.NoTTL)
	require.NoError(t, err)
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `[1,2]`, string(value))
}

func TestSQLiteStore_TablePerNamespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store := openStore(t, kv.Config{Target: path, Namespace: "audit_log"})

	var name string
	err := store.db.QueryRowContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, "audit_log").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "audit_log", name)
}

func TestSQLiteStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := kvtest.NewFakeClock(time.Unix(1_700_000_000, 0))
	store := openStore(t, kv.Config{Target: filepath.Join(t.TempDir(), "kv.db"), Clock: clock.Now})

	_, err := store.Set(ctx, "short", json.RawMessage(`1`), time.Second)
	require.NoError(t, err)
	_, err = store.Set(ctx, "forever", json.RawMessage(`2`), kv.NoTTL)
	require.NoError(t, err)

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+store.table).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_RemoveManyLargeBatch(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, kv.Config{Target: filepath.Join(t.TempDir(), "kv.db")})

	keys := make([]string, 0, 2*deleteBatchSize+3)
	for i := 0; i < cap(keys); i++ {
		key := "k" + strconv.Itoa(i)
		keys = append(keys, key)
		_, err := store.Set(ctx, key, json.RawMessage(`0`), kv.NoTTL)
		require.NoError(t, err)
	}

	require.NoError(t, store.RemoveMany(ctx, keys...))
	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteStore_InvalidBusyTimeout(t *testing.T) {
	_, err := New(kv.Config{Target: "kv.db", Options: map[string]string{"busy_timeout": "forever"}})
	assert.ErrorIs(t, err, kv.ErrInvalidConfig)
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	store, err := New(kv.Config{Target: filepath.Join(t.TempDir(), "kv.db")})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, _, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, kv.ErrNotInitialized)
	assert.ErrorIs(t, store.Initialize(context.Background()), kv.ErrBackendInit)
}
