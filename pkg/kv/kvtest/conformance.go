// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leafsii/stash/pkg/kv"
)

// StoreFactory creates a fresh, uninitialized Store for namespace. Stores
// created for different namespaces within one RunConformanceTests call must
// share the same physical storage so namespace isolation can be observed.
// A namespace the backend cannot keep apart must be rejected with
// kv.ErrInvalidConfig.
type StoreFactory func(t *testing.T, namespace string, clock kv.Clock) (kv.Store, error)

// Option adjusts how the suite drives a backend.
type Option func(*suite)

// ServerSideExpiry is for backends that evaluate expiry on the server and
// ignore the injected clock. TTL tests then wait in real time.
func ServerSideExpiry() Option {
	return func(s *suite) { s.realTime = true }
}

type suite struct {
	factory  StoreFactory
	realTime bool
}

// env is handed to each conformance test.
type env struct {
	suite *suite
	store kv.Store
	clock *FakeClock
}

// shortTTL is the expiry used by TTL tests.
func (e *env) shortTTL() time.Duration {
	if e.suite.realTime {
		return 300 * time.Millisecond
	}
	return 10 * time.Second
}

// elapse lets d pass for the store under test.
func (e *env) elapse(d time.Duration) {
	if e.suite.realTime {
		time.Sleep(d)
		return
	}
	e.clock.Advance(d)
}

// build creates an uninitialized store and fails the test if that is not
// possible.
func (s *suite) build(t *testing.T, namespace string, clock kv.Clock) kv.Store {
	t.Helper()
	store, err := s.factory(t, namespace, clock)
	if err != nil {
		t.Fatalf("creating store for %s failed: %v", namespace, err)
	}
	return store
}

// open builds and initializes another store in namespace sharing env's clock.
func (e *env) open(t *testing.T, namespace string) kv.Store {
	t.Helper()
	store := e.suite.build(t, namespace, e.clock.Now)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize(%s) failed: %v", namespace, err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear(%s) failed: %v", namespace, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// FakeClock is a manually advanced kv.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory, opts ...Option) {
	s := &suite{factory: factory}
	for _, opt := range opts {
		opt(s)
	}

	t.Run("Lifecycle", func(t *testing.T) {
		testLifecycle(t, s)
	})
	t.Run("ValueOperations", func(t *testing.T) {
		s.run(t, []namedTest{
			{"RoundTrip", testRoundTrip},
			{"GetAbsent", testGetAbsent},
			{"Overwrite", testOverwrite},
			{"ListSortedByKey", testListSorted},
		})
	})
	t.Run("TTLOperations", func(t *testing.T) {
		s.run(t, []namedTest{
			{"ExpiryMasksEntry", testExpiryMasksEntry},
			{"OverwriteReplacesExpiry", testOverwriteReplacesExpiry},
			{"ExpiredIsNotPrevious", testExpiredIsNotPrevious},
			{"ZeroTTLIsExpired", testZeroTTLIsExpired},
		})
	})
	t.Run("RemoveOperations", func(t *testing.T) {
		s.run(t, []namedTest{
			{"RemoveIdempotent", testRemoveIdempotent},
			{"RemoveMany", testRemoveMany},
			{"RemoveManyEmpty", testRemoveManyEmpty},
			{"ClearIsolatesNamespace", testClearIsolatesNamespace},
			{"NamespacesDifferingOnlyByCase", testNamespacesDifferingOnlyByCase},
		})
	})
	t.Run("Concurrency", func(t *testing.T) {
		s.run(t, []namedTest{
			{"SingleKeyAtomicity", testSingleKeyAtomicity},
			{"DistinctKeys", testDistinctKeys},
		})
	})
}

type namedTest struct {
	name string
	test func(t *testing.T, e *env)
}

func (s *suite) run(t *testing.T, tests []namedTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &env{suite: s, clock: NewFakeClock(time.Now().Truncate(time.Second))}
			e.store = e.open(t, "conformance")
			tt.test(t, e)
		})
	}
}

func mustSet(t *testing.T, store kv.Store, key, value string, ttl time.Duration) *kv.Entry {
	t.Helper()
	prev, err := store.Set(context.Background(), key, json.RawMessage(value), ttl)
	if err != nil {
		t.Fatalf("Set(%s) failed: %v", key, err)
	}
	return prev
}

func mustGet(t *testing.T, store kv.Store, key string) (json.RawMessage, bool) {
	t.Helper()
	value, ok, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	return value, ok
}

func mustList(t *testing.T, store kv.Store) []kv.Entry {
	t.Helper()
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return entries
}

func keys(entries []kv.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

// jsonEqual compares two JSON documents semantically, since some backends
// normalize whitespace and key order.
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func testLifecycle(t *testing.T, s *suite) {
	ctx := context.Background()
	clock := NewFakeClock(time.Now())

	t.Run("NotInitialized", func(t *testing.T) {
		store := s.build(t, "conformance", clock.Now)
		defer store.Close()

		checks := map[string]error{}
		_, _, checks["Get"] = store.Get(ctx, "k")
		_, checks["Set"] = store.Set(ctx, "k", json.RawMessage(`1`), kv.NoTTL)
		_, checks["List"] = store.List(ctx)
		checks["Remove"] = store.Remove(ctx, "k")
		checks["RemoveMany"] = store.RemoveMany(ctx, "k")
		checks["Clear"] = store.Clear(ctx)

		for op, err := range checks {
			if !errors.Is(err, kv.ErrNotInitialized) {
				t.Errorf("%s before Initialize: expected ErrNotInitialized, got %v", op, err)
			}
		}
	})

	t.Run("InitializeIdempotent", func(t *testing.T) {
		store := s.build(t, "conformance", clock.Now)
		defer store.Close()

		for i := 0; i < 3; i++ {
			if err := store.Initialize(ctx); err != nil {
				t.Fatalf("Initialize #%d failed: %v", i+1, err)
			}
		}
		if err := store.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		mustSet(t, store, "k", `"v"`, kv.NoTTL)
		if err := store.Initialize(ctx); err != nil {
			t.Fatalf("Initialize after write failed: %v", err)
		}
		if _, ok := mustGet(t, store, "k"); !ok {
			t.Errorf("Initialize must not discard existing entries")
		}
	})
}

func testRoundTrip(t *testing.T, e *env) {
	values := map[string]string{
		"string": `"hello world"`,
		"number": `42.5`,
		"bool":   `true`,
		"null":   `null`,
		"array":  `[1,"two",{"three":3}]`,
		"object": `{"name":"ada","tags":["x","y"],"nested":{"ok":true}}`,
		"escape": `"quote \" and unicode é"`,
	}

	for key, value := range values {
		if prev := mustSet(t, e.store, key, value, kv.NoTTL); prev != nil {
			t.Errorf("Set(%s) on new key returned previous entry %+v", key, prev)
		}
	}

	for key, want := range values {
		got, ok := mustGet(t, e.store, key)
		if !ok {
			t.Errorf("Get(%s): expected entry to exist", key)
			continue
		}
		if !jsonEqual(got, []byte(want)) {
			t.Errorf("Get(%s) = %s, want %s", key, got, want)
		}
	}
}

func testGetAbsent(t *testing.T, e *env) {
	value, ok := mustGet(t, e.store, "missing")
	if ok || value != nil {
		t.Errorf("Get(missing) = (%s, %v), want (nil, false)", value, ok)
	}
}

func testOverwrite(t *testing.T, e *env) {
	mustSet(t, e.store, "user", `{"v":1}`, kv.NoTTL)
	prev := mustSet(t, e.store, "user", `{"v":2}`, kv.NoTTL)

	if prev == nil {
		t.Fatalf("Set on existing key: expected previous entry")
	}
	if prev.Key != "user" || !jsonEqual(prev.Value, []byte(`{"v":1}`)) {
		t.Errorf("previous entry = %s/%s, want user/{\"v\":1}", prev.Key, prev.Value)
	}

	got, _ := mustGet(t, e.store, "user")
	if !jsonEqual(got, []byte(`{"v":2}`)) {
		t.Errorf("Get after overwrite = %s, want {\"v\":2}", got)
	}

	if entries := mustList(t, e.store); len(entries) != 1 {
		t.Errorf("expected exactly one entry after overwrite, got %v", keys(entries))
	}
}

func testListSorted(t *testing.T, e *env) {
	for _, k := range []string{"m", "a", "z", "b:2", "b:1"} {
		mustSet(t, e.store, k, `0`, kv.NoTTL)
	}

	got := keys(mustList(t, e.store))
	want := []string{"a", "b:1", "b:2", "m", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List keys = %v, want %v", got, want)
	}
	if again := keys(mustList(t, e.store)); !reflect.DeepEqual(again, got) {
		t.Errorf("List not stable: %v then %v", got, again)
	}
}

func testExpiryMasksEntry(t *testing.T, e *env) {
	ttl := e.shortTTL()
	mustSet(t, e.store, "session", `"active"`, ttl)
	mustSet(t, e.store, "forever", `"kept"`, kv.NoTTL)

	if _, ok := mustGet(t, e.store, "session"); !ok {
		t.Fatalf("entry should be live before its TTL elapses")
	}
	entries := mustList(t, e.store)
	for _, entry := range entries {
		if entry.Key == "session" && entry.ExpiresAt == nil {
			t.Errorf("List should report the expiry of entries set with a TTL")
		}
		if entry.Key == "forever" && entry.ExpiresAt != nil {
			t.Errorf("entry without TTL reported expiry %v", entry.ExpiresAt)
		}
	}

	e.elapse(2 * ttl)

	if value, ok := mustGet(t, e.store, "session"); ok {
		t.Errorf("expired entry returned by Get: %s", value)
	}
	if got := keys(mustList(t, e.store)); !reflect.DeepEqual(got, []string{"forever"}) {
		t.Errorf("List after expiry = %v, want [forever]", got)
	}
}

func testOverwriteReplacesExpiry(t *testing.T, e *env) {
	ttl := e.shortTTL()
	mustSet(t, e.store, "k", `1`, ttl)
	mustSet(t, e.store, "k", `2`, kv.NoTTL)

	e.elapse(2 * ttl)

	got, ok := mustGet(t, e.store, "k")
	if !ok || !jsonEqual(got, []byte(`2`)) {
		t.Errorf("overwrite without TTL should clear the old expiry, got (%s, %v)", got, ok)
	}
}

func testExpiredIsNotPrevious(t *testing.T, e *env) {
	ttl := e.shortTTL()
	mustSet(t, e.store, "k", `1`, ttl)

	e.elapse(2 * ttl)

	if prev := mustSet(t, e.store, "k", `2`, kv.NoTTL); prev != nil {
		t.Errorf("expired entry reported as previous: %+v", prev)
	}
}

func testZeroTTLIsExpired(t *testing.T, e *env) {
	mustSet(t, e.store, "k", `1`, kv.NoTTL)

	prev := mustSet(t, e.store, "k", `2`, 0)
	if prev == nil || !jsonEqual(prev.Value, []byte(`1`)) {
		t.Errorf("Set with zero TTL should still return the live previous entry, got %+v", prev)
	}
	if value, ok := mustGet(t, e.store, "k"); ok {
		t.Errorf("entry set with zero TTL returned by Get: %s", value)
	}
	if entries := mustList(t, e.store); len(entries) != 0 {
		t.Errorf("entry set with zero TTL listed: %v", keys(entries))
	}
	if prev := mustSet(t, e.store, "k", `3`, kv.NoTTL); prev != nil {
		t.Errorf("entry set with zero TTL reported as previous: %+v", prev)
	}
}

func testRemoveIdempotent(t *testing.T, e *env) {
	ctx := context.Background()
	if err := e.store.Remove(ctx, "never-set"); err != nil {
		t.Fatalf("Remove of absent key failed: %v", err)
	}

	mustSet(t, e.store, "k", `1`, kv.NoTTL)
	for i := 0; i < 2; i++ {
		if err := e.store.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove #%d failed: %v", i+1, err)
		}
	}
	if _, ok := mustGet(t, e.store, "k"); ok {
		t.Errorf("key still present after Remove")
	}
}

func testRemoveMany(t *testing.T, e *env) {
	for _, k := range []string{"a", "b", "c", "d"} {
		mustSet(t, e.store, k, `1`, kv.NoTTL)
	}

	if err := e.store.RemoveMany(context.Background(), "a", "c", "missing", "a"); err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}

	if got := keys(mustList(t, e.store)); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Errorf("keys after RemoveMany = %v, want [b d]", got)
	}
}

func testRemoveManyEmpty(t *testing.T, e *env) {
	mustSet(t, e.store, "k", `1`, kv.NoTTL)
	if err := e.store.RemoveMany(context.Background()); err != nil {
		t.Fatalf("RemoveMany with no keys failed: %v", err)
	}
	if _, ok := mustGet(t, e.store, "k"); !ok {
		t.Errorf("RemoveMany with no keys removed an entry")
	}
}

func testClearIsolatesNamespace(t *testing.T, e *env) {
	ctx := context.Background()
	other := e.open(t, "conformance_other")

	mustSet(t, e.store, "shared", `"mine"`, kv.NoTTL)
	mustSet(t, e.store, "only_mine", `1`, kv.NoTTL)
	mustSet(t, other, "shared", `"theirs"`, kv.NoTTL)

	got, _ := mustGet(t, other, "shared")
	if !jsonEqual(got, []byte(`"theirs"`)) {
		t.Fatalf("namespaces leak: other sees %s", got)
	}
	if got := keys(mustList(t, other)); !reflect.DeepEqual(got, []string{"shared"}) {
		t.Fatalf("List in other namespace = %v, want [shared]", got)
	}

	if err := e.store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if entries := mustList(t, e.store); len(entries) != 0 {
		t.Errorf("entries left after Clear: %v", keys(entries))
	}
	if _, ok := mustGet(t, other, "shared"); !ok {
		t.Errorf("Clear removed an entry from another namespace")
	}

	if err := e.store.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

// testNamespacesDifferingOnlyByCase requires that a backend either rejects a
// mixed-case namespace or keeps it apart from its lowercase twin.
func testNamespacesDifferingOnlyByCase(t *testing.T, e *env) {
	ctx := context.Background()
	upper, err := e.suite.factory(t, "Conformance", e.clock.Now)
	if err != nil {
		if !errors.Is(err, kv.ErrInvalidConfig) {
			t.Fatalf("mixed-case namespace rejected with %v, want ErrInvalidConfig", err)
		}
		return
	}
	t.Cleanup(func() { upper.Close() })
	if err := upper.Initialize(ctx); err != nil {
		t.Fatalf("Initialize(Conformance) failed: %v", err)
	}

	mustSet(t, e.store, "k", `"lower"`, kv.NoTTL)
	if err := upper.Clear(ctx); err != nil {
		t.Fatalf("Clear(Conformance) failed: %v", err)
	}
	if _, ok := mustGet(t, e.store, "k"); !ok {
		t.Errorf("Clear of Conformance removed an entry from conformance")
	}
}

func testSingleKeyAtomicity(t *testing.T, e *env) {
	const writers = 8
	const writesPerWriter = 10

	var wg sync.WaitGroup
	var firstWrites atomic.Int64
	errs := make(chan error, writers*writesPerWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writesPerWriter; i++ {
				value := json.RawMessage(fmt.Sprintf(`{"writer":%d,"seq":%d}`, w, i))
				prev, err := e.store.Set(context.Background(), "contended", value, kv.NoTTL)
				if err != nil {
					errs <- err
					return
				}
				if prev == nil {
					firstWrites.Add(1)
				} else if !json.Valid(prev.Value) {
					errs <- fmt.Errorf("torn previous value %q", prev.Value)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Set: %v", err)
	}
	if n := firstWrites.Load(); n != 1 {
		t.Errorf("exactly one writer should observe an absent key, got %d", n)
	}

	got, ok := mustGet(t, e.store, "contended")
	if !ok || !json.Valid(got) {
		t.Errorf("final value should be a complete write, got (%s, %v)", got, ok)
	}
}

func testDistinctKeys(t *testing.T, e *env) {
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key:%02d", i)
			if _, err := e.store.Set(context.Background(), key, json.RawMessage(fmt.Sprint(i)), kv.NoTTL); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Set: %v", err)
	}

	got := keys(mustList(t, e.store))
	if len(got) != n {
		t.Fatalf("expected %d entries, got %d", n, len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("List not sorted: %v", got)
	}
}
