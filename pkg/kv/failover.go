package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// FailoverOptions configures a FailoverStore.
type FailoverOptions struct {
	ProbeInterval       time.Duration
	StartupProbeTimeout time.Duration
	Logger              LogFunc
}

// FailoverStore wraps a primary and fallback store, automatically failing over
// when the primary becomes unavailable and recovering when it becomes healthy again.
//
// Entries written while the fallback is active are not copied back to the
// primary on recovery.
type FailoverStore struct {
	primary  Store        // Primary store (usually Redis)
	fallback Store        // Fallback store (usually in-memory)
	active   atomic.Value // Currently active store (Store)
	opts     FailoverOptions
	ready    atomic.Bool

	// State management
	mu        sync.Mutex
	probing   bool          // Whether background probing is active
	closed    chan struct{} // Signal to stop background processes
	closeOnce sync.Once
	probeStop chan struct{} // Signal to stop current probe goroutine
	probeDone chan struct{} // Signal that probe goroutine has stopped
	promote   chan struct{} // Signal to promote to primary
}

var _ Store = (*FailoverStore)(nil)

// NewFailoverStore creates a new failover store that prefers the primary but falls back to fallback
func NewFailoverStore(primary, fallback Store, opts FailoverOptions) *FailoverStore {
	if opts.Logger == nil {
		opts.Logger = func(msg string, fields ...any) {} // No-op logger
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.StartupProbeTimeout <= 0 {
		opts.StartupProbeTimeout = DefaultStartupProbeTimeout
	}

	fs := &FailoverStore{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		closed:   make(chan struct{}),
		promote:  make(chan struct{}, 1), // Buffered channel
	}

	// Start with primary as active
	fs.active.Store(primary)

	go fs.handlePromotions()

	return fs
}

// Initialize prepares the fallback and then the primary. A primary that cannot
// be prepared within the startup probe timeout leaves the fallback active and
// is probed in the background.
func (fs *FailoverStore) Initialize(ctx context.Context) error {
	if err := fs.fallback.Initialize(ctx); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, fs.opts.StartupProbeTimeout)
	err := fs.primary.Initialize(probeCtx)
	cancel()

	if err != nil {
		fs.opts.Logger("Primary unhealthy at startup; using fallback store (will retry in background)",
			"error", err.Error())
		fs.mu.Lock()
		fs.active.Store(fs.fallback)
		fs.startProbingUnsafe()
		fs.mu.Unlock()
	} else {
		fs.opts.Logger("Primary healthy at startup; using primary with fallback store")
	}

	fs.ready.Store(true)
	return nil
}

// getActiveStore returns the currently active store
func (fs *FailoverStore) getActiveStore() Store {
	return fs.active.Load().(Store)
}

// demoteToFallback switches to the fallback store and starts background probing for recovery
func (fs *FailoverStore) demoteToFallback() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.getActiveStore() == fs.fallback {
		return
	}

	fs.active.Store(fs.fallback)
	fs.opts.Logger("Failing over to fallback store", "reason", "primary_unavailable")

	fs.startProbingUnsafe()
}

// handlePromotions handles promotion signals in a separate goroutine
func (fs *FailoverStore) handlePromotions() {
	for {
		select {
		case <-fs.closed:
			return
		case <-fs.promote:
			if fs.getActiveStore() == fs.primary {
				continue
			}

			fs.active.Store(fs.primary)
			fs.opts.Logger("Recovered to primary store", "reason", "primary_healthy")

			fs.stopProbing()
		}
	}
}

// signalPromotion signals that primary should be promoted (non-blocking)
func (fs *FailoverStore) signalPromotion() {
	select {
	case fs.promote <- struct{}{}:
	default:
		// promotion already pending
	}
}

// startProbingUnsafe starts background probing if not already active (must hold mutex)
func (fs *FailoverStore) startProbingUnsafe() {
	if fs.probing {
		return
	}

	fs.probing = true
	fs.probeStop = make(chan struct{})
	fs.probeDone = make(chan struct{})

	go fs.probeLoop(fs.probeStop, fs.probeDone)
}

func (fs *FailoverStore) stopProbing() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.stopProbingUnsafe()
}

// stopProbingUnsafe stops background probing (must hold mutex)
func (fs *FailoverStore) stopProbingUnsafe() {
	if !fs.probing {
		return
	}

	close(fs.probeStop)
	<-fs.probeDone
	fs.probing = false
}

// probeLoop runs the background health probing
func (fs *FailoverStore) probeLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(fs.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.closed:
			return
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), fs.opts.ProbeInterval/2)
			err := fs.probePrimary(ctx)
			cancel()

			if err == nil {
				fs.signalPromotion()
				return // Stop probing until next demotion
			}
		}
	}
}

func (fs *FailoverStore) probePrimary(ctx context.Context) error {
	if p, ok := fs.primary.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	// Initialize is idempotent; it prepares a primary that was down at startup.
	return fs.primary.Initialize(ctx)
}

// withFailover runs fn on the active store and retries once on the fallback
// when the primary reports a connectivity failure.
func withFailover[T any](fs *FailoverStore, op string, fn func(Store) (T, error)) (T, error) {
	if !fs.ready.Load() {
		var zero T
		return zero, NotInitializedError(op)
	}

	store := fs.getActiveStore()
	result, err := fn(store)

	if store == fs.primary && errors.Is(err, ErrBackendUnavailable) {
		fs.demoteToFallback()

		if fallbackStore := fs.getActiveStore(); fallbackStore != store {
			return fn(fallbackStore)
		}
	}

	return result, err
}

func (fs *FailoverStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	type found struct {
		value json.RawMessage
		ok    bool
	}
	r, err := withFailover(fs, "get", func(s Store) (found, error) {
		v, ok, err := s.Get(ctx, key)
		return found{v, ok}, err
	})
	return r.value, r.ok, err
}

func (fs *FailoverStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*Entry, error) {
	return withFailover(fs, "set", func(s Store) (*Entry, error) {
		return s.Set(ctx, key, value, ttl)
	})
}

func (fs *FailoverStore) List(ctx context.Context) ([]Entry, error) {
	return withFailover(fs, "list", func(s Store) ([]Entry, error) {
		return s.List(ctx)
	})
}

func (fs *FailoverStore) Remove(ctx context.Context, key string) error {
	_, err := withFailover(fs, "remove", func(s Store) (struct{}, error) {
		return struct{}{}, s.Remove(ctx, key)
	})
	return err
}

func (fs *FailoverStore) RemoveMany(ctx context.Context, keys ...string) error {
	_, err := withFailover(fs, "remove many", func(s Store) (struct{}, error) {
		return struct{}{}, s.RemoveMany(ctx, keys...)
	})
	return err
}

func (fs *FailoverStore) Clear(ctx context.Context) error {
	_, err := withFailover(fs, "clear", func(s Store) (struct{}, error) {
		return struct{}{}, s.Clear(ctx)
	})
	return err
}

// Ping checks the active store
func (fs *FailoverStore) Ping(ctx context.Context) error {
	if p, ok := fs.getActiveStore().(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// GetActiveBackend returns information about which backend is currently active
func (fs *FailoverStore) GetActiveBackend() string {
	if fs.getActiveStore() == fs.primary {
		return "primary"
	}
	return "fallback"
}

// Close shuts down the failover store and stops all background processes
func (fs *FailoverStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.closed)

		fs.mu.Lock()
		fs.stopProbingUnsafe()
		fs.mu.Unlock()

		err = errors.Join(fs.primary.Close(), fs.fallback.Close())
	})
	return err
}
