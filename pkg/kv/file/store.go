// Package file stores each entry as a JSON document on disk. A namespace is a
// sub-directory of the root; file names are BLAKE2b digests of the keys, so
// any key is a valid file name.
package file

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/leafsii/stash/pkg/kv"
)

const entryExt = ".json"

// Store is a filesystem-backed implementation of the kv.Store interface.
//
// Writes go to a temporary file that is renamed over the entry, so readers
// never see a partial document. Writers of the same key are serialized by a
// lock stripe; stripes are per Store, so two Stores must not write the same
// directory concurrently.
type Store struct {
	dir     string
	now     kv.Clock
	logger  kv.LogFunc
	ready   atomic.Bool
	stripes [256]sync.Mutex

	janitorInterval time.Duration
	mu              sync.Mutex
	janitor         *kv.Janitor
	closed          bool
}

var _ kv.Store = (*Store)(nil)

// New returns a store rooted at cfg.Target/<namespace>. Nothing is created
// until Initialize.
func New(cfg kv.Config) (*Store, error) {
	if cfg.Target == "" {
		return nil, kv.ConfigError("open file store", errors.New("root directory is required"))
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = kv.DefaultNamespace
	}
	return &Store{
		dir:             filepath.Join(cfg.Target, namespace),
		now:             cfg.Now,
		logger:          cfg.Logger,
		janitorInterval: cfg.JanitorInterval,
	}, nil
}

// document is the on-disk form of an entry.
type document struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func keyHash(key string) [32]byte {
	return blake2b.Sum256([]byte(key))
}

func (s *Store) path(sum [32]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entryExt)
}

func (s *Store) lock(sum [32]byte) func() {
	mu := &s.stripes[sum[0]]
	mu.Lock()
	return mu.Unlock
}

// Initialize creates the namespace directory.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.InitError("initialize", errors.New("store is closed"))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return kv.InitError("initialize", fmt.Errorf("create namespace directory: %w", err))
	}

	if s.janitor == nil && s.janitorInterval > 0 {
		s.janitor = kv.StartJanitor(s.janitorInterval, s.SweepExpired, s.logger)
	}
	s.ready.Store(true)
	return nil
}

func (s *Store) checkReady(op string) error {
	if !s.ready.Load() {
		return kv.NotInitializedError(op)
	}
	return nil
}

// read loads the document at path. A missing file yields (nil, nil).
func read(path string) (*kv.Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &kv.Entry{Key: doc.Key, Value: doc.Value, ExpiresAt: doc.ExpiresAt}, nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := s.checkReady("get"); err != nil {
		return nil, false, err
	}

	sum := keyHash(key)
	entry, err := read(s.path(sum))
	if err != nil {
		return nil, false, kv.IOError("get", err)
	}
	if entry == nil {
		return nil, false, nil
	}

	if now := s.now(); entry.Expired(now) {
		// Opportunistic purge; the entry is already masked
		_ = s.removeIfExpired(sum, now)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *Store) removeIfExpired(sum [32]byte, now time.Time) error {
	defer s.lock(sum)()

	path := s.path(sum)
	entry, err := read(path)
	if err != nil || entry == nil || !entry.Expired(now) {
		return err
	}
	return removeFile(path)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*kv.Entry, error) {
	if err := s.checkReady("set"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, kv.IOError("set", err)
	}

	now := s.now()
	sum := keyHash(key)
	defer s.lock(sum)()

	path := s.path(sum)
	prev, err := read(path)
	if err != nil {
		return nil, kv.IOError("set", err)
	}
	if prev != nil && prev.Expired(now) {
		prev = nil
	}

	data, err := json.Marshal(document{Key: key, Value: value, ExpiresAt: kv.ExpiryFor(now, ttl)})
	if err != nil {
		return nil, kv.SerializationError("set", err)
	}
	if err := s.writeAtomic(path, data); err != nil {
		return nil, kv.IOError("set", err)
	}
	return prev, nil
}

// writeAtomic writes data next to path and renames it into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// entryFiles lists the entry documents of the namespace.
func (s *Store) entryFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(dirEntries))
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entryExt) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}
	return paths, nil
}

func (s *Store) List(ctx context.Context) ([]kv.Entry, error) {
	if err := s.checkReady("list"); err != nil {
		return nil, err
	}

	paths, err := s.entryFiles()
	if err != nil {
		return nil, kv.IOError("list", err)
	}

	now := s.now()
	entries := make([]kv.Entry, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, kv.IOError("list", err)
		}
		entry, err := read(path)
		if err != nil {
			return nil, kv.IOError("list", err)
		}
		// Removed since ReadDir, or expired
		if entry == nil || entry.Expired(now) {
			continue
		}
		entries = append(entries, *entry)
	}

	slices.SortFunc(entries, func(a, b kv.Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return entries, nil
}

func (s *Store) remove(key string) error {
	sum := keyHash(key)
	defer s.lock(sum)()
	return removeFile(s.path(sum))
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkReady("remove"); err != nil {
		return err
	}
	return kv.IOError("remove", s.remove(key))
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if err := s.checkReady("remove many"); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.remove(key); err != nil {
			return kv.IOError("remove many", err)
		}
	}
	return nil
}

// Clear deletes every entry document, leaving the namespace directory in place.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkReady("clear"); err != nil {
		return err
	}

	paths, err := s.entryFiles()
	if err != nil {
		return kv.IOError("clear", err)
	}
	for _, path := range paths {
		if err := removeFile(path); err != nil {
			return kv.IOError("clear", err)
		}
	}
	return nil
}

// SweepExpired deletes expired entry documents and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	if err := s.checkReady("sweep"); err != nil {
		return 0, err
	}

	paths, err := s.entryFiles()
	if err != nil {
		return 0, kv.IOError("sweep", err)
	}

	now := s.now()
	var removed int64
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		entry, err := read(path)
		if err != nil || entry == nil || !entry.Expired(now) {
			continue
		}
		if err := s.removeIfExpired(keyHash(entry.Key), now); err != nil {
			return removed, kv.IOError("sweep", err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkReady("ping"); err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); err != nil {
		return kv.UnavailableError("ping", kv.ErrBackendIO, err)
	}
	return nil
}

// Close stops the janitor.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	janitor := s.janitor
	s.mu.Unlock()

	s.ready.Store(false)
	janitor.Stop()
	return nil
}
