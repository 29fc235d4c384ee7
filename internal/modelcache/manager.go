package modelcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	lockFileName = ".lock"

	// DefaultBudgetBytes caps the cache at 8GB unless configured otherwise.
	DefaultBudgetBytes = 8 * int64(bytesPerGB)
)

// Options configures a Manager. Zero values fall back to defaults; retry
// count and backoff are explicit so fault-injection tests can bound them.
type Options struct {
	CacheDir    string
	BudgetBytes int64
	Retries     int
	Backoff     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger

	// Fetch overrides the artifact transfer, used for fault injection in
	// tests. Nil means download from the registry URL.
	Fetch func(ctx context.Context, model Model, dest string, progress ProgressFunc) error
}

type entry struct {
	key        Key
	path       string
	sizeBytes  int64
	lastAccess time.Time
	refs       int
}

type inflight struct {
	done chan struct{}
	err  error
}

// Manager owns every loaded model handle. All cache mutations go through one
// critical section; callers hold models only through leases scoped to a
// single transcribe call.
type Manager struct {
	logger      *zap.Logger
	cacheDir    string
	budgetBytes int64
	retries     int
	backoff     time.Duration
	httpClient  *http.Client
	fileLock    *flock.Flock

	mu       sync.Mutex
	entries  map[Key]*entry
	inflight map[Key]*inflight

	// fetch is swapped in tests to count downloads and inject faults.
	fetch func(ctx context.Context, model Model, dest string, progress ProgressFunc) error
}

func NewManager(opts Options) (*Manager, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.BudgetBytes <= 0 {
		opts.BudgetBytes = DefaultBudgetBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(opts.CacheDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cache directory %s is locked by another process", opts.CacheDir)
	}

	m := &Manager{
		logger:      opts.Logger,
		cacheDir:    opts.CacheDir,
		budgetBytes: opts.BudgetBytes,
		retries:     opts.Retries,
		backoff:     opts.Backoff,
		httpClient:  opts.HTTPClient,
		fileLock:    lock,
		entries:     make(map[Key]*entry),
		inflight:    make(map[Key]*inflight),
	}
	m.fetch = opts.Fetch
	if m.fetch == nil {
		m.fetch = m.fetchFromRegistry
	}

	if err := m.rebuildIndex(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return m, nil
}

// Close releases the inter-process lock on the cache directory.
func (m *Manager) Close() error {
	return m.fileLock.Unlock()
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// rebuildIndex restores the in-memory cache index from the per-entry metadata
// records left by a previous run.
func (m *Manager) rebuildIndex() error {
	dirs, err := os.ReadDir(m.cacheDir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		entryDir := filepath.Join(m.cacheDir, d.Name())
		rec, err := readMetadata(entryDir)
		if err != nil {
			m.logger.Warn("skipping cache entry without readable metadata",
				zap.String("dir", entryDir), zap.Error(err))
			continue
		}

		artifact := filepath.Join(entryDir, rec.FileName)
		info, err := os.Stat(artifact)
		if err != nil || info.Size() != rec.SizeBytes {
			m.logger.Warn("discarding cache entry with missing or truncated artifact",
				zap.String("dir", entryDir))
			_ = os.RemoveAll(entryDir)
			continue
		}

		m.entries[rec.key()] = &entry{
			key:        rec.key(),
			path:       artifact,
			sizeBytes:  rec.SizeBytes,
			lastAccess: rec.LastAccess,
		}
	}

	if len(m.entries) > 0 {
		m.logger.Info("rebuilt model cache index",
			zap.Int("entries", len(m.entries)),
			zap.Int64("usage_bytes", m.usageBytesLocked()))
	}
	return nil
}

// Lease is a reference-counted handle to a cached model. It pins the entry
// against eviction until Release is called.
type Lease struct {
	m        *Manager
	key      Key
	path     string
	released bool
}

// Path is the on-disk location of the validated model artifact.
func (l *Lease) Path() string { return l.path }

// Release returns the lease. Safe to call once per lease on any exit path.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.m.lock()
	defer l.m.unlock()
	if e, ok := l.m.entries[l.key]; ok && e.refs > 0 {
		e.refs--
	}
}

// Get returns a lease on the cached model, downloading and validating it on
// a miss. Concurrent calls for the same key coalesce into one download; late
// callers wait for the in-flight fetch instead of duplicating it.
func (m *Manager) Get(ctx context.Context, key Key, progress ProgressFunc) (*Lease, error) {
	for {
		m.lock()
		if e, ok := m.entries[key]; ok {
			now := time.Now()
			e.lastAccess = now
			e.refs++
			path := e.path
			m.unlock()
			m.touchMetadata(key, now)
			return &Lease{m: m, key: key, path: path}, nil
		}

		if fl, ok := m.inflight[key]; ok {
			m.unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err != nil {
				return nil, fl.err
			}
			continue // entry inserted by the winner; take the hit path
		}

		fl := &inflight{done: make(chan struct{})}
		m.inflight[key] = fl
		m.unlock()

		lease, err := m.downloadAndInsert(ctx, key, progress)
		fl.err = err
		m.lock()
		delete(m.inflight, key)
		m.unlock()
		close(fl.done)

		return lease, err
	}
}

// downloadAndInsert fetches and validates the artifact, then inserts the
// entry and takes the winner's lease in one critical section so eviction can
// never reap an entry before its first caller holds it.
func (m *Manager) downloadAndInsert(ctx context.Context, key Key, progress ProgressFunc) (*Lease, error) {
	model, ok := LookupModel(key.Model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q (known models: %v)", key.Model, ModelNames())
	}

	if err := checkDiskSpace(m.cacheDir, model); err != nil {
		return nil, err
	}

	entryDir := filepath.Join(m.cacheDir, key.DirName())
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache entry directory: %w", err)
	}

	dest := filepath.Join(entryDir, model.FileName)
	m.logger.Info("downloading model",
		zap.String("model", model.Name),
		zap.String("destination", dest))

	if err := m.fetch(ctx, model, dest, progress); err != nil {
		_ = os.RemoveAll(entryDir)
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		_ = os.RemoveAll(entryDir)
		return nil, fmt.Errorf("stat downloaded artifact: %w", err)
	}

	now := time.Now()
	rec := metadataRecord{
		Model:        key.Model,
		Device:       key.Device,
		ComputeType:  key.ComputeType,
		FileName:     model.FileName,
		SizeBytes:    info.Size(),
		SHA256:       model.SHA256,
		DownloadedAt: now,
		LastAccess:   now,
	}
	if err := writeMetadata(entryDir, rec); err != nil {
		_ = os.RemoveAll(entryDir)
		return nil, err
	}

	m.lock()
	defer m.unlock()
	m.entries[key] = &entry{
		key:        key,
		path:       dest,
		sizeBytes:  info.Size(),
		lastAccess: now,
		refs:       1,
	}
	m.evictLocked()
	return &Lease{m: m, key: key, path: dest}, nil
}

func (m *Manager) fetchFromRegistry(ctx context.Context, model Model, dest string, progress ProgressFunc) error {
	return downloadModel(ctx, downloadOptions{
		model:       model,
		destination: dest,
		retries:     m.retries,
		backoff:     m.backoff,
		client:      m.httpClient,
		logger:      m.logger,
		progress:    progress,
	})
}

// evictLocked removes least-recently-accessed unleased entries until the
// cache is back under budget. Leased entries are never evicted.
func (m *Manager) evictLocked() {
	for m.usageBytesLocked() > m.budgetBytes {
		var victim *entry
		for _, e := range m.entries {
			if e.refs > 0 {
				continue
			}
			if victim == nil || e.lastAccess.Before(victim.lastAccess) {
				victim = e
			}
		}
		if victim == nil {
			m.logger.Warn("cache over budget but every entry is leased",
				zap.Int64("usage_bytes", m.usageBytesLocked()),
				zap.Int64("budget_bytes", m.budgetBytes))
			return
		}

		m.logger.Info("evicting model from cache",
			zap.Stringer("key", victim.key),
			zap.Int64("size_bytes", victim.sizeBytes))
		delete(m.entries, victim.key)
		_ = os.RemoveAll(filepath.Join(m.cacheDir, victim.key.DirName()))
	}
}

func (m *Manager) usageBytesLocked() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.sizeBytes
	}
	return total
}

// UsageBytes is the exact sum of sizes of resident entries.
func (m *Manager) UsageBytes() int64 {
	m.lock()
	defer m.unlock()
	return m.usageBytesLocked()
}

// touchMetadata persists the updated access time so the LRU order survives a
// restart. Best effort; the in-memory order is authoritative while running.
func (m *Manager) touchMetadata(key Key, at time.Time) {
	entryDir := filepath.Join(m.cacheDir, key.DirName())
	rec, err := readMetadata(entryDir)
	if err != nil {
		return
	}
	rec.LastAccess = at
	if err := writeMetadata(entryDir, rec); err != nil {
		m.logger.Debug("failed to persist access time", zap.Stringer("key", key), zap.Error(err))
	}
}

// EntryInfo describes one resident cache entry for diagnostics.
type EntryInfo struct {
	Key        Key
	Path       string
	SizeBytes  int64
	LastAccess time.Time
}

// Entries lists resident cache entries, most recently accessed first.
func (m *Manager) Entries() []EntryInfo {
	m.lock()
	defer m.unlock()

	infos := make([]EntryInfo, 0, len(m.entries))
	for _, e := range m.entries {
		infos = append(infos, EntryInfo{
			Key:        e.key,
			Path:       e.path,
			SizeBytes:  e.sizeBytes,
			LastAccess: e.lastAccess,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastAccess.After(infos[j].LastAccess)
	})
	return infos
}

// Remove deletes one unleased entry from cache and disk.
func (m *Manager) Remove(key Key) error {
	m.lock()
	defer m.unlock()

	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("model %s is not cached", key)
	}
	if e.refs > 0 {
		return fmt.Errorf("model %s is in use by an active transcription", key)
	}

	delete(m.entries, key)
	return os.RemoveAll(filepath.Join(m.cacheDir, key.DirName()))
}

// Clear removes every unleased entry.
func (m *Manager) Clear() error {
	m.lock()
	defer m.unlock()

	var firstErr error
	for key, e := range m.entries {
		if e.refs > 0 {
			continue
		}
		delete(m.entries, key)
		if err := os.RemoveAll(filepath.Join(m.cacheDir, key.DirName())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
