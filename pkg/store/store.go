// Package store wires the equifile-backed index and free-space manager,
// the blob file, the node cache, the mark set, and a lock file into a
// public key-value object store.
//
// Store is a thin coordinator struct holding every backing handle, opened
// and closed together, with a dirty lock file acquired on the first
// pending mutation and released on Sync/Close standing in as the
// unclean-shutdown signal: a lock file still present at Open means the
// previous run did not shut down cleanly.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollow-tree/objstore/internal/blobstore"
	"github.com/hollow-tree/objstore/internal/btree"
	"github.com/hollow-tree/objstore/internal/freespace"
	"github.com/hollow-tree/objstore/internal/lockfile"
	"github.com/hollow-tree/objstore/internal/markset"
	"github.com/hollow-tree/objstore/pkg/fs"
)

const (
	blobFileName  = "database.blobs"
	indexFileName = "index.blobs"
	spaceFileName = "database_spaces.blobs"
	dirtyFileName = "index.dirty"
	marksFileName = "marks.blobs"

	defaultTreeOrder      = 65
	defaultCacheCapacity  = 16384
	defaultFlushDelay     = 64
	defaultLockTimeout    = 5 * time.Second
	defaultLockMaxRetries = 3
	dirtyLockRetryPause   = 100 * time.Millisecond
)

// Options configure Open.
type Options struct {
	// Dir is the directory holding every file the store owns. Created if
	// it does not exist.
	Dir string

	// TreeOrder is the B+Tree's order N (odd, 3 <= N < 65535). Defaults to
	// 65. Must be reused identically on every Open of the same directory:
	// it is not persisted, only implied by the node record size.
	TreeOrder int

	// CacheCapacity is the node cache's ring size (power of two). Defaults
	// to 16384.
	CacheCapacity int

	// FlushDelay defers non-forced node cache flushes by this many calls.
	// Defaults to 64.
	FlushDelay int

	// LockTimeout is how old the dirty lock file must be, with an
	// unreachable owning pid, before acquiring the dirty lock (on the first
	// mutation) treats it as stale and removes it. Open itself only logs a
	// warning when the file is present. Defaults to 5s.
	LockTimeout time.Duration

	// LockMaxRetries bounds retries when acquiring the dirty lock.
	// Defaults to 3.
	LockMaxRetries int

	// Logger receives structured events for recoverable errors and
	// repair/defragment/sweep progress. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// FS is the filesystem to operate on. Defaults to fs.NewReal().
	FS fs.FS
}

func (o *Options) setDefaults() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: Dir is required", ErrInvalidOptions)
	}

	if o.TreeOrder == 0 {
		o.TreeOrder = defaultTreeOrder
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = defaultCacheCapacity
	}
	if o.FlushDelay == 0 {
		o.FlushDelay = defaultFlushDelay
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.LockMaxRetries == 0 {
		o.LockMaxRetries = defaultLockMaxRetries
	}
	if o.Logger == nil {
		disabled := zerolog.Nop()
		o.Logger = &disabled
	}
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	return nil
}

// Store is the open object store. Not safe for concurrent use; callers
// serialize access.
type Store struct {
	mu sync.Mutex

	fsys   fs.FS
	logger zerolog.Logger

	space *freespace.Manager
	marks *markset.Set
	blob  *blobstore.File
	tree  *btree.Tree

	lockOpts lockfile.Options
	dirty    *lockfile.Lock

	closed bool
}

// Open opens a store rooted at opts.Dir, creating it if absent.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: context is nil", ErrInvalidOptions)
	}

	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	if opts.TreeOrder < 3 || opts.TreeOrder%2 == 0 || opts.TreeOrder >= 65535 {
		return nil, fmt.Errorf("%w: TreeOrder must be odd and in [3, 65535), got %d", ErrInvalidOptions, opts.TreeOrder)
	}

	if err := opts.FS.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create %q: %w", opts.Dir, err)
	}

	s := &Store{
		fsys:   opts.FS,
		logger: *opts.Logger,
	}

	var err error

	s.space, err = freespace.Open(freespace.Options{
		Path: filepath.Join(opts.Dir, spaceFileName),
		FS:   opts.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open free-space manager: %w", err)
	}

	s.marks, err = markset.Open(markset.Options{
		Path: filepath.Join(opts.Dir, marksFileName),
		FS:   opts.FS,
	})
	if err != nil {
		_ = s.space.Close()
		return nil, fmt.Errorf("store: open mark set: %w", err)
	}

	s.blob, err = blobstore.Open(blobstore.Options{
		Path:  filepath.Join(opts.Dir, blobFileName),
		FS:    opts.FS,
		Space: s.space,
		Marks: s.marks,
	})
	if err != nil {
		_ = s.space.Close()
		return nil, fmt.Errorf("store: open blob file: %w", err)
	}

	s.tree, err = btree.Open(btree.Options{
		Path:          filepath.Join(opts.Dir, indexFileName),
		FS:            opts.FS,
		Order:         uint16(opts.TreeOrder),
		CacheCapacity: uint64(opts.CacheCapacity),
		FlushDelay:    opts.FlushDelay,
	})
	if err != nil {
		_ = s.blob.Close()
		_ = s.space.Close()
		return nil, fmt.Errorf("store: open index: %w", err)
	}

	lockPath := filepath.Join(opts.Dir, dirtyFileName)

	s.lockOpts = lockfile.Options{
		Path:       lockPath,
		FS:         opts.FS,
		StaleAfter: opts.LockTimeout,
		MaxRetries: opts.LockMaxRetries,
		RetryPause: dirtyLockRetryPause,
	}

	if wasLocked, err := lockfile.IsLocked(opts.FS, lockPath); err == nil && wasLocked {
		s.logger.Warn().Str("dir", opts.Dir).Msg("store opened with a dirty lock file present; a prior run may not have shut down cleanly, consider Check(repair=true)")
	}

	return s, nil
}

// markDirty acquires the dirty lock on the first mutation after Open or
// after the last Sync/Close released it.
func (s *Store) markDirty() error {
	if s.dirty != nil {
		return nil
	}

	lk, err := lockfile.Acquire(s.lockOpts)
	if err != nil {
		return fmt.Errorf("store: acquire dirty lock: %w", err)
	}

	s.dirty = lk

	return nil
}

func (s *Store) clearDirty() error {
	if s.dirty == nil {
		return nil
	}

	err := s.dirty.Close()
	s.dirty = nil

	if err != nil {
		return fmt.Errorf("store: release dirty lock: %w", err)
	}

	return nil
}

// Sync flushes and fsyncs every backing file, then releases the dirty
// lock: after Sync returns, every completed mutation prior to the call is
// durable.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.tree.Sync(); err != nil {
		return fmt.Errorf("store: sync index: %w", err)
	}

	if err := s.space.Sync(); err != nil {
		return fmt.Errorf("store: sync free-space manager: %w", err)
	}

	if err := s.blob.Sync(); err != nil {
		return fmt.Errorf("store: sync blob file: %w", err)
	}

	return s.clearDirty()
}

// Close syncs and closes every backing file. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.tree.Sync(); err != nil {
		note(fmt.Errorf("store: sync index: %w", err))
	}
	if err := s.space.Sync(); err != nil {
		note(fmt.Errorf("store: sync free-space manager: %w", err))
	}
	if err := s.blob.Sync(); err != nil {
		note(fmt.Errorf("store: sync blob file: %w", err))
	}

	note(s.clearDirty())

	note(s.tree.Close())
	note(s.space.Close())
	note(s.blob.Close())
	note(s.marks.Close())

	s.closed = true

	return firstErr
}
