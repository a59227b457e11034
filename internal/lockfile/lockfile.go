// Package lockfile implements a named file guarded by an advisory
// exclusive lock, carrying the owning process id as its payload so a
// stale lock left behind by a dead process can be detected and cleared.
//
// lockfile is built directly on [fs.Locker]/[fs.Lock]: flock(2) already
// gives an exclusive, inode-safe advisory lock with non-blocking try
// semantics, so Acquire only adds the pid payload and the stale-process
// terminate/kill escalation around it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hollow-tree/objstore/pkg/fs"
)

// Options configure Acquire.
type Options struct {
	// Path is the lock file to create/acquire.
	Path string

	// FS is the filesystem to operate on. Required.
	FS fs.FS

	// StaleAfter is how old an unreachable lock file must be before it is
	// considered abandoned and eligible for takeover. Required, must be > 0.
	StaleAfter time.Duration

	// MaxRetries bounds how many times Acquire retries after finding the
	// lock held (by a live owner, or mid-escalation on a stale one) before
	// giving up with [ErrTimedOut]. Required, must be > 0.
	MaxRetries int

	// RetryPause is the delay between retries. Required, must be > 0.
	RetryPause time.Duration
}

func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidOptions)
	}
	if o.FS == nil {
		return fmt.Errorf("%w: FS is required", ErrInvalidOptions)
	}
	if o.StaleAfter <= 0 {
		return fmt.Errorf("%w: StaleAfter must be > 0", ErrInvalidOptions)
	}
	if o.MaxRetries <= 0 {
		return fmt.Errorf("%w: MaxRetries must be > 0", ErrInvalidOptions)
	}
	if o.RetryPause <= 0 {
		return fmt.Errorf("%w: RetryPause must be > 0", ErrInvalidOptions)
	}
	return nil
}

// Lock represents a held lock file. Call [Lock.Close] to release it and
// remove the file.
type Lock struct {
	opts Options
	lk   *fs.Lock
}

// Acquire takes the lock at opts.Path, writing the current process id into
// it on success and keeping the underlying descriptor open for the
// returned Lock's lifetime.
//
// If the lock is already held, Acquire inspects the file: when it is older
// than opts.StaleAfter and its recorded pid no longer names a live process,
// the owner is escalated (SIGTERM, a short grace period, then SIGKILL if
// still alive), the stale file is removed, and acquisition is retried.
// Otherwise Acquire waits opts.RetryPause and retries. It gives up with
// [ErrTimedOut] once opts.MaxRetries retries (opts.MaxRetries+1 attempts
// in all) have found the lock held.
func Acquire(opts Options) (*Lock, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	locker := fs.NewLocker(opts.FS)

	for attempt := 0; ; attempt++ {
		lk, err := locker.TryLock(opts.Path)
		if err == nil {
			if writeErr := writePID(opts.FS, opts.Path, os.Getpid()); writeErr != nil {
				_ = lk.Close()
				return nil, fmt.Errorf("lockfile: writing pid: %w", writeErr)
			}

			return &Lock{opts: opts, lk: lk}, nil
		}

		if !errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("lockfile: acquiring %s: %w", opts.Path, err)
		}

		if attempt >= opts.MaxRetries {
			return nil, fmt.Errorf("%w: %s after %d retries", ErrTimedOut, opts.Path, opts.MaxRetries)
		}

		stale, staleErr := checkStale(opts)
		if staleErr != nil {
			return nil, fmt.Errorf("lockfile: inspecting %s: %w", opts.Path, staleErr)
		}

		if stale {
			if err := breakStaleLock(opts); err != nil {
				return nil, fmt.Errorf("lockfile: clearing stale lock %s: %w", opts.Path, err)
			}
			continue
		}

		time.Sleep(opts.RetryPause)
	}
}

// Close releases the lock and removes the lock file from disk.
//
// Close is idempotent - calling it multiple times is safe.
func (l *Lock) Close() error {
	if l.lk == nil {
		return nil
	}

	unlockErr := l.lk.Close()
	l.lk = nil

	removeErr := l.opts.FS.Remove(l.opts.Path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		if unlockErr != nil {
			return fmt.Errorf("lockfile: unlock: %v; remove: %w", unlockErr, removeErr)
		}
		return fmt.Errorf("lockfile: removing %s: %w", l.opts.Path, removeErr)
	}

	if unlockErr != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", l.opts.Path, unlockErr)
	}

	return nil
}

// IsLocked reports whether a lock file currently exists at path. This is a
// presence test only - it does not attempt to acquire the lock or judge
// liveness.
func IsLocked(fsys fs.FS, path string) (bool, error) {
	_, err := fsys.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("lockfile: stat %s: %w", path, err)
}

func writePID(fsys fs.FS, path string, pid int) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	_, writeErr := f.Write([]byte(strconv.Itoa(pid)))
	syncErr := f.Sync()
	closeErr := f.Close()

	if writeErr != nil {
		return writeErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// checkStale reports whether the lock file at opts.Path is both older than
// opts.StaleAfter and owned by a pid that is no longer live.
func checkStale(opts Options) (bool, error) {
	info, err := opts.FS.Stat(opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if time.Since(info.ModTime()) < opts.StaleAfter {
		return false, nil
	}

	pid, err := readPID(opts.FS, opts.Path)
	if err != nil {
		return false, nil
	}

	return !processAlive(pid), nil
}

func readPID(fsys fs.FS, path string) (int, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(buf[:n])))
}

// processAlive reports whether pid names a process that is still running,
// using the signal-0 idiom: sending signal 0 performs error checking
// without actually delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}

	return !errors.Is(err, syscall.ESRCH)
}

// breakStaleLock escalates the abandoned owner (if still somehow alive)
// with SIGTERM then SIGKILL, and removes the lock file so the next
// iteration of Acquire's loop can take it over.
func breakStaleLock(opts Options) error {
	pid, err := readPID(opts.FS, opts.Path)
	if err == nil && pid > 0 {
		terminateStaleOwner(pid)
	}

	if err := opts.FS.Remove(opts.Path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

const killGracePeriod = 200 * time.Millisecond

func terminateStaleOwner(pid int) {
	if !processAlive(pid) {
		return
	}

	_ = syscall.Kill(pid, syscall.SIGTERM)
	time.Sleep(killGracePeriod)

	if processAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
