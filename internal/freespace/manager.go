// Package freespace implements a ternary search tree keyed by hole size,
// persisted in an equifile, backing the blob file's hole-reuse decisions.
//
// Manager is a pure hint: every (offset, size) pair it tracks must
// correspond to an actual hole in the blob file, but the tree itself
// carries no authority — a scan of the blob file (blobstore.Repair) always
// rebuilds it from scratch, so corruption here costs a rebuild, never
// data.
package freespace

import (
	"fmt"
	"sync"

	"github.com/hollow-tree/objstore/internal/equifile"
	"github.com/hollow-tree/objstore/pkg/fs"
)

// Manager is the free-space tree, satisfying blobstore.SpaceProvider.
//
// Manager is not safe for concurrent use; callers serialize access.
type Manager struct {
	mu sync.Mutex

	ef    *equifile.File
	accel *accelerator
}

// Options configure Open.
type Options struct {
	Path string
	FS   fs.FS
}

// Open opens or creates the free-space E-file and rebuilds the in-memory
// exact-match accelerator from its persisted tree.
func Open(opts Options) (*Manager, error) {
	ef, err := equifile.Open(equifile.Options{
		Path:        opts.Path,
		RecordBytes: nodeSize,
		FS:          opts.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("freespace: open: %w", err)
	}

	m := &Manager{ef: ef, accel: newAccelerator()}

	if err := m.each(func(addr uint64, n node) error {
		m.accel.add(addr, n.Size)
		return nil
	}); err != nil {
		_ = ef.Close()
		return nil, fmt.Errorf("freespace: rebuild accelerator: %w", err)
	}

	return m, nil
}

// Close closes the underlying E-file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ef.Close()
}

// Sync flushes the underlying E-file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ef.Sync()
}

// Clear empties the tree back to a fresh state.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ef.Clear(); err != nil {
		return err
	}

	m.accel.reset()

	return nil
}

// Erase removes the underlying E-file from disk.
func (m *Manager) Erase() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ef.Erase()
}

// AddSpace registers a newly freed hole of the given payload capacity.
func (m *Manager) AddSpace(offset, capacity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := capacity + headerSize

	addr, err := m.insertLocked(size, offset)
	if err != nil {
		return err
	}

	m.accel.add(addr, size)

	return nil
}

// GetSpace returns a region able to host need bytes (header included),
// using the accelerator for an O(1) exact match before falling back to a
// full equal-or-larger descent of the persisted tree.
func (m *Manager) GetSpace(need uint64) (uint64, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr, ok := m.accel.findExact(need); ok {
		n, err := m.readNode(addr)
		if err != nil {
			return 0, 0, false, err
		}

		if err := m.removeLocked(addr); err != nil {
			return 0, 0, false, err
		}

		m.accel.remove(addr)

		return n.BlobOffset, n.Size, true, nil
	}

	root := m.ef.GetFirstEntry()

	addr, ok, err := m.descendEqualOrLarger(root, need)
	if err != nil {
		return 0, 0, false, err
	}

	if !ok {
		return 0, 0, false, nil
	}

	n, err := m.readNode(addr)
	if err != nil {
		return 0, 0, false, err
	}

	if err := m.removeLocked(addr); err != nil {
		return 0, 0, false, err
	}

	m.accel.remove(addr)

	return n.BlobOffset, n.Size, true, nil
}

// HasSpace reports whether a region of the given payload capacity is
// currently tracked at offset.
func (m *Manager) HasSpace(offset, capacity uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := capacity + headerSize

	found := false

	err := m.each(func(_ uint64, n node) error {
		if n.BlobOffset == offset && n.Size == size {
			found = true
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// Reset discards every tracked free region (used after blobstore.Defragment).
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ef.Clear(); err != nil {
		return err
	}

	m.accel.reset()

	return nil
}
