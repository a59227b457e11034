package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hollow-tree/objstore/internal/blobstore"
)

// Put writes bytes under id, overwriting any existing record. The blob
// file decides physical placement (reusing a free-space hole or appending
// at EOF); the index is then updated to point at the new offset.
func (s *Store) Put(ctx context.Context, id uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.markDirty(); err != nil {
		return err
	}

	offset, err := s.blob.Write(id, data)
	if err != nil {
		return fmt.Errorf("store: put %d: %w", id, err)
	}

	if _, err := s.tree.Insert(id, offset); err != nil {
		return fmt.Errorf("store: put %d: index: %w", id, err)
	}

	return nil
}

// Get returns the bytes stored under id, and whether it was present. The
// index maps id to a blob offset; the blob file reads and checksums the
// record there.
func (s *Store) Get(ctx context.Context, id uint64) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	offset, found, err := s.tree.Get(id)
	if err != nil {
		return nil, false, fmt.Errorf("store: get %d: index: %w", id, err)
	}

	if !found {
		return nil, false, nil
	}

	data, err := s.blob.ReadAt(offset, id)
	if err != nil {
		if blobErrNotFound(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("store: get %d: %w", id, err)
	}

	return data, true, nil
}

// Delete removes id's record, returning true if it was present. The index
// entry is removed first, then the blob record's valid flag is cleared
// and its region returned to the free-space manager.
func (s *Store) Delete(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	_, found, err := s.tree.Remove(id)
	if err != nil {
		return false, fmt.Errorf("store: delete %d: index: %w", id, err)
	}

	if !found {
		return false, nil
	}

	if err := s.markDirty(); err != nil {
		return false, err
	}

	if err := s.blob.Delete(id); err != nil {
		return false, fmt.Errorf("store: delete %d: %w", id, err)
	}

	return true, nil
}

// Contains reports whether id currently has a live record, without
// reading its payload.
func (s *Store) Contains(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	_, found, err := s.tree.Get(id)
	if err != nil {
		return false, fmt.Errorf("store: contains %d: %w", id, err)
	}

	return found, nil
}

func blobErrNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}
