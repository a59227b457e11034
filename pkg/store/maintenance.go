package store

import (
	"context"
	"fmt"
)

// WriteRaw writes bytes under id and returns the offset it landed at,
// bypassing nothing of the normal write path but exposing the offset for
// higher layers that need it (bulk migration tooling). The index is kept
// in sync exactly as Put does.
func (s *Store) WriteRaw(id uint64, data []byte) (offset uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if err := s.markDirty(); err != nil {
		return 0, err
	}

	offset, err = s.blob.Write(id, data)
	if err != nil {
		return 0, fmt.Errorf("store: write raw %d: %w", id, err)
	}

	if _, err := s.tree.Insert(id, offset); err != nil {
		return 0, fmt.Errorf("store: write raw %d: index: %w", id, err)
	}

	return offset, nil
}

// Refresh rewrites every record in place: read then write, in ascending
// id order. This is the storage-format migration hook: rewriting every
// record exercises the current compression threshold and record layout
// against data that may predate a format change.
func (s *Store) Refresh(ctx context.Context, progress ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	ids, err := s.orderedIDsLocked()
	if err != nil {
		return fmt.Errorf("store: refresh: %w", err)
	}

	if err := s.markDirty(); err != nil {
		return err
	}

	total := int64(len(ids))

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset, found, err := s.tree.Get(id)
		if err != nil {
			return fmt.Errorf("store: refresh %d: index: %w", id, err)
		}
		if !found {
			continue
		}

		data, err := s.blob.ReadAt(offset, id)
		if err != nil {
			return fmt.Errorf("store: refresh %d: read: %w", id, err)
		}

		newOffset, err := s.blob.Write(id, data)
		if err != nil {
			return fmt.Errorf("store: refresh %d: write: %w", id, err)
		}

		if _, err := s.tree.Insert(id, newOffset); err != nil {
			return fmt.Errorf("store: refresh %d: index: %w", id, err)
		}

		reportProgress(progress, int64(i+1), total)
	}

	return nil
}

// Defragment compacts the blob file (moving every valid record leftward
// to eliminate holes) and rebuilds the index and free-space map from the
// result, since defragmentation changes every record's offset.
func (s *Store) Defragment(ctx context.Context, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	ids, err := s.orderedIDsLocked()
	if err != nil {
		return fmt.Errorf("store: defragment: %w", err)
	}

	if err := s.markDirty(); err != nil {
		return err
	}

	if err := s.blob.Defragment(); err != nil {
		return fmt.Errorf("store: defragment: %w", err)
	}

	if err := s.tree.Clear(); err != nil {
		return fmt.Errorf("store: defragment: reset index: %w", err)
	}

	total := int64(len(ids))

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset, ok := s.blob.FindOffset(id)
		if !ok {
			continue
		}

		if _, err := s.tree.Insert(id, offset); err != nil {
			return fmt.Errorf("store: defragment: rebuild index for %d: %w", id, err)
		}

		reportProgress(progress, int64(i+1), total)
	}

	s.logger.Info().Int("records", len(ids)).Msg("defragment complete")

	return nil
}

// Each calls yield for every (id, offset) pair in ascending id order,
// stopping early if yield returns false.
func (s *Store) Each(yield func(id uint64, offset uint64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return s.tree.Each(yield)
}

// orderedIDsLocked snapshots the index's ids in ascending order. Callers
// must hold s.mu.
func (s *Store) orderedIDsLocked() ([]uint64, error) {
	var ids []uint64

	err := s.tree.Each(func(id, _ uint64) bool {
		ids = append(ids, id)
		return true
	})

	return ids, err
}
