package store

import (
	"context"
	"fmt"
)

// ClearMarks resets the mark set to empty, sized to the current entry
// count. Call before a mark phase.
func (s *Store) ClearMarks() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.blob.ClearMarks(); err != nil {
		return fmt.Errorf("store: clear marks: %w", err)
	}

	return nil
}

// Mark records id as reachable for the current sweep.
func (s *Store) Mark(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.blob.Mark(id); err != nil {
		return fmt.Errorf("store: mark %d: %w", id, err)
	}

	return nil
}

// IsMarked reports whether id was marked during the current sweep.
func (s *Store) IsMarked(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	marked, err := s.blob.IsMarked(id)
	if err != nil {
		return false, fmt.Errorf("store: is marked %d: %w", id, err)
	}

	return marked, nil
}

// Sweep deletes every record whose id was not marked since the last
// ClearMarks, returning the deleted ids.
func (s *Store) Sweep(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if err := s.markDirty(); err != nil {
		return nil, err
	}

	var deleted []uint64
	var indexErr error

	_, err := s.blob.DeleteUnmarked(func(id uint64) {
		deleted = append(deleted, id)

		if _, _, err := s.tree.Remove(id); err != nil && indexErr == nil {
			indexErr = fmt.Errorf("store: sweep: remove %d from index: %w", id, err)
		}
	})
	if err != nil {
		return deleted, fmt.Errorf("store: sweep: %w", err)
	}

	if indexErr != nil {
		return deleted, indexErr
	}

	s.logger.Info().Int("deleted", len(deleted)).Msg("sweep complete")

	return deleted, nil
}
