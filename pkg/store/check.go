package store

import (
	"context"
	"fmt"

	"github.com/hollow-tree/objstore/internal/blobstore"
	"github.com/hollow-tree/objstore/internal/btree"
	"github.com/hollow-tree/objstore/internal/freespace"
)

// CheckReport aggregates the three component-level consistency reports:
// the blob file's header/index/duplicate scan, the free-space manager's
// tracked-hole verification, and the B+Tree's structural verification.
type CheckReport struct {
	Blob      blobstore.CheckReport
	FreeSpace freespace.CheckReport
	Index     btree.CheckReport

	// Repaired is true if Check was called with repair=true and a repair
	// pass actually ran (some component was inconsistent).
	Repaired bool
}

// OK reports whether every component is consistent.
func (r CheckReport) OK() bool {
	return r.Blob.OK() && r.FreeSpace.OK() && r.Index.OK()
}

// ErrorCount returns the total number of inconsistencies found across all
// three components.
func (r CheckReport) ErrorCount() int {
	return len(r.Blob.Errors) + len(r.FreeSpace.Errors) + len(r.Index.Errors)
}

// Check verifies internal consistency across every component without
// mutating anything. With repair=true, an inconsistent blob file is
// reconstructed from a tolerant scan (internal/blobstore.Repair), the
// free-space map is reset and rebuilt from that scan's holes, and the
// index is rebuilt from the repaired blob file's surviving records; Check
// then re-verifies and returns the post-repair report.
func (s *Store) Check(ctx context.Context, repair bool) (CheckReport, error) {
	if err := ctx.Err(); err != nil {
		return CheckReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CheckReport{}, ErrClosed
	}

	report, err := s.checkOnceLocked()
	if err != nil {
		return CheckReport{}, err
	}

	s.logInconsistencies(report)

	if !repair || report.OK() {
		return report, nil
	}

	if err := s.markDirty(); err != nil {
		return report, err
	}

	s.logger.Warn().Int("errors", report.ErrorCount()).Msg("repairing store")

	if err := s.space.Reset(); err != nil {
		return report, fmt.Errorf("store: repair: reset free-space manager: %w", err)
	}

	if _, err := s.blob.Repair(); err != nil {
		return report, fmt.Errorf("store: repair: blob file: %w", err)
	}

	if err := s.tree.Clear(); err != nil {
		return report, fmt.Errorf("store: repair: reset index: %w", err)
	}

	var rebuildErr error
	if err := s.blob.Each(func(id, offset uint64) bool {
		if _, err := s.tree.Insert(id, offset); err != nil {
			rebuildErr = fmt.Errorf("store: repair: rebuild index for %d: %w", id, err)
			return false
		}
		return true
	}); err != nil {
		return report, fmt.Errorf("store: repair: %w", err)
	}
	if rebuildErr != nil {
		return report, rebuildErr
	}

	final, err := s.checkOnceLocked()
	if err != nil {
		return final, err
	}

	final.Repaired = true

	s.logger.Info().Bool("ok", final.OK()).Msg("repair complete")

	return final, nil
}

func (s *Store) checkOnceLocked() (CheckReport, error) {
	var report CheckReport

	blobReport, err := s.blob.Check()
	if err != nil {
		return report, fmt.Errorf("store: check: blob file: %w", err)
	}
	report.Blob = blobReport

	spaceReport, err := s.space.Check(s.blob)
	if err != nil {
		return report, fmt.Errorf("store: check: free-space manager: %w", err)
	}
	report.FreeSpace = spaceReport

	treeReport, err := s.tree.Check()
	if err != nil {
		return report, fmt.Errorf("store: check: index: %w", err)
	}
	report.Index = treeReport

	return report, nil
}

func (s *Store) logInconsistencies(report CheckReport) {
	if report.OK() {
		return
	}

	s.logger.Warn().
		Int("blob_errors", len(report.Blob.Errors)).
		Int("free_space_errors", len(report.FreeSpace.Errors)).
		Int("index_errors", len(report.Index.Errors)).
		Msg("check found inconsistencies")
}
