package freespace

import (
	"fmt"

	"github.com/hollow-tree/objstore/internal/blobstore"
)

// CheckReport summarizes a consistency pass over the free-space tree
// against the blob file it describes.
type CheckReport struct {
	NodeCount uint64
	Errors    []string
}

// OK reports whether Check found no inconsistencies.
func (r CheckReport) OK() bool {
	return len(r.Errors) == 0
}

// Check verifies that every (offset, size) pair in the tree corresponds to
// an actual hole of that size in blob, and that the ternary ordering
// invariants hold (smaller.size < size < larger.size; an equal node has no
// smaller/larger child).
func (m *Manager) Check(blob *blobstore.File) (CheckReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report CheckReport

	err := m.each(func(addr uint64, n node) error {
		report.NodeCount++

		if n.Smaller != 0 {
			sn, err := m.readNode(n.Smaller)
			if err != nil {
				return err
			}

			if sn.Size >= n.Size {
				report.Errors = append(report.Errors,
					fmt.Sprintf("node %d: smaller child %d has size %d >= %d", addr, n.Smaller, sn.Size, n.Size))
			}
		}

		if n.Larger != 0 {
			ln, err := m.readNode(n.Larger)
			if err != nil {
				return err
			}

			if ln.Size <= n.Size {
				report.Errors = append(report.Errors,
					fmt.Sprintf("node %d: larger child %d has size %d <= %d", addr, n.Larger, ln.Size, n.Size))
			}
		}

		if n.Equal != 0 {
			en, err := m.readNode(n.Equal)
			if err != nil {
				return err
			}

			if en.Size != n.Size {
				report.Errors = append(report.Errors,
					fmt.Sprintf("node %d: equal-chain child %d has size %d != %d", addr, n.Equal, en.Size, n.Size))
			}

			if en.Smaller != 0 || en.Larger != 0 {
				report.Errors = append(report.Errors,
					fmt.Sprintf("node %d: equal-chain child %d has a smaller/larger child", n.Equal, n.Equal))
			}
		}

		info, err := blob.HeaderAt(n.BlobOffset)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("node %d: blob offset %d: %v", addr, n.BlobOffset, err))

			return nil
		}

		if info.Valid {
			report.Errors = append(report.Errors,
				fmt.Sprintf("node %d: blob offset %d holds a live record, not a hole", addr, n.BlobOffset))
		} else if info.Length+headerSize != n.Size {
			report.Errors = append(report.Errors,
				fmt.Sprintf("node %d: blob hole at %d has capacity %d, tree says region size %d",
					addr, n.BlobOffset, info.Length, n.Size))
		}

		return nil
	})
	if err != nil {
		return CheckReport{}, err
	}

	return report, nil
}
