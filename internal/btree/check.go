package btree

import "fmt"

// CheckReport summarizes a structural verification pass over the tree.
type CheckReport struct {
	Entries     uint64
	Leaves      int
	BranchNodes int
	Height      int
	Errors      []string
}

// OK reports whether no structural problems were found.
func (r CheckReport) OK() bool {
	return len(r.Errors) == 0
}

// Check walks the tree verifying key ordering, parent/child consistency,
// the leaf chain, and the persisted size field against the actual leaf
// key counts. It never repairs anything; see pkg/store for recovery.
func (t *Tree) Check() (CheckReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var report CheckReport

	rootAddr := t.ef.GetFirstEntry()
	if rootAddr == 0 {
		report.Errors = append(report.Errors, "no root address recorded")
		return report, nil
	}

	_, _, err := t.checkSubtree(rootAddr, 0, nil, nil, &report)
	if err != nil {
		return report, err
	}

	sizeField, err := t.ef.GetCustomField(sizeField)
	if err != nil {
		return report, err
	}

	if sizeField != report.Entries {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"btree_size field is %d, but leaves hold %d entries", sizeField, report.Entries))
	}

	if err := t.checkLeafChain(&report); err != nil {
		return report, err
	}

	return report, nil
}

// checkSubtree verifies the subtree rooted at addr, returning its minimum
// and maximum keys (for bound-checking by the caller) along with any
// error that prevented further traversal.
func (t *Tree) checkSubtree(addr uint64, depth int, lowerBound, upperBound *uint64, report *CheckReport) (min, max uint64, err error) {
	n, err := t.get(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("btree: check: read node %d: %w", addr, err)
	}

	if depth > 0 && int(n.keyCount) < t.minKeys(n.isLeaf) {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"node %d has %d keys, below minimum %d", addr, n.keyCount, t.minKeys(n.isLeaf)))
	}

	for i := 1; i < int(n.keyCount); i++ {
		if n.keys[i-1] >= n.keys[i] {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"node %d keys not strictly ascending at index %d", addr, i))
		}
	}

	if lowerBound != nil && n.keyCount > 0 && n.keys[0] < *lowerBound {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"node %d's first key %d is below its lower bound %d", addr, n.keys[0], *lowerBound))
	}
	if upperBound != nil && n.keyCount > 0 && n.keys[n.keyCount-1] >= *upperBound {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"node %d's last key %d is at or above its upper bound %d", addr, n.keys[n.keyCount-1], *upperBound))
	}

	if n.isLeaf {
		report.Leaves++
		report.Entries += uint64(n.keyCount)

		if n.keyCount == 0 {
			return 0, 0, nil
		}

		return n.keys[0], n.keys[n.keyCount-1], nil
	}

	report.BranchNodes++

	if int(n.dataCount) != int(n.keyCount)+1 {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"branch %d has %d keys but %d children", addr, n.keyCount, n.dataCount))
	}

	var firstMin, lastMax uint64
	haveFirst := false

	for i := 0; i < int(n.dataCount); i++ {
		childAddr := n.vals[i]

		child, err := t.get(childAddr)
		if err != nil {
			return 0, 0, fmt.Errorf("btree: check: read child %d of node %d: %w", childAddr, addr, err)
		}

		if child.parent != addr {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"node %d's parent pointer is %d, expected %d", childAddr, child.parent, addr))
		}

		var lb, ub *uint64
		if i > 0 {
			lb = &n.keys[i-1]
		}
		if i < int(n.keyCount) {
			ub = &n.keys[i]
		}

		childMin, childMax, err := t.checkSubtree(childAddr, depth+1, lb, ub, report)
		if err != nil {
			return 0, 0, err
		}

		if !haveFirst {
			firstMin = childMin
			haveFirst = true
		}
		lastMax = childMax
	}

	return firstMin, lastMax, nil
}

// checkLeafChain walks first_leaf..last_leaf and compares the walk's
// endpoints against the persisted custom fields.
func (t *Tree) checkLeafChain(report *CheckReport) error {
	first, err := t.ef.GetCustomField(firstLeafField)
	if err != nil {
		return err
	}

	last, err := t.ef.GetCustomField(lastLeafField)
	if err != nil {
		return err
	}

	if first == 0 {
		return nil
	}

	addr := first
	var prev uint64
	var seen uint64

	for addr != 0 {
		leaf, err := t.get(addr)
		if err != nil {
			return fmt.Errorf("btree: check: leaf chain read %d: %w", addr, err)
		}

		if leaf.prevLeaf != prev {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"leaf %d's prevLeaf is %d, expected %d", addr, leaf.prevLeaf, prev))
		}

		prev = addr
		seen++

		if leaf.nextLeaf == 0 && addr != last {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"leaf chain ends at %d, but last_leaf field says %d", addr, last))
		}

		addr = leaf.nextLeaf

		if int(seen) > report.Leaves {
			report.Errors = append(report.Errors, "leaf chain does not terminate within the known leaf count (possible cycle)")
			break
		}
	}

	return nil
}
