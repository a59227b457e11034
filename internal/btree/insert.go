package btree

import "fmt"

// Insert adds (key, value) to the tree. Inserting an existing key
// overwrites its value without affecting EntriesCount; a genuinely new key
// increments it. Returns true if an existing key was overwritten.
func (t *Tree) Insert(key, value uint64) (overwritten bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootAddr := t.ef.GetFirstEntry()

	root, err := t.get(rootAddr)
	if err != nil {
		return false, err
	}

	if t.full(root) {
		newRootAddr, err := t.splitRoot(root)
		if err != nil {
			return false, err
		}
		rootAddr = newRootAddr
	}

	return t.insertInto(rootAddr, key, value)
}

// splitRoot wraps a full root under a brand-new branch root, then performs
// the ordinary child split against it.
func (t *Tree) splitRoot(root *node) (uint64, error) {
	newRoot, err := t.newNode(false)
	if err != nil {
		return 0, err
	}

	newRoot.vals[0] = root.addr
	newRoot.dataCount = 1
	t.put(newRoot)

	root.parent = newRoot.addr
	t.put(root)

	if err := t.ef.SetFirstEntry(newRoot.addr); err != nil {
		return 0, err
	}

	if _, _, err := t.splitChild(newRoot, 0, root); err != nil {
		return 0, err
	}

	return newRoot.addr, nil
}

// insertInto descends from addr, preemptively splitting any full child
// before stepping into it, and inserts (key, value) into the leaf reached.
func (t *Tree) insertInto(addr uint64, key, value uint64) (bool, error) {
	n, err := t.get(addr)
	if err != nil {
		return false, err
	}

	if n.isLeaf {
		return t.insertIntoLeaf(n, key, value)
	}

	idx := branchChildIndex(n, key)
	childAddr := n.vals[idx]

	child, err := t.get(childAddr)
	if err != nil {
		return false, err
	}

	if t.full(child) {
		promoted, rightAddr, err := t.splitChild(n, idx, child)
		if err != nil {
			return false, err
		}

		if key >= promoted {
			childAddr = rightAddr
		} else {
			childAddr = child.addr
		}
	}

	return t.insertInto(childAddr, key, value)
}

func (t *Tree) insertIntoLeaf(n *node, key, value uint64) (bool, error) {
	idx, exact := leafSearch(n, key)

	if exact {
		n.vals[idx] = value
		t.put(n)
		return true, nil
	}

	copy(n.keys[idx+1:n.keyCount+1], n.keys[idx:n.keyCount])
	copy(n.vals[idx+1:n.keyCount+1], n.vals[idx:n.keyCount])
	n.keys[idx] = key
	n.vals[idx] = value
	n.keyCount++
	n.dataCount++

	t.put(n)

	if err := t.bumpSize(1); err != nil {
		return false, err
	}

	return false, nil
}

// splitChild splits an overfull child of parent (at child index idx) into
// child (left) and a new right sibling, inserting the promoted separator
// key and the new sibling's address into parent at idx.
//
// Leaf split: both halves keep their keys, the separator is a copy of the
// right half's first key (standard B+Tree leaf split). Branch split: the
// median key is removed from the node and promoted, not duplicated.
func (t *Tree) splitChild(parent *node, idx int, child *node) (promoted uint64, rightAddr uint64, err error) {
	order := uint16(len(child.keys))
	mid := int(order) / 2

	right, err := t.newNode(child.isLeaf)
	if err != nil {
		return 0, 0, err
	}

	if child.isLeaf {
		promoted = child.keys[mid]

		rightCount := int(child.keyCount) - mid
		copy(right.keys[:rightCount], child.keys[mid:child.keyCount])
		copy(right.vals[:rightCount], child.vals[mid:child.keyCount])
		right.keyCount = uint16(rightCount)
		right.dataCount = uint16(rightCount)

		clearFrom(child.keys, mid, int(child.keyCount))
		clearFrom(child.vals, mid, int(child.keyCount))
		child.keyCount = uint16(mid)
		child.dataCount = uint16(mid)

		right.prevLeaf = child.addr
		right.nextLeaf = child.nextLeaf

		if child.nextLeaf != 0 {
			next, err := t.get(child.nextLeaf)
			if err != nil {
				return 0, 0, err
			}

			next.prevLeaf = right.addr
			t.put(next)
		} else if err := t.setLastLeaf(right.addr); err != nil {
			return 0, 0, err
		}

		child.nextLeaf = right.addr
	} else {
		promoted = child.keys[mid]

		rightKeyCount := int(child.keyCount) - mid - 1
		rightChildCount := rightKeyCount + 1

		copy(right.keys[:rightKeyCount], child.keys[mid+1:child.keyCount])
		copy(right.vals[:rightChildCount], child.vals[mid+1:int(child.keyCount)+1])
		right.keyCount = uint16(rightKeyCount)
		right.dataCount = uint16(rightChildCount)

		for i := 0; i < rightChildCount; i++ {
			c, err := t.get(right.vals[i])
			if err != nil {
				return 0, 0, err
			}

			c.parent = right.addr
			t.put(c)
		}

		clearFrom(child.keys, mid, int(child.keyCount))
		clearFrom(child.vals, mid+1, int(child.keyCount)+1)
		child.keyCount = uint16(mid)
		child.dataCount = uint16(mid + 1)
	}

	right.parent = parent.addr
	t.put(right)
	t.put(child)

	if err := insertSeparator(parent, idx, promoted, right.addr); err != nil {
		return 0, 0, err
	}

	t.put(parent)

	return promoted, right.addr, nil
}

// insertSeparator inserts key as parent's new separator at position idx,
// with rightAddr as the child immediately to its right.
func insertSeparator(parent *node, idx int, key, rightAddr uint64) error {
	if int(parent.keyCount) >= len(parent.keys) {
		return fmt.Errorf("btree: parent %d has no room for a new separator", parent.addr)
	}

	copy(parent.keys[idx+1:parent.keyCount+1], parent.keys[idx:parent.keyCount])
	copy(parent.vals[idx+2:parent.dataCount+1], parent.vals[idx+1:parent.dataCount])
	parent.keys[idx] = key
	parent.vals[idx+1] = rightAddr
	parent.keyCount++
	parent.dataCount++

	return nil
}

func clearFrom(s []uint64, from, to int) {
	for i := from; i < to; i++ {
		s[i] = 0
	}
}
