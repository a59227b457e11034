package freespace

import "fmt"

func (m *Manager) readNode(addr uint64) (node, error) {
	buf, err := m.ef.Retrieve(addr)
	if err != nil {
		return node{}, fmt.Errorf("freespace: read node %d: %w", addr, err)
	}

	return decodeNode(buf), nil
}

func (m *Manager) writeNode(addr uint64, n node) error {
	if err := m.ef.Store(addr, encodeNode(n)); err != nil {
		return fmt.Errorf("freespace: write node %d: %w", addr, err)
	}

	return nil
}

// insertLocked creates a new node of the given region size at blobOffset and
// links it into the tree by size, chaining same-size duplicates off the
// equal pointer of the first node found with that size.
func (m *Manager) insertLocked(size, blobOffset uint64) (uint64, error) {
	addr, err := m.ef.AllocateSlot()
	if err != nil {
		return 0, fmt.Errorf("freespace: allocate node: %w", err)
	}

	n := node{Size: size, BlobOffset: blobOffset}

	root := m.ef.GetFirstEntry()
	if root == 0 {
		if err := m.writeNode(addr, n); err != nil {
			return 0, err
		}

		if err := m.ef.SetFirstEntry(addr); err != nil {
			return 0, fmt.Errorf("freespace: set root: %w", err)
		}

		return addr, nil
	}

	cur := root

	for {
		curNode, err := m.readNode(cur)
		if err != nil {
			return 0, err
		}

		switch {
		case size < curNode.Size:
			if curNode.Smaller == 0 {
				n.Parent = cur
				if err := m.writeNode(addr, n); err != nil {
					return 0, err
				}

				curNode.Smaller = addr

				return addr, m.writeNode(cur, curNode)
			}

			cur = curNode.Smaller

		case size > curNode.Size:
			if curNode.Larger == 0 {
				n.Parent = cur
				if err := m.writeNode(addr, n); err != nil {
					return 0, err
				}

				curNode.Larger = addr

				return addr, m.writeNode(cur, curNode)
			}

			cur = curNode.Larger

		default:
			last := cur
			lastNode := curNode

			for lastNode.Equal != 0 {
				last = lastNode.Equal

				lastNode, err = m.readNode(last)
				if err != nil {
					return 0, err
				}
			}

			n.Parent = last
			if err := m.writeNode(addr, n); err != nil {
				return 0, err
			}

			lastNode.Equal = addr

			return addr, m.writeNode(last, lastNode)
		}
	}
}

// descendEqualOrLarger finds the smallest hole that is equal to or larger
// than need: take an exact match immediately; for a node larger than need,
// take it only if the leftover would legally host a hole header, after
// first trying the smaller subtree for a tighter fit; a node in the dead
// zone between need and that threshold searches only its smaller subtree.
func (m *Manager) descendEqualOrLarger(cur, need uint64) (uint64, bool, error) {
	if cur == 0 {
		return 0, false, nil
	}

	n, err := m.readNode(cur)
	if err != nil {
		return 0, false, err
	}

	switch {
	case n.Size == need:
		return cur, true, nil

	case n.Size < need:
		return m.descendEqualOrLarger(n.Larger, need)

	case n.Size >= 2*need+headerSize:
		if addr, ok, err := m.descendEqualOrLarger(n.Smaller, need); err != nil {
			return 0, false, err
		} else if ok {
			return addr, true, nil
		}

		return cur, true, nil

	default:
		return m.descendEqualOrLarger(n.Smaller, need)
	}
}

// removeLocked unlinks addr from the tree, replacing it with the
// equal-chain successor if any, else the lone remaining child, else the
// largest node in the smaller subtree.
func (m *Manager) removeLocked(addr uint64) error {
	n, err := m.readNode(addr)
	if err != nil {
		return err
	}

	var replacement uint64

	switch {
	case n.Equal != 0:
		replacement = n.Equal

		replNode, err := m.readNode(replacement)
		if err != nil {
			return err
		}

		replNode.Smaller = n.Smaller
		replNode.Larger = n.Larger

		if n.Smaller != 0 {
			if err := m.reparent(n.Smaller, replacement); err != nil {
				return err
			}
		}

		if n.Larger != 0 {
			if err := m.reparent(n.Larger, replacement); err != nil {
				return err
			}
		}

		if err := m.writeNode(replacement, replNode); err != nil {
			return err
		}

	case n.Smaller != 0 && n.Larger == 0:
		replacement = n.Smaller

	case n.Larger != 0 && n.Smaller == 0:
		replacement = n.Larger

	case n.Smaller == 0 && n.Larger == 0:
		replacement = 0

	default:
		pred := n.Smaller

		predNode, err := m.readNode(pred)
		if err != nil {
			return err
		}

		for predNode.Larger != 0 {
			pred = predNode.Larger

			predNode, err = m.readNode(pred)
			if err != nil {
				return err
			}
		}

		if predNode.Parent != addr {
			predParent, err := m.readNode(predNode.Parent)
			if err != nil {
				return err
			}

			predParent.Larger = predNode.Smaller

			if predNode.Smaller != 0 {
				if err := m.reparent(predNode.Smaller, predNode.Parent); err != nil {
					return err
				}
			}

			if err := m.writeNode(predNode.Parent, predParent); err != nil {
				return err
			}

			predNode.Smaller = n.Smaller

			if n.Smaller != 0 && n.Smaller != pred {
				if err := m.reparent(n.Smaller, pred); err != nil {
					return err
				}
			}
		}

		predNode.Larger = n.Larger

		if n.Larger != 0 {
			if err := m.reparent(n.Larger, pred); err != nil {
				return err
			}
		}

		if err := m.writeNode(pred, predNode); err != nil {
			return err
		}

		replacement = pred
	}

	if n.Parent == 0 {
		if err := m.ef.SetFirstEntry(replacement); err != nil {
			return fmt.Errorf("freespace: set root: %w", err)
		}
	} else {
		parentNode, err := m.readNode(n.Parent)
		if err != nil {
			return err
		}

		switch {
		case parentNode.Smaller == addr:
			parentNode.Smaller = replacement
		case parentNode.Larger == addr:
			parentNode.Larger = replacement
		case parentNode.Equal == addr:
			parentNode.Equal = replacement
		}

		if err := m.writeNode(n.Parent, parentNode); err != nil {
			return err
		}
	}

	if replacement != 0 {
		if err := m.reparentTo(replacement, n.Parent); err != nil {
			return err
		}
	}

	return m.ef.Delete(addr)
}

// reparent sets child's parent pointer to newParent and persists it.
func (m *Manager) reparent(child, newParent uint64) error {
	childNode, err := m.readNode(child)
	if err != nil {
		return err
	}

	childNode.Parent = newParent

	return m.writeNode(child, childNode)
}

// reparentTo is reparent with the node already known to need only the
// parent pointer overwritten (used for direct single-child promotions).
func (m *Manager) reparentTo(child, newParent uint64) error {
	return m.reparent(child, newParent)
}

// each walks every node in the tree (order unspecified) for Check and
// accelerator rebuilds.
func (m *Manager) each(visit func(addr uint64, n node) error) error {
	root := m.ef.GetFirstEntry()
	if root == 0 {
		return nil
	}

	return m.eachFrom(root, visit)
}

func (m *Manager) eachFrom(addr uint64, visit func(addr uint64, n node) error) error {
	if addr == 0 {
		return nil
	}

	n, err := m.readNode(addr)
	if err != nil {
		return err
	}

	if err := visit(addr, n); err != nil {
		return err
	}

	if err := m.eachFrom(n.Smaller, visit); err != nil {
		return err
	}

	if err := m.eachFrom(n.Equal, visit); err != nil {
		return err
	}

	return m.eachFrom(n.Larger, visit)
}
