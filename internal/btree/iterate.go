package btree

// Get returns the value stored for key, and whether it was present. It
// performs a plain descent with no splitting or rebalancing.
func (t *Tree) Get(key uint64) (value uint64, found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leafAddr, err := t.descendToLeaf(t.ef.GetFirstEntry(), key)
	if err != nil {
		return 0, false, err
	}

	leaf, err := t.get(leafAddr)
	if err != nil {
		return 0, false, err
	}

	idx, exact := leafSearch(leaf, key)
	if !exact {
		return 0, false, nil
	}

	return leaf.vals[idx], true, nil
}

// GetBestMatch returns the entry for key if present; otherwise it scans
// forward along the leaf chain for the first key no smaller than
// key+minMissIncrement, saturating on overflow rather than wrapping.
func (t *Tree) GetBestMatch(key, minMissIncrement uint64) (matchedKey, value uint64, found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leafAddr, err := t.descendToLeaf(t.ef.GetFirstEntry(), key)
	if err != nil {
		return 0, 0, false, err
	}

	leaf, err := t.get(leafAddr)
	if err != nil {
		return 0, 0, false, err
	}

	idx, exact := leafSearch(leaf, key)
	if exact {
		return key, leaf.vals[idx], true, nil
	}

	threshold := key + minMissIncrement
	if threshold < key {
		threshold = ^uint64(0)
	}

	for {
		for i := idx; i < int(leaf.keyCount); i++ {
			if leaf.keys[i] >= threshold {
				return leaf.keys[i], leaf.vals[i], true, nil
			}
		}

		if leaf.nextLeaf == 0 {
			return 0, 0, false, nil
		}

		leaf, err = t.get(leaf.nextLeaf)
		if err != nil {
			return 0, 0, false, err
		}

		idx = 0
	}
}

// Each calls yield for every (key, value) pair in ascending key order,
// stopping early if yield returns false.
func (t *Tree) Each(yield func(key, value uint64) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr, err := t.ef.GetCustomField(firstLeafField)
	if err != nil {
		return err
	}

	for addr != 0 {
		leaf, err := t.get(addr)
		if err != nil {
			return err
		}

		for i := 0; i < int(leaf.keyCount); i++ {
			if !yield(leaf.keys[i], leaf.vals[i]) {
				return nil
			}
		}

		addr = leaf.nextLeaf
	}

	return nil
}
