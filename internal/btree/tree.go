// Package btree implements an on-disk ordered map from 64-bit key to
// 64-bit value (a blob offset, from the index's point of view), backed by
// an equifile and fronted by a node cache.
//
// Insert preemptively splits full nodes on the way down so a single
// descent never has to back up; Remove deletes from the leaf first, then
// borrows from a sibling or merges two siblings on the way back up,
// recursing into the parent when a merge leaves it below its minimum. Node reads and writes are routed through
// nodecache.Cache so repeated access to the same node within one
// operation observes a single, possibly-already-modified, in-memory
// value.
package btree

import (
	"fmt"
	"sync"

	"github.com/hollow-tree/objstore/internal/equifile"
	"github.com/hollow-tree/objstore/internal/nodecache"
	"github.com/hollow-tree/objstore/pkg/fs"
)

const (
	firstLeafField = "first_leaf"
	lastLeafField  = "last_leaf"
	sizeField      = "btree_size"
)

// Tree is the B+Tree index.
//
// Tree is not safe for concurrent use; callers serialize access.
type Tree struct {
	mu sync.Mutex

	ef    *equifile.File
	cache *nodecache.Cache[*node]
	order uint16
}

// Options configure Open.
type Options struct {
	// Path is the E-file backing the tree.
	Path string

	// FS is the filesystem to operate on. Required.
	FS fs.FS

	// Order is the tree's order N (odd, 3 <= N < 65535). Required, and
	// must be passed identically on every Open of the same file - it is
	// not itself persisted, only implied by the node record length.
	Order uint16

	// CacheCapacity is the node cache's ring size (power of two). Defaults
	// to 16384 when zero.
	CacheCapacity uint64

	// FlushDelay defers non-forced cache flushes. Zero flushes every
	// non-forced call.
	FlushDelay int
}

// Open opens an existing tree, or creates a new empty one (a single empty
// leaf root) if the backing file does not exist yet.
func Open(opts Options) (*Tree, error) {
	if opts.Order < 3 || opts.Order%2 == 0 || opts.Order == 65535 {
		return nil, fmt.Errorf("%w: order must be odd, >= 3 and < 65535, got %d", ErrInvalidOrder, opts.Order)
	}

	ef, err := equifile.Open(equifile.Options{
		Path:        opts.Path,
		RecordBytes: nodeRecordBytes(opts.Order),
		FS:          opts.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("btree: open: %w", err)
	}

	for _, field := range []string{firstLeafField, lastLeafField, sizeField} {
		if err := ef.RegisterCustomField(field, 0); err != nil {
			_ = ef.Close()
			return nil, fmt.Errorf("btree: register %s: %w", field, err)
		}
	}

	t := &Tree{ef: ef, order: opts.Order}

	cache, err := nodecache.New(nodecache.Options[*node]{
		Capacity:   opts.CacheCapacity,
		FlushDelay: opts.FlushDelay,
		Load:       t.loadNode,
		Store:      t.storeNode,
	})
	if err != nil {
		_ = ef.Close()
		return nil, fmt.Errorf("btree: cache: %w", err)
	}

	t.cache = cache

	if ef.GetFirstEntry() == 0 {
		if err := t.initEmptyRoot(); err != nil {
			_ = ef.Close()
			return nil, err
		}
	}

	return t, nil
}

func (t *Tree) initEmptyRoot() error {
	root, err := t.newNode(true)
	if err != nil {
		return err
	}

	if err := t.ef.SetFirstEntry(root.addr); err != nil {
		return err
	}

	if err := t.ef.SetCustomField(firstLeafField, root.addr); err != nil {
		return err
	}

	if err := t.ef.SetCustomField(lastLeafField, root.addr); err != nil {
		return err
	}

	return t.cache.Flush(true)
}

// Close flushes pending node writes and closes the backing E-file.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.cache.Flush(true); err != nil {
		return err
	}

	return t.ef.Close()
}

// Sync flushes pending node writes and syncs the backing E-file to disk.
func (t *Tree) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.cache.Flush(true); err != nil {
		return err
	}

	return t.ef.Sync()
}

// Clear empties the tree back to a single empty leaf root.
func (t *Tree) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ef.Clear(); err != nil {
		return err
	}

	return t.initEmptyRoot()
}

// Erase removes the backing E-file from disk.
func (t *Tree) Erase() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.ef.Erase()
}

// EntriesCount returns the tree's persisted key count (the btree_size
// custom field: the sum of key_count over every leaf).
func (t *Tree) EntriesCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, _ := t.ef.GetCustomField(sizeField)
	return v
}

// FirstLeaf returns the address of the leftmost leaf.
func (t *Tree) FirstLeaf() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, _ := t.ef.GetCustomField(firstLeafField)
	return v
}

// LastLeaf returns the address of the rightmost leaf.
func (t *Tree) LastLeaf() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, _ := t.ef.GetCustomField(lastLeafField)
	return v
}

func (t *Tree) setFirstLeaf(addr uint64) error {
	return t.ef.SetCustomField(firstLeafField, addr)
}

func (t *Tree) setLastLeaf(addr uint64) error {
	return t.ef.SetCustomField(lastLeafField, addr)
}

func (t *Tree) bumpSize(delta int64) error {
	cur, err := t.ef.GetCustomField(sizeField)
	if err != nil {
		return err
	}

	return t.ef.SetCustomField(sizeField, uint64(int64(cur)+delta))
}

// minKeys returns the minimum key count for a non-root node of this
// order: a leaf must hold at least floor(N/2) keys; a branch, one fewer,
// since its key count is already one less than its child count by
// construction.
func (t *Tree) minKeys(isLeaf bool) int {
	min := int(t.order) / 2
	if !isLeaf {
		min--
	}
	return min
}

func (t *Tree) full(n *node) bool {
	return n.keyCount == t.order
}

func (t *Tree) loadNode(addr uint64) (*node, error) {
	buf, err := t.ef.Retrieve(addr)
	if err != nil {
		return nil, fmt.Errorf("btree: read node %d: %w", addr, err)
	}

	n, err := decodeNode(buf, t.order)
	if err != nil {
		return nil, fmt.Errorf("btree: decode node %d: %w", addr, err)
	}

	n.addr = addr

	return n, nil
}

func (t *Tree) storeNode(addr uint64, data []byte) error {
	return t.ef.Store(addr, data)
}

// get fetches the node at addr through the cache, so repeated reads of the
// same address within a single operation always observe the same,
// possibly-already-modified, in-memory node.
func (t *Tree) get(addr uint64) (*node, error) {
	if addr == 0 {
		return nil, fmt.Errorf("btree: node address 0")
	}

	return t.cache.Get(addr)
}

// put marks n modified in the cache after an in-place mutation.
func (t *Tree) put(n *node) {
	t.cache.Put(n.addr, n)
}

// newNode allocates a fresh E-file slot and registers it with the cache as
// modified, so it is flushed the next time the cache flushes.
func (t *Tree) newNode(isLeaf bool) (*node, error) {
	addr, err := t.ef.AllocateSlot()
	if err != nil {
		return nil, fmt.Errorf("btree: allocate node: %w", err)
	}

	n := newNodeValue(t.order, isLeaf)
	n.addr = addr

	t.put(n)

	return n, nil
}

// deleteNode frees addr's E-file slot and drops it from the cache.
func (t *Tree) deleteNode(addr uint64) error {
	t.cache.Delete(addr)
	return t.ef.Delete(addr)
}
