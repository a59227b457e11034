package freespace

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// accelerator is an in-memory, exact-size-only index over the persisted
// tree: a plain hash bucket array keyed through xxhash rather than Go's
// built-in map hash, an explicit, fast, non-adversarial hash fine for a
// single-process context. It only ever answers "is there a node of
// exactly this size", the common-case fast path; the persisted tree
// remains authoritative and is what Check validates against.
type accelerator struct {
	buckets [][]uint64 // bucket -> node addrs, grouped by exact size
	sizeOf  map[uint64]uint64
	n       int
}

const acceleratorBucketCount = 1024

func newAccelerator() *accelerator {
	return &accelerator{
		buckets: make([][]uint64, acceleratorBucketCount),
		sizeOf:  make(map[uint64]uint64),
	}
}

func (a *accelerator) bucketIndex(size uint64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], size)

	return int(xxhash.Sum64(b[:]) % uint64(len(a.buckets)))
}

func (a *accelerator) add(addr, size uint64) {
	idx := a.bucketIndex(size)
	a.buckets[idx] = append(a.buckets[idx], addr)
	a.sizeOf[addr] = size
	a.n++
}

func (a *accelerator) remove(addr uint64) {
	size, ok := a.sizeOf[addr]
	if !ok {
		return
	}

	idx := a.bucketIndex(size)
	bucket := a.buckets[idx]

	for i, v := range bucket {
		if v == addr {
			a.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	delete(a.sizeOf, addr)
	a.n--
}

// findExact returns a node address of exactly size, if any.
func (a *accelerator) findExact(size uint64) (uint64, bool) {
	idx := a.bucketIndex(size)

	for _, addr := range a.buckets[idx] {
		if a.sizeOf[addr] == size {
			return addr, true
		}
	}

	return 0, false
}

func (a *accelerator) reset() {
	a.buckets = make([][]uint64, acceleratorBucketCount)
	a.sizeOf = make(map[uint64]uint64)
	a.n = 0
}
