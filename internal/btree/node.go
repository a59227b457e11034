package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// node is a B+Tree node of a fixed order, held in memory by nodecache and
// persisted as a fixed-size equifile record.
//
// keys has len == order; vals has len == order+1. A leaf uses only the
// first keyCount entries of keys and the first dataCount (== keyCount)
// entries of vals as values. A branch uses the first keyCount entries of
// keys and the first dataCount (== keyCount+1) entries of vals as child
// addresses.
type node struct {
	addr uint64 // equifile slot address; also this node's nodecache uid

	isLeaf    bool
	keyCount  uint16
	dataCount uint16
	parent    uint64
	prevLeaf  uint64
	nextLeaf  uint64

	keys []uint64
	vals []uint64
}

const nodeFixedBytes = 1 + 2 + 2 + 8 + 8 + 8 + 4 // flags..crc, excluding keys/vals

func nodeRecordBytes(order uint16) uint32 {
	n := uint32(order)
	return nodeFixedBytes + 8*n + 8*(n+1)
}

func newNodeValue(order uint16, isLeaf bool) *node {
	return &node{
		isLeaf: isLeaf,
		keys:   make([]uint64, order),
		vals:   make([]uint64, order+1),
	}
}

// Save implements nodecache.Saveable.
func (n *node) Save() ([]byte, error) {
	return encodeNode(n), nil
}

func encodeNode(n *node) []byte {
	order := uint16(len(n.keys))
	buf := make([]byte, nodeRecordBytes(order))

	if n.isLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], n.keyCount)
	binary.LittleEndian.PutUint16(buf[3:5], n.dataCount)
	binary.LittleEndian.PutUint64(buf[5:13], n.parent)
	binary.LittleEndian.PutUint64(buf[13:21], n.prevLeaf)
	binary.LittleEndian.PutUint64(buf[21:29], n.nextLeaf)

	off := 29
	for _, k := range n.keys {
		binary.LittleEndian.PutUint64(buf[off:off+8], k)
		off += 8
	}
	for _, v := range n.vals {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)

	return buf
}

func decodeNode(buf []byte, order uint16) (*node, error) {
	want := nodeRecordBytes(order)
	if uint32(len(buf)) != want {
		return nil, fmt.Errorf("btree: node record is %d bytes, want %d", len(buf), want)
	}

	off := len(buf) - 4

	gotCRC := binary.LittleEndian.Uint32(buf[off:])
	wantCRC := crc32.ChecksumIEEE(buf[:off])
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: node checksum mismatch", ErrFatal)
	}

	n := &node{
		isLeaf:    buf[0] == 1,
		keyCount:  binary.LittleEndian.Uint16(buf[1:3]),
		dataCount: binary.LittleEndian.Uint16(buf[3:5]),
		parent:    binary.LittleEndian.Uint64(buf[5:13]),
		prevLeaf:  binary.LittleEndian.Uint64(buf[13:21]),
		nextLeaf:  binary.LittleEndian.Uint64(buf[21:29]),
		keys:      make([]uint64, order),
		vals:      make([]uint64, order+1),
	}

	p := 29
	for i := range n.keys {
		n.keys[i] = binary.LittleEndian.Uint64(buf[p : p+8])
		p += 8
	}
	for i := range n.vals {
		n.vals[i] = binary.LittleEndian.Uint64(buf[p : p+8])
		p += 8
	}

	return n, nil
}
