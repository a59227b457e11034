package freespace

import "encoding/binary"

// Free-space node layout, fixed 48 bytes. There is no per-node CRC —
// unlike the B+Tree and the blob file, the free-space tree is a pure
// hint: it is always rebuildable from a scan of the blob file, so a torn
// write here costs a repair pass, never data.
const nodeSize = 48

// headerSize is the blob record header size, needed to translate between
// a hole's payload capacity and its total region size.
const headerSize = 25

// node mirrors the six 8-byte fields. Size is the *region* size (header +
// payload capacity), not the payload capacity alone, so the equal-or-larger
// threshold math in GetSpace works without a per-comparison conversion.
type node struct {
	Size       uint64
	BlobOffset uint64
	Parent     uint64
	Smaller    uint64
	Equal      uint64
	Larger     uint64
}

func encodeNode(n node) []byte {
	buf := make([]byte, nodeSize)

	binary.LittleEndian.PutUint64(buf[0:8], n.Size)
	binary.LittleEndian.PutUint64(buf[8:16], n.BlobOffset)
	binary.LittleEndian.PutUint64(buf[16:24], n.Parent)
	binary.LittleEndian.PutUint64(buf[24:32], n.Smaller)
	binary.LittleEndian.PutUint64(buf[32:40], n.Equal)
	binary.LittleEndian.PutUint64(buf[40:48], n.Larger)

	return buf
}

func decodeNode(buf []byte) node {
	return node{
		Size:       binary.LittleEndian.Uint64(buf[0:8]),
		BlobOffset: binary.LittleEndian.Uint64(buf[8:16]),
		Parent:     binary.LittleEndian.Uint64(buf[16:24]),
		Smaller:    binary.LittleEndian.Uint64(buf[24:32]),
		Equal:      binary.LittleEndian.Uint64(buf[32:40]),
		Larger:     binary.LittleEndian.Uint64(buf[40:48]),
	}
}
