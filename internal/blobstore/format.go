package blobstore

import (
	"encoding/binary"
	"hash/crc32"
)

// Record header layout, fixed 25 bytes, little-endian.
const (
	headerSize = 25

	flagValid      = byte(1 << 0)
	flagCompressed = byte(1 << 2)
	flagOutdated   = byte(1 << 3)
	flagsReserved  = byte(0xF0) // bits 4-7 must be zero

	// compressThreshold is the payload size above which write() applies
	// DEFLATE before computing payload_crc.
	compressThreshold = 256
)

type recordHeader struct {
	Flags      byte
	Length     uint64 // payload byte count on disk (post-compression)
	ID         uint64
	PayloadCRC uint32
	HeaderCRC  uint32
}

func (h recordHeader) valid() bool      { return h.Flags&flagValid != 0 }
func (h recordHeader) compressed() bool { return h.Flags&flagCompressed != 0 }
func (h recordHeader) outdated() bool   { return h.Flags&flagOutdated != 0 }

func encodeHeader(h recordHeader) []byte {
	buf := make([]byte, headerSize)

	buf[0] = h.Flags
	binary.LittleEndian.PutUint64(buf[1:9], h.Length)
	binary.LittleEndian.PutUint64(buf[9:17], h.ID)
	binary.LittleEndian.PutUint32(buf[17:21], h.PayloadCRC)

	crc := crc32.ChecksumIEEE(buf[0:21])
	binary.LittleEndian.PutUint32(buf[21:25], crc)

	return buf
}

func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < headerSize {
		return recordHeader{}, ErrShortHeader
	}

	h := recordHeader{
		Flags:      buf[0],
		Length:     binary.LittleEndian.Uint64(buf[1:9]),
		ID:         binary.LittleEndian.Uint64(buf[9:17]),
		PayloadCRC: binary.LittleEndian.Uint32(buf[17:21]),
		HeaderCRC:  binary.LittleEndian.Uint32(buf[21:25]),
	}

	if h.Flags&flagsReserved != 0 {
		return recordHeader{}, ErrHeaderCorrupt
	}

	if crc32.ChecksumIEEE(buf[0:21]) != h.HeaderCRC {
		return recordHeader{}, ErrHeaderCorrupt
	}

	return h, nil
}

// holeHeader builds the header for a free-space hole of the given payload
// capacity: flags 0, length == capacity, id/payload_crc 0.
func holeHeader(capacity uint64) []byte {
	return encodeHeader(recordHeader{Flags: 0, Length: capacity})
}
