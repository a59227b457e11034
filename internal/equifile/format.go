package equifile

import (
	"encoding/binary"
	"hash/crc32"
)

// EQF1 file format.
//
// The first 32 bytes hold the four core header fields: total_entries,
// total_free_slots, first_entry_addr, first_free_slot_offset. Bytes 32-43
// add a magic/version/CRC trailer so Open can distinguish a well-formed
// file from garbage before trusting anything in the header.
const (
	magicEQF1 = "EQF1"

	coreHeaderSize   = 32 // total_entries, total_free_slots, first_entry_addr, first_free_slot_offset
	trailerSize      = 12 // magic(4) + version(2) + reserved(2) + crc(4)
	fixedHeaderSize  = coreHeaderSize + trailerSize
	formatVersion    = 1
	markerFree       = byte(0)
	markerReserved   = byte(1)
	markerUsed       = byte(2)
	slotMarkerLen    = 1
	noAddr           = uint64(0) // address 0 denotes "none"
	noOffset         = uint64(0)
)

// coreHeader mirrors the four mandated fields.
type coreHeader struct {
	TotalEntries        uint64
	TotalFreeSlots       uint64
	FirstEntryAddr       uint64
	FirstFreeSlotOffset  uint64
}

func encodeCoreHeader(h coreHeader) []byte {
	buf := make([]byte, fixedHeaderSize)

	binary.LittleEndian.PutUint64(buf[0:8], h.TotalEntries)
	binary.LittleEndian.PutUint64(buf[8:16], h.TotalFreeSlots)
	binary.LittleEndian.PutUint64(buf[16:24], h.FirstEntryAddr)
	binary.LittleEndian.PutUint64(buf[24:32], h.FirstFreeSlotOffset)

	copy(buf[32:36], magicEQF1)
	binary.LittleEndian.PutUint16(buf[36:38], formatVersion)
	// bytes [38:40) reserved, left zero

	crc := crc32.ChecksumIEEE(buf[0:40])
	binary.LittleEndian.PutUint32(buf[40:44], crc)

	return buf
}

func decodeCoreHeader(buf []byte) (coreHeader, error) {
	if len(buf) < fixedHeaderSize {
		return coreHeader{}, ErrRecordSizeMismatch
	}

	if string(buf[32:36]) != magicEQF1 {
		return coreHeader{}, ErrInvalidMagic
	}

	storedCRC := binary.LittleEndian.Uint32(buf[40:44])
	computedCRC := crc32.ChecksumIEEE(buf[0:40])

	if storedCRC != computedCRC {
		return coreHeader{}, ErrHeaderCorrupt
	}

	return coreHeader{
		TotalEntries:        binary.LittleEndian.Uint64(buf[0:8]),
		TotalFreeSlots:       binary.LittleEndian.Uint64(buf[8:16]),
		FirstEntryAddr:       binary.LittleEndian.Uint64(buf[16:24]),
		FirstFreeSlotOffset:  binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// slotByteOffset computes the on-disk byte offset of slot addr (1-based),
// given the custom field region size and the configured record size.
//
// offset = header_size + custom_fields*8 + (addr-1)*(1+record_bytes)
func slotByteOffset(customFieldCount int, recordBytes uint32, addr uint64) int64 {
	base := int64(fixedHeaderSize) + int64(customFieldCount)*8
	return base + int64(addr-1)*int64(slotMarkerLen+int(recordBytes))
}

func slotTotalSize(recordBytes uint32) int64 {
	return int64(slotMarkerLen) + int64(recordBytes)
}
