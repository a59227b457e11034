package equifile

import (
	"fmt"
	"io"
)

func (e *File) baseOffsetLocked() int64 {
	return int64(fixedHeaderSize) + int64(len(e.customFields))*8
}

func (e *File) totalSlotsLocked() (uint64, error) {
	info, err := e.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: equifile: stat: %v", ErrFatal, err)
	}

	size := info.Size()
	base := e.baseOffsetLocked()

	if size < base {
		return 0, fmt.Errorf("%w: equifile: file shorter than header", ErrFatal)
	}

	slotSize := slotTotalSize(e.recordBytes)

	return uint64((size - base) / slotSize), nil
}

func (e *File) slotOffsetLocked(addr uint64) int64 {
	return slotByteOffset(len(e.customFields), e.recordBytes, addr)
}

func (e *File) readMarkerLocked(offset int64) (byte, error) {
	buf := make([]byte, 1)

	_, err := e.f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("%w: equifile: seek marker: %v", ErrFatal, err)
	}

	_, err = io.ReadFull(e.f, buf)
	if err != nil {
		return 0, fmt.Errorf("%w: equifile: read marker: %v", ErrFatal, err)
	}

	return buf[0], nil
}

func (e *File) writeMarkerLocked(offset int64, marker byte) error {
	_, err := e.f.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek marker: %v", ErrFatal, err)
	}

	_, err = e.f.Write([]byte{marker})
	if err != nil {
		return fmt.Errorf("%w: equifile: write marker: %v", ErrFatal, err)
	}

	return nil
}

// AllocateSlot reserves a slot, popping the free-slot chain head if
// non-empty, otherwise appending a fresh reserved slot at EOF. The slot is
// marked reserved until Store or Delete is called on it.
func (e *File) AllocateSlot() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	if err := e.finalizeLocked(); err != nil {
		return 0, err
	}

	if e.header.FirstFreeSlotOffset != noOffset {
		offset := int64(e.header.FirstFreeSlotOffset)

		marker, err := e.readMarkerLocked(offset)
		if err != nil {
			return 0, err
		}

		if marker != markerFree {
			return 0, fmt.Errorf("%w: equifile: free-chain head at %d has marker %d", ErrFatal, offset, marker)
		}

		nextBuf := make([]byte, 8)

		_, err = io.ReadFull(e.f, nextBuf)
		if err != nil {
			return 0, fmt.Errorf("%w: equifile: read free-chain next: %v", ErrFatal, err)
		}

		if err := e.writeMarkerLocked(offset, markerReserved); err != nil {
			return 0, err
		}

		e.header.FirstFreeSlotOffset = leUint64(nextBuf)
		e.header.TotalFreeSlots--

		if err := e.writeHeaderLocked(); err != nil {
			return 0, err
		}

		addr := addrFromOffset(e.baseOffsetLocked(), e.recordBytes, offset)

		return addr, nil
	}

	totalSlots, err := e.totalSlotsLocked()
	if err != nil {
		return 0, err
	}

	addr := totalSlots + 1
	offset := e.slotOffsetLocked(addr)

	slot := make([]byte, slotTotalSize(e.recordBytes))
	slot[0] = markerReserved

	_, err = e.f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("%w: equifile: seek new slot: %v", ErrFatal, err)
	}

	_, err = e.f.Write(slot)
	if err != nil {
		return 0, fmt.Errorf("%w: equifile: append new slot: %v", ErrFatal, err)
	}

	return addr, nil
}

func addrFromOffset(base int64, recordBytes uint32, offset int64) uint64 {
	return uint64((offset-base)/slotTotalSize(recordBytes)) + 1
}

func (e *File) validateAddrLocked(addr uint64) error {
	if addr == noAddr {
		return fmt.Errorf("%w: slot address must be > 0", ErrInvalidAddr)
	}

	totalSlots, err := e.totalSlotsLocked()
	if err != nil {
		return err
	}

	if addr > totalSlots {
		return fmt.Errorf("%w: addr %d > %d total slots", ErrInvalidAddr, addr, totalSlots)
	}

	return nil
}

// Store writes payload (which must be exactly RecordBytes long) to addr,
// promoting the slot's marker to used. Requires the slot to currently be
// reserved or used.
func (e *File) Store(addr uint64, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.finalizeLocked(); err != nil {
		return err
	}

	if err := e.validateAddrLocked(addr); err != nil {
		return err
	}

	if uint32(len(payload)) != e.recordBytes {
		return fmt.Errorf("%w: got %d want %d", ErrRecordSizeMismatch, len(payload), e.recordBytes)
	}

	offset := e.slotOffsetLocked(addr)

	marker, err := e.readMarkerLocked(offset)
	if err != nil {
		return err
	}

	if marker != markerReserved && marker != markerUsed {
		return fmt.Errorf("%w: addr %d has marker %d, want reserved or used", ErrMarkerMismatch, addr, marker)
	}

	_, err = e.f.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek store: %v", ErrFatal, err)
	}

	buf := make([]byte, slotTotalSize(e.recordBytes))
	buf[0] = markerUsed
	copy(buf[1:], payload)

	_, err = e.f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: equifile: write store: %v", ErrFatal, err)
	}

	if marker == markerReserved {
		e.header.TotalEntries++

		if err := e.writeHeaderLocked(); err != nil {
			return err
		}
	}

	return nil
}

// Retrieve reads the payload stored at addr. The slot must be used.
func (e *File) Retrieve(addr uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if err := e.finalizeLocked(); err != nil {
		return nil, err
	}

	if err := e.validateAddrLocked(addr); err != nil {
		return nil, err
	}

	offset := e.slotOffsetLocked(addr)

	marker, err := e.readMarkerLocked(offset)
	if err != nil {
		return nil, err
	}

	if marker != markerUsed {
		return nil, fmt.Errorf("%w: addr %d has marker %d, want used", ErrMarkerMismatch, addr, marker)
	}

	payload := make([]byte, e.recordBytes)

	_, err = io.ReadFull(e.f, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: equifile: read payload: %v", ErrFatal, err)
	}

	return payload, nil
}

// Delete frees addr, pushing it onto the head of the free-slot chain. If the
// freed slot (or a run of free slots ending at EOF) is at the tail of the
// file, the file is truncated and the corresponding chain links removed.
func (e *File) Delete(addr uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.finalizeLocked(); err != nil {
		return err
	}

	if err := e.validateAddrLocked(addr); err != nil {
		return err
	}

	offset := e.slotOffsetLocked(addr)

	marker, err := e.readMarkerLocked(offset)
	if err != nil {
		return err
	}

	if marker != markerReserved && marker != markerUsed {
		return fmt.Errorf("%w: addr %d has marker %d, want reserved or used", ErrMarkerMismatch, addr, marker)
	}

	if marker == markerUsed {
		e.header.TotalEntries--
	}

	nextOffset := e.header.FirstFreeSlotOffset

	buf := make([]byte, slotTotalSize(e.recordBytes))
	buf[0] = markerFree
	putLeUint64(buf[1:9], nextOffset)

	_, err = e.f.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek delete: %v", ErrFatal, err)
	}

	_, err = e.f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: equifile: write delete: %v", ErrFatal, err)
	}

	e.header.FirstFreeSlotOffset = uint64(offset)
	e.header.TotalFreeSlots++

	if err := e.writeHeaderLocked(); err != nil {
		return err
	}

	return e.trimTrailingFreeSlotsLocked()
}

// trimTrailingFreeSlotsLocked scans backward from EOF, unlinking and
// truncating any run of free slots at the tail of the file.
func (e *File) trimTrailingFreeSlotsLocked() error {
	for {
		totalSlots, err := e.totalSlotsLocked()
		if err != nil {
			return err
		}

		if totalSlots == 0 {
			return nil
		}

		lastAddr := totalSlots
		offset := e.slotOffsetLocked(lastAddr)

		marker, err := e.readMarkerLocked(offset)
		if err != nil {
			return err
		}

		if marker != markerFree {
			return nil
		}

		nextBuf := make([]byte, 8)

		_, err = io.ReadFull(e.f, nextBuf)
		if err != nil {
			return fmt.Errorf("%w: equifile: read trailing free next: %v", ErrFatal, err)
		}

		myNext := leUint64(nextBuf)

		if err := e.unlinkFreeOffsetLocked(uint64(offset), myNext); err != nil {
			return err
		}

		if err := e.f.Truncate(offset); err != nil {
			return fmt.Errorf("%w: equifile: truncate: %v", ErrFatal, err)
		}
	}
}

// unlinkFreeOffsetLocked removes offset from the free-slot singly linked
// list, knowing its "next" pointer value ahead of time (so callers can
// truncate the file right after, without needing to re-read offset).
func (e *File) unlinkFreeOffsetLocked(offset, myNext uint64) error {
	if e.header.FirstFreeSlotOffset == offset {
		e.header.FirstFreeSlotOffset = myNext
		e.header.TotalFreeSlots--

		return e.writeHeaderLocked()
	}

	cur := e.header.FirstFreeSlotOffset

	for cur != noOffset {
		nextBuf := make([]byte, 8)

		_, err := e.f.Seek(int64(cur)+1, io.SeekStart)
		if err != nil {
			return fmt.Errorf("%w: equifile: seek chain walk: %v", ErrFatal, err)
		}

		_, err = io.ReadFull(e.f, nextBuf)
		if err != nil {
			return fmt.Errorf("%w: equifile: read chain walk: %v", ErrFatal, err)
		}

		curNext := leUint64(nextBuf)

		if curNext == offset {
			_, err = e.f.Seek(int64(cur)+1, io.SeekStart)
			if err != nil {
				return fmt.Errorf("%w: equifile: seek chain relink: %v", ErrFatal, err)
			}

			relink := make([]byte, 8)
			putLeUint64(relink, myNext)

			_, err = e.f.Write(relink)
			if err != nil {
				return fmt.Errorf("%w: equifile: write chain relink: %v", ErrFatal, err)
			}

			e.header.TotalFreeSlots--

			return e.writeHeaderLocked()
		}

		cur = curNext
	}

	return fmt.Errorf("%w: equifile: free slot at offset %d not found in chain", ErrFatal, offset)
}
