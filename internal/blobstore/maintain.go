package blobstore

import (
	"fmt"
	"io"
)

// CheckReport summarizes a consistency pass over a blob file.
type CheckReport struct {
	ValidRecords uint64
	HoleRecords  uint64
	Errors       []string
}

// OK reports whether Check found no inconsistencies.
func (r CheckReport) OK() bool {
	return len(r.Errors) == 0
}

// Check verifies every header, flags its reserved bits, detects duplicate
// live ids, verifies the id→offset index, and checks holes are all tracked
// by the space provider. It never mutates the file.
func (f *File) Check() (CheckReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return CheckReport{}, ErrClosed
	}

	info, err := f.f.Stat()
	if err != nil {
		return CheckReport{}, fmt.Errorf("%w: blobstore: stat: %v", ErrFatal, err)
	}

	size := info.Size()

	var report CheckReport

	seen := map[uint64]int64{}

	var offset int64

	for offset < size {
		hdr, err := f.readHeaderAt(offset)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("offset %d: %v", offset, err))
			break
		}

		if hdr.valid() {
			report.ValidRecords++

			if prev, dup := seen[hdr.ID]; dup {
				report.Errors = append(report.Errors,
					fmt.Sprintf("duplicate live id %d at offsets %d and %d", hdr.ID, prev, offset))
			}

			seen[hdr.ID] = offset

			if idxOffset, ok := f.index[hdr.ID]; !ok || idxOffset != offset {
				report.Errors = append(report.Errors,
					fmt.Sprintf("index for id %d points at %d, found record at %d", hdr.ID, idxOffset, offset))
			}
		} else {
			report.HoleRecords++

			ok, err := f.space.HasSpace(uint64(offset), hdr.Length)
			if err != nil {
				return CheckReport{}, fmt.Errorf("blobstore: check: has space: %w", err)
			}

			if !ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("hole at offset %d (capacity %d) not tracked by free-space manager", offset, hdr.Length))
			}
		}

		offset += int64(headerSize) + int64(hdr.Length)
	}

	if offset != size {
		report.Errors = append(report.Errors,
			fmt.Sprintf("trailing %d bytes after last record do not form a full header", size-offset))
	}

	if uint64(len(f.index)) != report.ValidRecords {
		report.Errors = append(report.Errors,
			fmt.Sprintf("index has %d entries, scan found %d valid records", len(f.index), report.ValidRecords))
	}

	return report, nil
}

// Defragment moves every valid record leftward past accumulated holes,
// rewrites the index with each record's new offset, truncates trailing
// space, and discards every free-space hint (none of them describe a real
// hole anymore).
func (f *File) Defragment() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	info, err := f.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: blobstore: stat: %v", ErrFatal, err)
	}

	size := info.Size()

	var readOffset, writeOffset int64

	newIndex := make(map[uint64]int64, len(f.index))

	for readOffset < size {
		hdr, err := f.readHeaderAt(readOffset)
		if err != nil {
			return fmt.Errorf("%w: blobstore: defragment: %v", ErrFatal, err)
		}

		recordSize := int64(headerSize) + int64(hdr.Length)

		if hdr.valid() {
			if readOffset != writeOffset {
				buf := make([]byte, recordSize)

				if _, err := f.f.Seek(readOffset, io.SeekStart); err != nil {
					return fmt.Errorf("%w: blobstore: defragment: seek read: %v", ErrFatal, err)
				}

				if _, err := io.ReadFull(f.f, buf); err != nil {
					return fmt.Errorf("%w: blobstore: defragment: read: %v", ErrFatal, err)
				}

				if _, err := f.f.Seek(writeOffset, io.SeekStart); err != nil {
					return fmt.Errorf("%w: blobstore: defragment: seek write: %v", ErrFatal, err)
				}

				if _, err := f.f.Write(buf); err != nil {
					return fmt.Errorf("%w: blobstore: defragment: write: %v", ErrFatal, err)
				}
			}

			newIndex[hdr.ID] = writeOffset
			writeOffset += recordSize
		}

		readOffset += recordSize
	}

	if err := f.f.Truncate(writeOffset); err != nil {
		return fmt.Errorf("%w: blobstore: defragment: truncate: %v", ErrFatal, err)
	}

	f.index = newIndex

	return f.space.Reset()
}

// Repair rebuilds the index and (by calling AddSpace for every hole and
// every discarded duplicate it finds) the free-space map from a tolerant
// scan of the file: corrupted header spans
// are skipped byte-by-byte and, once a span of at least headerSize bytes
// of garbage is bounded by a resynchronization point, replaced with a
// synthesized hole header. A file that ends mid-record is truncated to the
// last good record boundary.
//
// Repair does not itself call Defragment; callers typically run it once
// after a crash, then optionally defragment.
func (f *File) Repair() (CheckReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return CheckReport{}, ErrClosed
	}

	info, err := f.f.Stat()
	if err != nil {
		return CheckReport{}, fmt.Errorf("%w: blobstore: stat: %v", ErrFatal, err)
	}

	size := info.Size()

	type located struct {
		offset int64
		hdr    recordHeader
	}

	var records []located

	var report CheckReport

	offset := int64(0)

	for offset < size {
		if size-offset < headerSize {
			// Trailing partial header: truncate.
			if err := f.f.Truncate(offset); err != nil {
				return CheckReport{}, fmt.Errorf("%w: blobstore: repair: truncate: %v", ErrFatal, err)
			}

			size = offset

			break
		}

		hdr, err := f.readHeaderAt(offset)
		if err != nil || int64(hdr.Length) > size-offset-headerSize {
			start := offset
			offset++

			for offset < size {
				if size-offset < headerSize {
					break
				}

				if h, err := f.readHeaderAt(offset); err == nil && int64(h.Length) <= size-offset-headerSize {
					hdr = h
					break
				}

				offset++
			}

			span := offset - start
			if span > 0 {
				report.Errors = append(report.Errors,
					fmt.Sprintf("corrupted bytes [%d, %d) resynchronized", start, offset))
			}

			if offset >= size || size-offset < headerSize {
				if err := f.f.Truncate(start); err != nil {
					return CheckReport{}, fmt.Errorf("%w: blobstore: repair: truncate: %v", ErrFatal, err)
				}

				size = start

				break
			}

			if span >= headerSize {
				capacity := uint64(span) - headerSize

				if _, err := f.f.Seek(start, io.SeekStart); err != nil {
					return CheckReport{}, fmt.Errorf("%w: blobstore: repair: seek hole: %v", ErrFatal, err)
				}

				if _, err := f.f.Write(holeHeader(capacity)); err != nil {
					return CheckReport{}, fmt.Errorf("%w: blobstore: repair: write hole: %v", ErrFatal, err)
				}

				records = append(records, located{offset: start, hdr: recordHeader{Length: capacity}})
			}

			continue
		}

		records = append(records, located{offset: offset, hdr: hdr})
		offset += int64(headerSize) + int64(hdr.Length)
	}

	kept := map[uint64]located{}

	for _, rec := range records {
		if !rec.hdr.valid() {
			continue
		}

		if existing, ok := kept[rec.hdr.ID]; ok {
			if chooseNewer(existing.hdr, rec.hdr) {
				loser := existing.hdr
				loser.Flags = 0

				if err := f.writeFlagsAt(uint64(existing.offset), loser); err != nil {
					return CheckReport{}, err
				}

				if err := f.space.AddSpace(uint64(existing.offset), existing.hdr.Length); err != nil {
					return CheckReport{}, fmt.Errorf("blobstore: repair: add space: %w", err)
				}

				kept[rec.hdr.ID] = rec
			} else {
				loser := rec.hdr
				loser.Flags = 0

				if err := f.writeFlagsAt(uint64(rec.offset), loser); err != nil {
					return CheckReport{}, err
				}

				if err := f.space.AddSpace(uint64(rec.offset), rec.hdr.Length); err != nil {
					return CheckReport{}, fmt.Errorf("blobstore: repair: add space: %w", err)
				}
			}

			continue
		}

		kept[rec.hdr.ID] = rec
	}

	newIndex := make(map[uint64]int64, len(kept))
	for id, rec := range kept {
		newIndex[id] = rec.offset
	}

	f.index = newIndex

	for _, rec := range records {
		if rec.hdr.valid() {
			continue
		}

		if err := f.space.AddSpace(uint64(rec.offset), rec.hdr.Length); err != nil {
			return CheckReport{}, fmt.Errorf("blobstore: repair: add space: %w", err)
		}
	}

	report.ValidRecords = uint64(len(kept))
	report.HoleRecords = uint64(len(records) - len(kept))

	return report, nil
}
