// Package blobstore implements a variable-length record file that backs
// object payloads.
//
// Every slot in the file is either a valid record (flags bit 0 set) or a
// free hole (flags byte 0, length describing the hole's payload capacity).
// blobstore never decides hole reuse policy itself — that lives behind the
// SpaceProvider it is opened with (internal/freespace in production) — but
// it does own the write/read/delete state machine and the outdated-bit
// crash-safety protocol: the old copy of a record has its outdated bit set
// before the new copy is written, and is only cleared once the new copy is
// in place, so a crash in between leaves at most one non-outdated live copy
// for recovery to keep.
package blobstore

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/hollow-tree/objstore/pkg/fs"
)

// SpaceProvider is the free-space manager dependency B asks for placement
// and returns freed regions to. Satisfied by internal/freespace.Manager.
type SpaceProvider interface {
	// GetSpace returns a region able to host need bytes (header + payload),
	// either an exact fit or one large enough to legally host a trailing
	// hole header after carving out need bytes. ok is false if no region
	// qualifies, in which case the caller appends at EOF.
	GetSpace(need uint64) (offset uint64, size uint64, ok bool, err error)

	// AddSpace registers a newly freed hole of the given payload capacity
	// at offset (the hole header itself already occupies headerSize bytes
	// starting at offset; capacity is the usable bytes after it).
	AddSpace(offset uint64, capacity uint64) error

	// HasSpace reports whether a region of the given capacity is currently
	// tracked at offset. Used by Check.
	HasSpace(offset uint64, capacity uint64) (bool, error)

	// Reset discards every tracked free region. Used after Defragment,
	// which physically removes every hole.
	Reset() error
}

// MarkSet is the sweep-support dependency. Satisfied by internal/markset.Set.
type MarkSet interface {
	Clear(sizeHint uint64) error
	Mark(id uint64) error
	IsMarked(id uint64) (bool, error)
}

// Options configure Open.
type Options struct {
	Path  string
	FS    fs.FS
	Space SpaceProvider
	Marks MarkSet
}

// File is an open blob file.
//
// File is not safe for concurrent use; callers serialize access.
type File struct {
	mu sync.Mutex

	fsys  fs.FS
	f     fs.File
	path  string
	space SpaceProvider
	marks MarkSet

	// index maps live record id to its current on-disk offset. Rebuilt by
	// a sequential scan at Open and kept in sync by every mutation.
	index map[uint64]int64

	closed bool
}

// Open opens an existing blob file or creates an empty one. The in-memory
// id→offset index is rebuilt by a sequential scan; a corrupt header aborts
// Open with a fatal error — recovery belongs to Repair, not Open.
func Open(opts Options) (*File, error) {
	if opts.Space == nil {
		return nil, fmt.Errorf("blobstore: Space provider is required")
	}

	if opts.Marks == nil {
		return nil, fmt.Errorf("blobstore: Marks set is required")
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	exists, err := fsys.Exists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat %q: %w", opts.Path, err)
	}

	flag := os.O_RDWR
	if !exists {
		flag |= os.O_CREATE | os.O_EXCL
	}

	file, err := fsys.OpenFile(opts.Path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %q: %w", opts.Path, err)
	}

	bf := &File{
		fsys:  fsys,
		f:     file,
		path:  opts.Path,
		space: opts.Space,
		marks: opts.Marks,
		index: map[uint64]int64{},
	}

	if err := bf.rebuildIndexLocked(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return bf, nil
}

// rebuildIndexLocked performs the fast, non-recovering sequential scan used
// by Open: every header must decode cleanly. Duplicate live ids (a write
// that crashed between marking the old copy outdated and clearing it) are
// resolved by keeping the non-outdated copy, or the larger if neither is
// outdated.
func (f *File) rebuildIndexLocked() error {
	info, err := f.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: blobstore: stat: %v", ErrFatal, err)
	}

	size := info.Size()

	headers := map[uint64]struct {
		offset int64
		hdr    recordHeader
	}{}

	var offset int64

	for offset < size {
		hdr, err := f.readHeaderAt(offset)
		if err != nil {
			return fmt.Errorf("%w: blobstore: corrupt header at offset %d (run repair): %v", ErrFatal, offset, err)
		}

		if hdr.valid() {
			if existing, ok := headers[hdr.ID]; ok {
				keepNew := chooseNewer(existing.hdr, hdr)
				if keepNew {
					headers[hdr.ID] = struct {
						offset int64
						hdr    recordHeader
					}{offset, hdr}
				}
			} else {
				headers[hdr.ID] = struct {
					offset int64
					hdr    recordHeader
				}{offset, hdr}
			}
		}

		offset += int64(headerSize) + int64(hdr.Length)
	}

	f.index = make(map[uint64]int64, len(headers))
	for id, e := range headers {
		f.index[id] = e.offset
	}

	return nil
}

// chooseNewer decides, between two headers sharing an id, whether candidate
// should replace current: prefer the non-outdated one; if both or neither
// are outdated, prefer the larger (the later write in a swap always grows
// or holds the same length relative to what it replaces, in the common
// case; ties keep the existing entry).
func chooseNewer(current, candidate recordHeader) bool {
	if current.outdated() && !candidate.outdated() {
		return true
	}

	if !current.outdated() && candidate.outdated() {
		return false
	}

	return candidate.Length > current.Length
}

func (f *File) readHeaderAt(offset int64) (recordHeader, error) {
	buf := make([]byte, headerSize)

	_, err := f.f.Seek(offset, io.SeekStart)
	if err != nil {
		return recordHeader{}, fmt.Errorf("seek: %w", err)
	}

	_, err = io.ReadFull(f.f, buf)
	if err != nil {
		return recordHeader{}, fmt.Errorf("read: %w", err)
	}

	return decodeHeader(buf)
}

// Sync flushes the underlying file descriptor to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	return f.f.Sync()
}

// Close closes the underlying file descriptor. Idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true

	return f.f.Close()
}

// Write stores payload under id, returning its new offset. If id already
// has a live record, the old copy is marked outdated before the new one is
// written (so a crash mid-write never leaves two non-outdated copies live),
// then cleared and its region returned to the space provider once the new
// write lands.
func (f *File) Write(id uint64, payload []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	oldOffset, hadOld := f.index[id]
	var oldHeader recordHeader

	if hadOld {
		var err error

		oldHeader, err = f.readHeaderAt(oldOffset)
		if err != nil {
			return 0, fmt.Errorf("%w: blobstore: write: read old header: %v", ErrFatal, err)
		}

		oldHeader.Flags |= flagOutdated

		if err := f.writeFlagsAt(uint64(oldOffset), oldHeader); err != nil {
			return 0, err
		}
	}

	body := payload
	flags := flagValid
	crc := crc32.ChecksumIEEE(payload)

	if len(payload) > compressThreshold {
		compressed, err := deflate(payload)
		if err != nil {
			return 0, fmt.Errorf("%w: blobstore: deflate: %v", ErrFatal, err)
		}

		body = compressed
		flags |= flagCompressed
		crc = crc32.ChecksumIEEE(compressed)
	}

	need := uint64(headerSize) + uint64(len(body))

	offset, size, ok, err := f.space.GetSpace(need)
	if err != nil {
		return 0, fmt.Errorf("blobstore: write: get space: %w", err)
	}

	if !ok {
		info, err := f.f.Stat()
		if err != nil {
			return 0, fmt.Errorf("%w: blobstore: stat: %v", ErrFatal, err)
		}

		offset = uint64(info.Size())
		size = need
	}

	hdr := recordHeader{Flags: flags, Length: uint64(len(body)), ID: id, PayloadCRC: crc}

	buf := append(encodeHeader(hdr), body...)

	if _, err := f.f.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: blobstore: seek write: %v", ErrFatal, err)
	}

	if _, err := f.f.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: blobstore: write record: %v", ErrFatal, err)
	}

	if leftover := size - need; leftover > 0 {
		if leftover < headerSize {
			return 0, fmt.Errorf("%w: blobstore: space provider returned an illegal partial fit", ErrFatal)
		}

		capacity := leftover - headerSize
		holeOffset := offset + need

		if _, err := f.f.Seek(int64(holeOffset), io.SeekStart); err != nil {
			return 0, fmt.Errorf("%w: blobstore: seek hole: %v", ErrFatal, err)
		}

		if _, err := f.f.Write(holeHeader(capacity)); err != nil {
			return 0, fmt.Errorf("%w: blobstore: write hole: %v", ErrFatal, err)
		}

		if err := f.space.AddSpace(holeOffset, capacity); err != nil {
			return 0, fmt.Errorf("blobstore: write: add leftover space: %w", err)
		}
	}

	f.index[id] = int64(offset)

	if hadOld {
		oldHeader.Flags = 0

		if err := f.writeFlagsAt(uint64(oldOffset), oldHeader); err != nil {
			return 0, err
		}

		if err := f.space.AddSpace(uint64(oldOffset), oldHeader.Length); err != nil {
			return 0, fmt.Errorf("blobstore: write: reclaim old space: %w", err)
		}
	}

	return offset, nil
}

// writeFlagsAt rewrites the header at offset with hdr's flags, recomputing
// HeaderCRC over the new flags byte so the header still decodes cleanly on
// the next scan. Callers pass the header as last read, with Flags already
// set to the desired new value; every other field is carried through
// unchanged.
func (f *File) writeFlagsAt(offset uint64, hdr recordHeader) error {
	if _, err := f.f.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("%w: blobstore: seek flags: %v", ErrFatal, err)
	}

	if _, err := f.f.Write(encodeHeader(hdr)); err != nil {
		return fmt.Errorf("%w: blobstore: write flags: %v", ErrFatal, err)
	}

	return nil
}

// Read looks up id in the index and reads its current record.
func (f *File) Read(id uint64) ([]byte, error) {
	f.mu.Lock()
	offset, ok := f.index[id]
	f.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	return f.ReadAt(uint64(offset), id)
}

// ReadAt reads the record at offset, verifying it belongs to id.
func (f *File) ReadAt(offset uint64, id uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	hdr, err := f.readHeaderAt(int64(offset))
	if err != nil {
		return nil, fmt.Errorf("%w: blobstore: read_at: %v", ErrFatal, err)
	}

	if hdr.ID != id {
		return nil, ErrIDMismatch
	}

	if !hdr.valid() {
		return nil, ErrNotFound
	}

	body := make([]byte, hdr.Length)

	if _, err := io.ReadFull(f.f, body); err != nil {
		return nil, fmt.Errorf("%w: blobstore: read payload: %v", ErrFatal, err)
	}

	if crc32.ChecksumIEEE(body) != hdr.PayloadCRC {
		return nil, ErrPayloadCorrupt
	}

	if hdr.compressed() {
		body, err = inflate(body)
		if err != nil {
			return nil, fmt.Errorf("%w: blobstore: inflate: %v", ErrFatal, err)
		}
	}

	return body, nil
}

// HeaderInfo is the subset of a record header external checkers (the
// free-space manager's Check) need, regardless of whether the slot holds a
// live record or a hole.
type HeaderInfo struct {
	Valid    bool
	Length   uint64
	ID       uint64
	Outdated bool
}

// HeaderAt reads and validates the header at offset without interpreting
// the payload. Used by internal/freespace's Check to confirm every tracked
// hole corresponds to a real one.
func (f *File) HeaderAt(offset uint64) (HeaderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return HeaderInfo{}, ErrClosed
	}

	hdr, err := f.readHeaderAt(int64(offset))
	if err != nil {
		return HeaderInfo{}, fmt.Errorf("%w: blobstore: header_at: %v", ErrFatal, err)
	}

	return HeaderInfo{Valid: hdr.valid(), Length: hdr.Length, ID: hdr.ID, Outdated: hdr.outdated()}, nil
}

// FindOffset reports id's current offset, if any.
func (f *File) FindOffset(id uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset, ok := f.index[id]

	return uint64(offset), ok
}

// Each calls yield for every live record's (id, offset), in no particular
// order, stopping early if yield returns false. Used by callers that need
// to rebuild an external index (the B+Tree) after Repair or Defragment,
// since those only touch the blob file's own internal index.
func (f *File) Each(yield func(id uint64, offset uint64) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	for id, offset := range f.index {
		if !yield(id, uint64(offset)) {
			break
		}
	}

	return nil
}

// Delete removes id's record, returning its region to the space provider.
func (f *File) Delete(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	offset, ok := f.index[id]
	if !ok {
		return ErrNotFound
	}

	hdr, err := f.readHeaderAt(offset)
	if err != nil {
		return fmt.Errorf("%w: blobstore: delete: read header: %v", ErrFatal, err)
	}

	hdr.Flags = 0

	if err := f.writeFlagsAt(uint64(offset), hdr); err != nil {
		return err
	}

	delete(f.index, id)

	if err := f.space.AddSpace(uint64(offset), hdr.Length); err != nil {
		return fmt.Errorf("blobstore: delete: add space: %w", err)
	}

	return nil
}

// Mark records id as live for the current sweep.
func (f *File) Mark(id uint64) error {
	return f.marks.Mark(id)
}

// IsMarked reports whether id was marked in the current sweep.
func (f *File) IsMarked(id uint64) (bool, error) {
	return f.marks.IsMarked(id)
}

// ClearMarks resets the mark set ahead of a new sweep, sized to the
// current entry count.
func (f *File) ClearMarks() error {
	f.mu.Lock()
	n := len(f.index)
	f.mu.Unlock()

	return f.marks.Clear(uint64(n))
}

// DeleteUnmarked deletes every record whose id was not marked, invoking fn
// for each deleted id, then defragments the file.
func (f *File) DeleteUnmarked(fn func(id uint64)) (int, error) {
	f.mu.Lock()
	ids := make([]uint64, 0, len(f.index))
	for id := range f.index {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	count := 0

	for _, id := range ids {
		marked, err := f.marks.IsMarked(id)
		if err != nil {
			return count, fmt.Errorf("blobstore: delete_unmarked: %w", err)
		}

		if marked {
			continue
		}

		if err := f.Delete(id); err != nil && err != ErrNotFound {
			return count, err
		}

		count++

		if fn != nil {
			fn(id)
		}
	}

	if err := f.Defragment(); err != nil {
		return count, err
	}

	return count, nil
}

func deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	return io.ReadAll(r)
}
