// Package equifile implements a fixed-size-record file used to back the
// B+Tree index and the free-space manager.
//
// An E-file is a sequence of equal-size slots, each one byte of marker
// (free/reserved/used) followed by record_bytes of payload. Free slots
// chain through the first 8 bytes of their payload, terminated by a zero
// offset. Addresses are 1-based slot numbers; 0 means "none". A small
// registered-custom-field region lets owners persist a handful of
// root/first/last pointers alongside the slot data without a second file.
package equifile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hollow-tree/objstore/pkg/fs"
)

// customField holds one registered 8-byte field.
type customField struct {
	name  string
	value uint64
}

// File is an open equi-record file.
//
// File is not safe for concurrent use; callers serialize access.
type File struct {
	mu sync.Mutex

	fsys fs.FS
	f    fs.File
	path string

	recordBytes uint32

	header coreHeader

	customFields []customField
	customIndex  map[string]int
	finalized    bool
	fresh        bool

	closed bool
}

// Options configure Open.
type Options struct {
	// Path is the file to open or create.
	Path string

	// RecordBytes is the fixed payload size of every slot. Required.
	RecordBytes uint32

	// FS is the filesystem abstraction to use. Defaults to fs.NewReal().
	FS fs.FS
}

// Open opens an existing E-file, or creates a new empty one if it does not
// exist yet. The caller must call RegisterCustomField for every custom
// field it needs (in a stable order) before calling any slot operation.
func Open(opts Options) (*File, error) {
	if opts.RecordBytes == 0 {
		return nil, fmt.Errorf("equifile: RecordBytes must be > 0")
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	exists, err := fsys.Exists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("equifile: stat %q: %w", opts.Path, err)
	}

	var file fs.File

	if !exists {
		file, err = fsys.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("equifile: create %q: %w", opts.Path, err)
		}

		hdr := coreHeader{FirstEntryAddr: noAddr, FirstFreeSlotOffset: noOffset}

		_, err = file.Write(encodeCoreHeader(hdr))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("equifile: write header %q: %w", opts.Path, err)
		}

		return &File{
			fsys:        fsys,
			f:           file,
			path:        opts.Path,
			recordBytes: opts.RecordBytes,
			header:      hdr,
			customIndex: map[string]int{},
			fresh:       true,
		}, nil
	}

	file, err = fsys.OpenFile(opts.Path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("equifile: open %q: %w", opts.Path, err)
	}

	buf := make([]byte, fixedHeaderSize)

	_, err = io.ReadFull(file, buf)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: equifile: read header %q: %v", ErrFatal, opts.Path, err)
	}

	hdr, err := decodeCoreHeader(buf)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("equifile: %q: %w", opts.Path, err)
	}

	return &File{
		fsys:        fsys,
		f:           file,
		path:        opts.Path,
		recordBytes: opts.RecordBytes,
		header:      hdr,
		customIndex: map[string]int{},
	}, nil
}

// RegisterCustomField registers a named 8-byte custom field. On a freshly
// created file, def is used as the initial value and persisted. On an
// existing file, the on-disk value is loaded (callers must register fields
// in the same order on every open, since fields are matched by position).
//
// Must be called before any slot operation (AllocateSlot, Store, Retrieve,
// Delete); returns ErrAlreadyFinalized otherwise.
func (e *File) RegisterCustomField(name string, def uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return ErrAlreadyFinalized
	}

	idx := len(e.customFields)
	e.customFields = append(e.customFields, customField{name: name, value: def})
	e.customIndex[name] = idx

	return nil
}

// finalize fixes the custom-field region size and loads values from disk
// (for a pre-existing file) the first time a slot operation is requested.
func (e *File) finalizeLocked() error {
	if e.finalized {
		return nil
	}

	e.finalized = true

	if e.fresh {
		// Freshly created file: persist the custom field defaults now that
		// the region size is fixed.
		return e.writeCustomFieldsLocked()
	}

	// Reopen of an existing file: load persisted custom field values,
	// regardless of how many slots it currently holds.
	region := make([]byte, len(e.customFields)*8)

	_, err := e.f.Seek(int64(fixedHeaderSize), io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek custom fields: %v", ErrFatal, err)
	}

	_, err = io.ReadFull(e.f, region)
	if err != nil {
		return fmt.Errorf("%w: equifile: read custom fields: %v", ErrFatal, err)
	}

	for i := range e.customFields {
		e.customFields[i].value = leUint64(region[i*8 : i*8+8])
	}

	return nil
}

func (e *File) writeCustomFieldsLocked() error {
	region := make([]byte, len(e.customFields)*8)

	for i, cf := range e.customFields {
		putLeUint64(region[i*8:i*8+8], cf.value)
	}

	_, err := e.f.Seek(int64(fixedHeaderSize), io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek custom fields: %v", ErrFatal, err)
	}

	_, err = e.f.Write(region)
	if err != nil {
		return fmt.Errorf("%w: equifile: write custom fields: %v", ErrFatal, err)
	}

	return nil
}

// GetCustomField returns the current in-memory value of a registered field.
func (e *File) GetCustomField(name string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.customIndex[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrCustomFieldUnknown, name)
	}

	if err := e.finalizeLocked(); err != nil {
		return 0, err
	}

	return e.customFields[idx].value, nil
}

// SetCustomField updates and persists a registered field's value.
func (e *File) SetCustomField(name string, value uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.customIndex[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCustomFieldUnknown, name)
	}

	if err := e.finalizeLocked(); err != nil {
		return err
	}

	e.customFields[idx].value = value

	buf := make([]byte, 8)
	putLeUint64(buf, value)

	off := int64(fixedHeaderSize) + int64(idx)*8

	_, err := e.f.Seek(off, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek custom field %q: %v", ErrFatal, name, err)
	}

	_, err = e.f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: equifile: write custom field %q: %v", ErrFatal, name, err)
	}

	return nil
}

// SetFirstEntry sets the E-file's reserved "first entry" header slot (the
// B+Tree root address, or the free-space tree's root address).
func (e *File) SetFirstEntry(addr uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.header.FirstEntryAddr = addr

	return e.writeHeaderLocked()
}

// GetFirstEntry returns the current first-entry address (0 if none).
func (e *File) GetFirstEntry() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.header.FirstEntryAddr
}

// EntriesCount returns the number of currently-used (stored) slots.
func (e *File) EntriesCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.header.TotalEntries
}

func (e *File) writeHeaderLocked() error {
	buf := encodeCoreHeader(e.header)

	_, err := e.f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: equifile: seek header: %v", ErrFatal, err)
	}

	_, err = e.f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: equifile: write header: %v", ErrFatal, err)
	}

	return nil
}

// Sync flushes the underlying file descriptor to stable storage.
func (e *File) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	return e.f.Sync()
}

// Close closes the underlying file descriptor. Idempotent.
func (e *File) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true

	return e.f.Close()
}

// Clear empties the file back to a fresh, zero-entry state; registered
// custom fields stay registered, with their values reset to zero.
func (e *File) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.f.Close(); err != nil {
		return fmt.Errorf("%w: equifile: clear: close: %v", ErrFatal, err)
	}

	file, err := e.fsys.OpenFile(e.path, os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: equifile: clear: reopen: %v", ErrFatal, err)
	}

	e.f = file
	e.header = coreHeader{}

	for i := range e.customFields {
		e.customFields[i].value = 0
	}

	e.finalized = false
	e.fresh = true

	if err := e.writeHeaderLocked(); err != nil {
		return err
	}

	e.finalized = true

	return e.writeCustomFieldsLocked()
}

// Erase closes the file and removes it from disk.
func (e *File) Erase() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		_ = e.f.Close()
		e.closed = true
	}

	if err := e.fsys.Remove(e.path); err != nil {
		return fmt.Errorf("equifile: erase %q: %w", e.path, err)
	}

	return nil
}
