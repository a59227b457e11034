package blobstore

import "errors"

// Sentinel errors returned by package blobstore.
var (
	// ErrFatal marks an error as non-recoverable for the current operation.
	ErrFatal = errors.New("blobstore: fatal error")

	// ErrShortHeader is returned when fewer than headerSize bytes could be read.
	ErrShortHeader = errors.New("blobstore: short header read")

	// ErrHeaderCorrupt is returned when a header's CRC or reserved bits fail validation.
	ErrHeaderCorrupt = errors.New("blobstore: header checksum mismatch")

	// ErrPayloadCorrupt is returned when a payload's CRC fails validation.
	ErrPayloadCorrupt = errors.New("blobstore: payload checksum mismatch")

	// ErrNotFound is returned by read/delete/find_offset for an unknown id.
	ErrNotFound = errors.New("blobstore: record not found")

	// ErrIDMismatch is returned by read_at when the record at offset carries
	// an unexpected id.
	ErrIDMismatch = errors.New("blobstore: id mismatch at offset")

	// ErrNoSpace names the case where no free-space hint is usable. Write
	// does not return it: a GetSpace miss (ok == false) makes Write append
	// at EOF instead.
	ErrNoSpace = errors.New("blobstore: no suitable free space")

	// ErrClosed is returned by any operation on a closed blob file.
	ErrClosed = errors.New("blobstore: file is closed")
)
