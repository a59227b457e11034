package equifile

import "errors"

// Sentinel errors returned by package equifile.
//
// Fatal errors (a free-chain head that is not marked free during
// allocation, short reads on a file that is supposed to be well-formed) are
// wrapped with ErrFatal so callers can distinguish "this needs a repair
// pass" from "this process has a bug". A marker mismatch in Store, Retrieve
// or Delete is returned as ErrMarkerMismatch without ErrFatal.
var (
	// ErrFatal marks an error as non-recoverable for the current operation.
	ErrFatal = errors.New("equifile: fatal error")

	// ErrInvalidMagic is returned when a file's header trailer does not carry
	// the EQF1 magic.
	ErrInvalidMagic = errors.New("equifile: invalid magic")

	// ErrHeaderCorrupt is returned when the header CRC does not validate.
	ErrHeaderCorrupt = errors.New("equifile: header checksum mismatch")

	// ErrRecordSizeMismatch is returned when a stored payload length doesn't
	// match the configured record size.
	ErrRecordSizeMismatch = errors.New("equifile: record size mismatch")

	// ErrInvalidAddr is returned when an address is 0 or beyond total_entries.
	ErrInvalidAddr = errors.New("equifile: address out of range")

	// ErrMarkerMismatch is returned when a slot's marker byte is not the one
	// an operation requires (e.g. store() on a free slot).
	ErrMarkerMismatch = errors.New("equifile: slot marker mismatch")

	// ErrCustomFieldUnknown is returned by Get/SetCustomField for an
	// unregistered field name.
	ErrCustomFieldUnknown = errors.New("equifile: unknown custom field")

	// ErrAlreadyFinalized is returned by RegisterCustomField once slot
	// operations have begun.
	ErrAlreadyFinalized = errors.New("equifile: custom fields already finalized")

	// ErrClosed is returned by any operation on a closed file.
	ErrClosed = errors.New("equifile: file is closed")
)
