package btree

import "errors"

var (
	// ErrFatal marks a node checksum failure: unlike a structural
	// inconsistency reported by Check, this means the node's bytes cannot
	// be trusted at all.
	ErrFatal = errors.New("btree: fatal error")

	// ErrInvalidOrder is returned when Options.Order is even or out of
	// range.
	ErrInvalidOrder = errors.New("btree: invalid order")
)
