package store

import "errors"

// ErrNotFound reports that an id has no live record.
var ErrNotFound = errors.New("store: not found")

// ErrClosed reports an operation attempted after Close.
var ErrClosed = errors.New("store: closed")

// ErrInvalidOptions reports a bad Options value passed to Open.
var ErrInvalidOptions = errors.New("store: invalid options")
