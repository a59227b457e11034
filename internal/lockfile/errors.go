package lockfile

import "errors"

var (
	// ErrTimedOut is returned by Acquire when every retry still found the
	// lock held by a live process once max_retries was exhausted.
	ErrTimedOut = errors.New("lockfile: timed out waiting for lock")

	// ErrInvalidOptions is returned for a malformed Options value.
	ErrInvalidOptions = errors.New("lockfile: invalid options")
)
