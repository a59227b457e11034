package markset

import "errors"

// ErrCorrupt is returned when a spilled page's checksum does not match its
// contents.
var ErrCorrupt = errors.New("markset: corrupt page")
