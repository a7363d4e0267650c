package wire

import "errors"

// Sentinel errors. All are fatal to the session that observes them.
var (
	ErrOversized  = errors.New("wire: frame exceeds max size")
	ErrUnknownTag = errors.New("wire: unknown message tag")
	ErrMalformed  = errors.New("wire: malformed payload")
	ErrTimeout    = errors.New("wire: recv timeout")
)
