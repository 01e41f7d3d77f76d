package core

import (
	"errors"
)

var (
	ErrMalformedIdentifier  = errors.New("ipldstore: malformed identifier")
	ErrUnsupportedAlgorithm = errors.New("ipldstore: unsupported hash algorithm")
	ErrHashMismatch         = errors.New("ipldstore: data does not match hash in CID")
	ErrNotFound             = errors.New("ipldstore: not found")
	ErrInvalidValueType     = errors.New("ipldstore: value must be a byte buffer")
	ErrClosed               = errors.New("ipldstore: store closed")
	ErrCorrupt              = errors.New("ipldstore: corrupt data")
	ErrInvalidInput         = errors.New("ipldstore: invalid input")
)
