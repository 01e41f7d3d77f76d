package ipldstore

import (
	"github.com/mikeal/ipld-store/pkg/core"
)

var (
	ErrMalformedIdentifier  = core.ErrMalformedIdentifier
	ErrUnsupportedAlgorithm = core.ErrUnsupportedAlgorithm
	ErrHashMismatch         = core.ErrHashMismatch
	ErrNotFound             = core.ErrNotFound
	ErrInvalidValueType     = core.ErrInvalidValueType
	ErrClosed               = core.ErrClosed
	ErrCorrupt              = core.ErrCorrupt
	ErrInvalidInput         = core.ErrInvalidInput
)
