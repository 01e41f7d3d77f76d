package ipldstore

import (
	"context"
	"io"
	"iter"

	"github.com/ipfs/go-cid"
	"github.com/mikeal/ipld-store/pkg/core"
)

// Identifier is any accepted CID form: cid.Cid, *cid.Cid, a CID string,
// binary CID bytes or core.CID.
type Identifier = core.Identifier

type CID = core.CID

// Op is one mutation of an atomic Bulk call: PutOp or DeleteOp.
type Op interface {
	isOp()
}

// PutOp stores Value under ID.
type PutOp struct {
	ID    Identifier
	Value []byte
}

// DeleteOp removes ID.
type DeleteOp struct {
	ID Identifier
}

func (PutOp) isOp()    {}
func (DeleteOp) isOp() {}

// Store is a content-addressed key-value store keyed by canonical CID strings.
type Store interface {
	// Get returns the value stored under id exactly as it was written.
	Get(ctx context.Context, id Identifier) ([]byte, error)
	// Put validates buf against id's multihash and stores it.
	Put(ctx context.Context, id Identifier, buf []byte) error
	Delete(ctx context.Context, id Identifier) error
	Has(ctx context.Context, id Identifier) (bool, error)

	// Bulk applies ops as one atomic, durable engine batch.
	Bulk(ctx context.Context, ops []Op) error
	// NewBulkWriter returns a buffering writer that flushes in the
	// background. threshold <= 0 uses the configured default.
	NewBulkWriter(threshold int64) *BulkWriter

	// ChangeFeed enumerates stored keys. With continuous set it keeps
	// yielding newly written keys until the store closes.
	ChangeFeed(ctx context.Context, continuous bool) iter.Seq2[string, error]

	// AddStream splits r into content-defined chunks, stores each under its
	// raw CID and returns the CIDs in stream order.
	AddStream(ctx context.Context, r io.Reader) ([]cid.Cid, error)

	Close() error
}

// BulkStats summarizes a BulkWriter's activity.
type BulkStats struct {
	Cycles  int64 // flush cycles committed
	Failed  int64 // flush cycles that returned an error
	Written int64 // keys put by committed cycles
	Deleted int64 // keys deleted by committed cycles
	Skipped int64 // puts skipped because the key was already flushed
	LastErr error
}
