// Package engine defines the ordered key-value surface the store persists
// through. Backends live in subpackages.
package engine

import (
	"errors"
	"iter"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("engine: not found")

// Engine is a crash-consistent sorted map from byte string to byte string.
// Single-key writes are durable when they return.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	NewBatch() Batch

	// Keys returns up to limit keys strictly greater than after, in
	// ascending order. A nil after starts from the first key.
	Keys(after []byte, limit int) ([][]byte, error)

	Close() error
}

// Batch accumulates writes that commit atomically.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Len() int
	// Commit applies the batch durably. A batch is single-use.
	Commit() error
	Close() error
}

// KeyStream lazily yields every key of e in ascending order, reading
// pageSize keys at a time. Keys written behind the cursor while the stream
// is open are not yielded; keys written ahead of it may be.
func KeyStream(e Engine, pageSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var after []byte
		for {
			page, err := e.Keys(after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, k := range page {
				if !yield(k, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1]
		}
	}
}
