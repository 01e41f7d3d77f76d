package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/mikeal/ipld-store/pkg/engine"
)

// Engine implements engine.Engine on a Pebble LSM.
type Engine struct {
	db    *pebble.DB
	write *pebble.WriteOptions
}

// Open opens a Pebble database in the specified directory. With sync
// unset, single-key writes skip the WAL fsync; batches always sync.
func Open(dir string, sync bool) (*Engine, error) {
	return OpenWithOptions(dir, &pebble.Options{}, sync)
}

// OpenWithOptions is Open with caller-supplied Pebble options, e.g. an
// in-memory vfs.
func OpenWithOptions(dir string, opts *pebble.Options, sync bool) (*Engine, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	write := pebble.Sync
	if !sync {
		write = pebble.NoSync
	}
	return &Engine{db: db, write: write}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(val))
	copy(res, val)
	return res, nil
}

func (e *Engine) Put(key, value []byte) error {
	return e.db.Set(key, value, e.write)
}

func (e *Engine) Delete(key []byte) error {
	return e.db.Delete(key, e.write)
}

func (e *Engine) Keys(after []byte, limit int) (keys [][]byte, err error) {
	opts := &pebble.IterOptions{}
	if after != nil {
		// smallest key strictly greater than after
		opts.LowerBound = append(append(make([]byte, 0, len(after)+1), after...), 0)
	}

	iter, err := e.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := iter.Close(); err == nil {
			err = cerr
		}
	}()

	for iter.First(); iter.Valid() && len(keys) < limit; iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		keys = append(keys, k)
	}
	return keys, iter.Error()
}

func (e *Engine) NewBatch() engine.Batch {
	return &batch{b: e.db.NewBatch()}
}

type batch struct {
	b *pebble.Batch
}

func (b *batch) Put(key, value []byte) error { return b.b.Set(key, value, nil) }
func (b *batch) Delete(key []byte) error     { return b.b.Delete(key, nil) }
func (b *batch) Len() int                    { return int(b.b.Count()) }
func (b *batch) Commit() error               { return b.b.Commit(pebble.Sync) }
func (b *batch) Close() error                { return b.b.Close() }
