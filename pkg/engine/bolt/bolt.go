package bolt

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/mikeal/ipld-store/pkg/engine"
	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created inside the engine directory.
const FileName = "ipld.db"

var bucket = []byte("blocks")

// syncDB flushes a NoSync database after a batch commit.
var syncDB = (*bolt.DB).Sync

// Engine implements engine.Engine using bbolt (embedded B+ tree). All keys
// live in a single bucket.
type Engine struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database inside dir. With sync unset,
// single-key writes skip fsync; batches always sync.
func Open(dir string, sync bool) (*Engine, error) {
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = !sync

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	var val []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return engine.ErrNotFound
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

func (e *Engine) Put(key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

func (e *Engine) Delete(key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// Keys reads one page per read transaction. Holding a read transaction
// across pages would block writers that need to grow the mmap.
func (e *Engine) Keys(after []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()

		var k []byte
		if after == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, _ = c.Next()
			}
		}

		for ; k != nil && len(keys) < limit; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	return keys, err
}

func (e *Engine) NewBatch() engine.Batch {
	return &batch{db: e.db}
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type op struct {
	key    []byte
	value  []byte
	delete bool
}

// batch buffers operations and applies them in one read-write transaction.
type batch struct {
	db  *bolt.DB
	ops []op
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, op{key: key, value: value})
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, op{key: key, delete: true})
	return nil
}

func (b *batch) Len() int { return len(b.ops) }

func (b *batch) Commit() error {
	if err := b.apply(); err != nil {
		return err
	}
	if b.db.NoSync {
		return syncDB(b.db)
	}
	return nil
}

func (b *batch) apply() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		for _, o := range b.ops {
			var err error
			if o.delete {
				err = bk.Delete(o.key)
			} else {
				err = bk.Put(o.key, o.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *batch) Close() error {
	b.ops = nil
	return nil
}
