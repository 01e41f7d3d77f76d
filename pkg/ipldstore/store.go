package ipldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mikeal/ipld-store/internal/logging"
	"github.com/mikeal/ipld-store/pkg/chunker"
	"github.com/mikeal/ipld-store/pkg/cidutil"
	"github.com/mikeal/ipld-store/pkg/engine"
	"github.com/mikeal/ipld-store/pkg/engine/bolt"
	"github.com/mikeal/ipld-store/pkg/engine/pebble"
	"github.com/mikeal/ipld-store/pkg/transform"
)

var log = logging.For("ipldstore")

type store struct {
	cfg Config

	eng       engine.Engine
	transform transform.Transform
	chunker   *chunker.Chunker
	cids      cidutil.Builder
	log       *slog.Logger

	// writeMu serializes engine mutation with feed notification so every
	// subscriber sees events in commit order.
	writeMu sync.Mutex

	mu     sync.RWMutex // guards closed and the engine handle
	closed bool

	subMu   sync.Mutex
	subs    map[*subscription]struct{}
	writers map[*BulkWriter]struct{}
}

// Open opens or creates the store under cfg.Dir. Zero-valued settings take
// their defaults.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	var (
		eng engine.Engine
		err error
	)
	switch cfg.Engine.Backend {
	case "bolt":
		eng, err = bolt.Open(cfg.Dir, !cfg.Engine.NoSync)
	default:
		eng, err = pebble.Open(cfg.Dir, !cfg.Engine.NoSync)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s engine: %w", cfg.Engine.Backend, err)
	}

	s, err := newStore(cfg, eng)
	if err != nil {
		eng.Close()
		return nil, err
	}

	s.log.Info("store opened", "engine", cfg.Engine.Backend,
		"transform", cfg.Transform.Name, "validate", !cfg.SkipValidation)
	return s, nil
}

func newStore(cfg Config, eng engine.Engine) (*store, error) {
	cfg = cfg.WithDefaults()

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}

	return &store{
		cfg:       cfg,
		eng:       eng,
		transform: tr,
		chunker:   chunker.New(cfg.Chunking),
		cids:      cidutil.NewBuilder(),
		log:       log.With("dir", cfg.Dir),
		subs:      make(map[*subscription]struct{}),
		writers:   make(map[*BulkWriter]struct{}),
	}, nil
}

func (s *store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// key normalizes id to its storage key.
func (s *store) key(ctx context.Context, id Identifier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", ErrClosed
	}
	return cidutil.CanonicalString(id)
}

// prepare checks a put before anything is staged or written: value type,
// identifier and, unless disabled, the digest. It returns the storage key
// and the value as it goes to the engine.
func (s *store) prepare(ctx context.Context, id Identifier, buf []byte) (string, []byte, error) {
	k, err := s.key(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if buf == nil {
		return "", nil, ErrInvalidValueType
	}
	if !s.cfg.SkipValidation {
		if err := cidutil.Validate(id, buf); err != nil {
			return "", nil, err
		}
	}
	stored, err := s.transform.Encode(buf)
	if err != nil {
		return "", nil, err
	}
	return k, stored, nil
}

func (s *store) Get(ctx context.Context, id Identifier) ([]byte, error) {
	k, err := s.key(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	stored, err := s.eng.Get([]byte(k))
	s.mu.RUnlock()

	if errors.Is(err, engine.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err != nil {
		return nil, err
	}
	return s.transform.Decode(stored)
}

func (s *store) Has(ctx context.Context, id Identifier) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *store) Put(ctx context.Context, id Identifier, buf []byte) error {
	k, stored, err := s.prepare(ctx, id, buf)
	if err != nil {
		return err
	}

	return s.write(func(e engine.Engine) error {
		return e.Put([]byte(k), stored)
	}, change{key: k})
}

func (s *store) Delete(ctx context.Context, id Identifier) error {
	k, err := s.key(ctx, id)
	if err != nil {
		return err
	}

	return s.write(func(e engine.Engine) error {
		return e.Delete([]byte(k))
	}, change{key: k, deleted: true})
}

func (s *store) Bulk(ctx context.Context, ops []Op) error {
	type staged struct {
		key    string
		stored []byte
	}

	// every put is checked before the batch is built
	batch := make([]staged, len(ops))
	changes := make([]change, len(ops))
	for i, op := range ops {
		switch op := op.(type) {
		case PutOp:
			k, stored, err := s.prepare(ctx, op.ID, op.Value)
			if err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			batch[i] = staged{key: k, stored: stored}
			changes[i] = change{key: k}
		case DeleteOp:
			k, err := s.key(ctx, op.ID)
			if err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			batch[i] = staged{key: k}
			changes[i] = change{key: k, deleted: true}
		default:
			return fmt.Errorf("%w: op %d has unsupported type %T", ErrInvalidInput, i, op)
		}
	}
	if len(ops) == 0 {
		return nil
	}

	return s.write(func(e engine.Engine) error {
		b := e.NewBatch()
		defer b.Close()
		for i, st := range batch {
			var err error
			if changes[i].deleted {
				err = b.Delete([]byte(st.key))
			} else {
				err = b.Put([]byte(st.key), st.stored)
			}
			if err != nil {
				return err
			}
		}
		return b.Commit()
	}, changes...)
}

// write applies fn to the engine and, once it succeeds, publishes changes
// in order. It holds the single-writer lock for both steps.
func (s *store) write(fn func(engine.Engine) error, changes ...change) error {
	return s.writeThen(fn, nil, changes...)
}

// writeThen is write with a hook run after a successful commit, still under
// the single-writer lock and before changes are published.
func (s *store) writeThen(fn func(engine.Engine) error, committed func(), changes ...change) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if err := fn(s.eng); err != nil {
		return err
	}
	if committed != nil {
		committed()
	}
	s.publish(changes)
	return nil
}

// change is one committed mutation as seen by feeds and writers.
type change struct {
	key     string
	deleted bool
}

// publish fans changes out to every subscription and, for deletes, tells
// open bulk writers to forget the key. Caller holds writeMu.
func (s *store) publish(changes []change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, c := range changes {
		for sub := range s.subs {
			if c.deleted {
				sub.remove(c.key)
			} else {
				sub.put(c.key)
			}
		}
		if c.deleted {
			for w := range s.writers {
				w.forget(c.key)
			}
		}
	}
}

func (s *store) registerWriter(w *BulkWriter) {
	s.subMu.Lock()
	s.writers[w] = struct{}{}
	s.subMu.Unlock()
}

func (s *store) unregisterWriter(w *BulkWriter) {
	s.subMu.Lock()
	delete(s.writers, w)
	s.subMu.Unlock()
}

// Close ends every feed, then releases the engine. Writes already
// committed are delivered to continuous feeds before they end.
func (s *store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	s.subMu.Lock()
	feeds := len(s.subs)
	for sub := range s.subs {
		sub.close()
	}
	s.subMu.Unlock()

	err := s.eng.Close()
	s.log.Info("store closed", "feeds", feeds)
	return err
}

var _ Store = (*store)(nil)
