package ipldstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mikeal/ipld-store/pkg/engine"
)

// BulkWriter buffers puts and deletes and writes them in background flush
// cycles, one engine batch per cycle. A Put that pushes the buffered size
// over the threshold waits for the running cycle, so producers cannot
// outrun the engine by more than the threshold.
//
// Keys confirmed flushed by this writer are remembered and later puts of
// them are skipped until the key is deleted.
type BulkWriter struct {
	s         *store
	threshold int64
	log       *slog.Logger

	mu       sync.Mutex
	puts     map[string]stagedPut
	dels     map[string]struct{}
	size     int64
	flushed  map[string]struct{}
	inflight *flushCycle
	closed   bool
	stats    BulkStats
}

type stagedPut struct {
	stored []byte
	size   int64 // caller's value length
}

// flushCycle is one background write of a snapshot of the pending batch.
type flushCycle struct {
	done chan struct{}
	err  error
}

func (c *flushCycle) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *store) NewBulkWriter(threshold int64) *BulkWriter {
	if threshold <= 0 {
		threshold = s.cfg.Bulk.ThresholdBytes
	}
	w := &BulkWriter{
		s:         s,
		threshold: threshold,
		log:       s.log.With("writer", uuid.NewString()),
		puts:      make(map[string]stagedPut),
		dels:      make(map[string]struct{}),
		flushed:   make(map[string]struct{}),
	}
	s.registerWriter(w)
	return w
}

// Put validates buf and stages it. It returns once the value is staged,
// unless the staged size now exceeds the threshold, in which case it waits
// for the running flush cycle and returns that cycle's error.
func (w *BulkWriter) Put(ctx context.Context, id Identifier, buf []byte) error {
	k, stored, err := w.s.prepare(ctx, id, buf)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.isFlushed(k) {
		w.stats.Skipped++
		w.mu.Unlock()
		return nil
	}

	if prev, ok := w.puts[k]; ok {
		w.size -= prev.size
	}
	delete(w.dels, k)
	w.puts[k] = stagedPut{stored: stored, size: int64(len(buf))}
	w.size += int64(len(buf))

	c := w.kick()
	full := w.size > w.threshold
	w.mu.Unlock()

	if full && c != nil {
		return c.wait(ctx)
	}
	return nil
}

// Delete stages the removal of id. A later Put of id is written again.
func (w *BulkWriter) Delete(ctx context.Context, id Identifier) error {
	k, err := w.s.key(ctx, id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	delete(w.flushed, k)
	if prev, ok := w.puts[k]; ok {
		w.size -= prev.size
		delete(w.puts, k)
	}
	w.dels[k] = struct{}{}
	w.kick()
	return nil
}

// Flush waits until everything staged so far, and anything staged while
// waiting, has been written. A failed cycle's error is returned and its
// work stays staged for the next cycle.
func (w *BulkWriter) Flush(ctx context.Context) error {
	for {
		w.mu.Lock()
		c := w.kick()
		w.mu.Unlock()

		if c == nil {
			return nil
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

// Close flushes and detaches the writer from the store. If the flush fails
// the writer stays open.
func (w *BulkWriter) Close(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.s.unregisterWriter(w)
	return nil
}

// Stats returns a snapshot of the writer's counters.
func (w *BulkWriter) Stats() BulkStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Pending returns the number of staged operations and the staged put size.
func (w *BulkWriter) Pending() (ops int, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.puts) + len(w.dels), w.size
}

// forget drops k from the dedupe set. The store calls it for every
// committed delete.
func (w *BulkWriter) forget(k string) {
	w.mu.Lock()
	delete(w.flushed, k)
	w.mu.Unlock()
}

// kick starts a flush cycle when work is staged and none is running, and
// returns the running cycle, if any. Caller holds w.mu.
func (w *BulkWriter) kick() *flushCycle {
	if w.inflight == nil && (len(w.puts) > 0 || len(w.dels) > 0) {
		c := &flushCycle{done: make(chan struct{})}
		w.inflight = c
		go w.run(c)
	}
	return w.inflight
}

func (w *BulkWriter) run(c *flushCycle) {
	w.mu.Lock()
	puts, dels := w.puts, w.dels
	w.puts = make(map[string]stagedPut)
	w.dels = make(map[string]struct{})
	w.size = 0
	w.mu.Unlock()

	changes := make([]change, 0, len(puts)+len(dels))
	for k := range puts {
		changes = append(changes, change{key: k})
	}
	for k := range dels {
		changes = append(changes, change{key: k, deleted: true})
	}

	err := w.s.writeThen(func(e engine.Engine) error {
		b := e.NewBatch()
		defer b.Close()
		// a key is never in both maps, so order within the batch is free
		for k, p := range puts {
			if err := b.Put([]byte(k), p.stored); err != nil {
				return err
			}
		}
		for k := range dels {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return b.Commit()
	}, func() {
		// under the store's write lock, so a delete committed right after
		// this batch cannot be overtaken by the dedupe update
		w.mu.Lock()
		for k := range puts {
			w.flushed[k] = struct{}{}
		}
		w.mu.Unlock()
	}, changes...)

	w.mu.Lock()
	if err != nil {
		w.restore(puts, dels)
		w.stats.Failed++
		w.stats.LastErr = err
		w.log.Warn("flush cycle failed", "puts", len(puts), "deletes", len(dels), "error", err)
	} else {
		w.stats.Cycles++
		w.stats.Written += int64(len(puts))
		w.stats.Deleted += int64(len(dels))
	}
	c.err = err
	w.inflight = nil
	close(c.done)
	if err == nil {
		w.kick()
	}
	w.mu.Unlock()
}

// restore merges a failed snapshot back into the pending batch. Operations
// staged since the snapshot was taken win. Caller holds w.mu.
func (w *BulkWriter) restore(puts map[string]stagedPut, dels map[string]struct{}) {
	for k, p := range puts {
		if w.staged(k) {
			continue
		}
		w.puts[k] = p
		w.size += p.size
	}
	for k := range dels {
		if w.staged(k) {
			continue
		}
		w.dels[k] = struct{}{}
	}
}

// isFlushed reports whether k was written by this writer and has no staged
// delete. Caller holds w.mu.
func (w *BulkWriter) isFlushed(k string) bool {
	if _, ok := w.flushed[k]; !ok {
		return false
	}
	_, deleting := w.dels[k]
	return !deleting
}

func (w *BulkWriter) staged(k string) bool {
	if _, ok := w.puts[k]; ok {
		return true
	}
	_, ok := w.dels[k]
	return ok
}
