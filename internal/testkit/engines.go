package testkit

import (
	"sync"
	"sync/atomic"

	"github.com/mikeal/ipld-store/pkg/engine"
)

// CountingEngine wraps an engine and counts the writes that reach it.
type CountingEngine struct {
	engine.Engine

	Puts       atomic.Int64 // single-key puts
	Deletes    atomic.Int64 // single-key deletes
	Commits    atomic.Int64 // committed batches
	BatchPuts  atomic.Int64 // puts carried by committed batches
	BatchDels  atomic.Int64 // deletes carried by committed batches
	mu         sync.Mutex
	writesByID map[string]int
}

// NewCountingEngine wraps e.
func NewCountingEngine(e engine.Engine) *CountingEngine {
	return &CountingEngine{Engine: e, writesByID: make(map[string]int)}
}

// Writes returns how many times key was written by a put or a batch put.
func (c *CountingEngine) Writes(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writesByID[key]
}

func (c *CountingEngine) record(key []byte) {
	c.mu.Lock()
	c.writesByID[string(key)]++
	c.mu.Unlock()
}

func (c *CountingEngine) Put(key, value []byte) error {
	if err := c.Engine.Put(key, value); err != nil {
		return err
	}
	c.Puts.Add(1)
	c.record(key)
	return nil
}

func (c *CountingEngine) Delete(key []byte) error {
	if err := c.Engine.Delete(key); err != nil {
		return err
	}
	c.Deletes.Add(1)
	return nil
}

func (c *CountingEngine) NewBatch() engine.Batch {
	return &countingBatch{Batch: c.Engine.NewBatch(), owner: c}
}

type countingBatch struct {
	engine.Batch
	owner *CountingEngine
	puts  [][]byte
	dels  int64
}

func (b *countingBatch) Put(key, value []byte) error {
	b.puts = append(b.puts, key)
	return b.Batch.Put(key, value)
}

func (b *countingBatch) Delete(key []byte) error {
	b.dels++
	return b.Batch.Delete(key)
}

func (b *countingBatch) Commit() error {
	if err := b.Batch.Commit(); err != nil {
		return err
	}
	b.owner.Commits.Add(1)
	b.owner.BatchPuts.Add(int64(len(b.puts)))
	b.owner.BatchDels.Add(b.dels)
	for _, k := range b.puts {
		b.owner.record(k)
	}
	return nil
}

// FaultEngine wraps an engine and lets tests fail or stall batch commits.
type FaultEngine struct {
	engine.Engine

	mu        sync.Mutex
	commitErr error
	gate      chan struct{}
	entered   chan struct{}
}

// NewFaultEngine wraps e with no faults armed.
func NewFaultEngine(e engine.Engine) *FaultEngine {
	return &FaultEngine{Engine: e}
}

// FailCommits makes every batch commit return err until cleared with nil.
func (f *FaultEngine) FailCommits(err error) {
	f.mu.Lock()
	f.commitErr = err
	f.mu.Unlock()
}

// BlockCommits makes batch commits wait until the returned release func is
// called. The entered channel receives once per commit that starts waiting.
func (f *FaultEngine) BlockCommits() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	ch := make(chan struct{}, 64)
	f.mu.Lock()
	f.gate, f.entered = gate, ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate, f.entered = nil, nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *FaultEngine) NewBatch() engine.Batch {
	return &faultBatch{Batch: f.Engine.NewBatch(), owner: f}
}

type faultBatch struct {
	engine.Batch
	owner *FaultEngine
}

func (b *faultBatch) Commit() error {
	b.owner.mu.Lock()
	gate, entered := b.owner.gate, b.owner.entered
	b.owner.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	b.owner.mu.Lock()
	err := b.owner.commitErr
	b.owner.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Batch.Commit()
}
