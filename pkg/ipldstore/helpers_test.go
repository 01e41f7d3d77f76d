package ipldstore_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/mikeal/ipld-store/internal/testkit"
	"github.com/mikeal/ipld-store/pkg/engine"
	"github.com/mikeal/ipld-store/pkg/engine/pebble"
	"github.com/mikeal/ipld-store/pkg/ipldstore"
)

func testConfig(t testing.TB) ipldstore.Config {
	t.Helper()
	return ipldstore.Config{
		Dir:      t.TempDir(),
		Engine:   ipldstore.EngineConfig{NoSync: true},
		Chunking: ipldstore.ChunkingConfig{Min: 64, Avg: 128, Max: 256},
	}
}

func openStore(t testing.TB, cfg ipldstore.Config) ipldstore.Store {
	t.Helper()
	s, err := ipldstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// injectStore builds a store over a pebble engine wrapped by wrap.
func injectStore[E engine.Engine](t testing.TB, cfg ipldstore.Config, wrap func(engine.Engine) E) (ipldstore.Store, E) {
	t.Helper()
	base, err := pebble.Open(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	e := wrap(base)
	s, err := ipldstore.NewStoreForTest(cfg, e)
	if err != nil {
		base.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, e
}

type block struct {
	cid  cid.Cid
	data []byte
}

func (b block) key() string { return b.cid.String() }

func makeBlock(t testing.TB, i int) block {
	t.Helper()
	data := []byte(fmt.Sprintf("block value %d", i))
	return block{cid: testkit.RawCID(t, data), data: data}
}

func makeBlocks(t testing.TB, n int) []block {
	t.Helper()
	out := make([]block, n)
	for i := range out {
		out[i] = makeBlock(t, i)
	}
	return out
}

// sortedBlocks returns n blocks ordered by storage key.
func sortedBlocks(t testing.TB, n int) []block {
	t.Helper()
	out := makeBlocks(t, n)
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func putAll(t testing.TB, s ipldstore.Store, blocks []block) {
	t.Helper()
	for _, b := range blocks {
		if err := s.Put(context.Background(), b.cid, b.data); err != nil {
			t.Fatalf("Put %s failed: %v", b.cid, err)
		}
	}
}
