package ipldstore_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/mikeal/ipld-store/internal/testkit"
)

func benchBlocks(b *testing.B, n, size int) ([]cid.Cid, [][]byte) {
	b.Helper()
	rng := testkit.RNG(1)
	cids := make([]cid.Cid, n)
	values := make([][]byte, n)
	for i := range values {
		v := testkit.RandomBytes(rng, size)
		binary.BigEndian.PutUint64(v, uint64(i))
		values[i] = v
		cids[i] = testkit.RawCID(b, v)
	}
	return cids, values
}

func BenchmarkStore_Put(b *testing.B) {
	for _, size := range []int{1024, 64 * 1024} {
		b.Run(fmt.Sprintf("%dKiB", size/1024), func(b *testing.B) {
			ctx := context.Background()
			s := openStore(b, testConfig(b))
			cids, values := benchBlocks(b, b.N, size)

			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Put(ctx, cids[i], values[i]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkBulkWriter_Put(b *testing.B) {
	ctx := context.Background()
	s := openStore(b, testConfig(b))
	const size = 4096
	cids, values := benchBlocks(b, b.N, size)
	w := s.NewBulkWriter(1 << 20)

	b.SetBytes(size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Put(ctx, cids[i], values[i]); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkStore_Get(b *testing.B) {
	ctx := context.Background()
	s := openStore(b, testConfig(b))
	cids, values := benchBlocks(b, 1000, 4096)
	for i := range cids {
		if err := s.Put(ctx, cids[i], values[i]); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Get(ctx, cids[i%len(cids)]); err != nil {
			b.Fatal(err)
		}
	}
}
