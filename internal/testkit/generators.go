package testkit

import (
	"fmt"
	"math/rand"
	"slices"
	"time"
)

// RNG returns a seeded source. Seed 0 picks a time-based seed.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns length bytes that do not compress.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	_, _ = r.Read(b)
	return b
}

// CompressibleBytes returns length bytes of newline-delimited JSON records
// that differ only in a few small fields, the shape of typical dag-json
// payloads.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	out := make([]byte, 0, length+128)
	for i := 0; len(out) < length; i++ {
		out = fmt.Appendf(out, `{"seq":%d,"kind":"entry","shard":%d,"link":{"/":"bafkreigh2akiscaildc"}}`+"\n",
			i, r.Intn(8))
	}
	return out[:length]
}

// MutateBytes returns a copy of base with the given number of random
// single-byte inserts, deletes and overwrites, for near-duplicate inputs.
func MutateBytes(r *rand.Rand, base []byte, mutations int) []byte {
	out := slices.Clone(base)
	for range mutations {
		if len(out) == 0 {
			out = append(out, byte(r.Intn(256)))
			continue
		}
		at := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out = slices.Insert(out, at, byte(r.Intn(256)))
		case 1:
			out = slices.Delete(out, at, at+1)
		default:
			out[at] = byte(r.Intn(256))
		}
	}
	return out
}
