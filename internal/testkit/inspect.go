package testkit

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/mikeal/ipld-store/pkg/engine"
	"github.com/multiformats/go-multihash"
)

// CountKeys returns the number of keys held by e.
func CountKeys(e engine.Engine) (int, error) {
	n := 0
	for _, err := range engine.KeyStream(e, 256) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// RawCID returns the CIDv1 (raw codec, sha2-256) of data.
func RawCID(t testing.TB, data []byte) cid.Cid {
	t.Helper()
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, hash)
}

// CorruptValue returns a copy of v with its first byte inverted.
func CorruptValue(v []byte) []byte {
	out := append([]byte(nil), v...)
	if len(out) > 0 {
		out[0] ^= 0xFF
	}
	return out
}
