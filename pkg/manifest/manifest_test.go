package manifest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/mikeal/ipld-store/pkg/core"
)

func TestSnapshotCodec(t *testing.T) {
	codec := NewCodec(Limits{MaxTags: 2, MaxTagKeyLen: 5, MaxTagValLen: 10})

	t.Run("RoundTrip", func(t *testing.T) {
		s := &Snapshot{
			Version:   Version,
			Count:     3,
			Bytes:     1234,
			Backend:   "pebble",
			CreatedAt: 1700000000,
			Tags:      map[string]string{"src": "node1"},
		}

		encoded, err := codec.Encode(s)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := codec.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.Count != s.Count || decoded.Bytes != s.Bytes || decoded.Backend != s.Backend ||
			decoded.CreatedAt != s.CreatedAt || decoded.Tags["src"] != "node1" {
			t.Errorf("decoded snapshot doesn't match: %+v", decoded)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		s := &Snapshot{Version: Version, Count: 1, Bytes: 1, Tags: map[string]string{"a": "1", "bb": "2"}}
		first, err := codec.Encode(s)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 10; i++ {
			again, _ := codec.Encode(s)
			if !bytes.Equal(first, again) {
				t.Fatal("encoding is not deterministic")
			}
		}
	})

	t.Run("EmptyStore", func(t *testing.T) {
		if _, err := codec.Encode(&Snapshot{Version: Version}); err != nil {
			t.Errorf("expected empty snapshot to encode, got %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name string
			s    Snapshot
			want string
		}{
			{"UnsupportedVersion", Snapshot{Version: 2}, "version"},
			{"BytesWithoutEntries", Snapshot{Version: Version, Bytes: 10}, "no entries"},
			{"NegativeTime", Snapshot{Version: Version, CreatedAt: -1}, "negative"},
			{"TooManyTags", Snapshot{Version: Version, Tags: map[string]string{"a": "1", "b": "2", "c": "3"}}, "too many tags"},
			{"EmptyTagKey", Snapshot{Version: Version, Tags: map[string]string{"": "x"}}, "empty tag key"},
			{"LongTagKey", Snapshot{Version: Version, Tags: map[string]string{"toolong": "x"}}, "key too long"},
			{"LongTagValue", Snapshot{Version: Version, Tags: map[string]string{"k": strings.Repeat("v", 11)}}, "value too long"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := codec.Encode(&tt.s)
				if !errors.Is(err, core.ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.want) {
					t.Errorf("error %q does not mention %q", err, tt.want)
				}
			})
		}
	})

	t.Run("DecodeStrict", func(t *testing.T) {
		if _, err := codec.Decode([]byte{0xff, 0xff, 0xff, 0x00}); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt for garbage, got %v", err)
		}

		// bypass Encode's validation to produce an unsupported version
		em, _ := cbor.CanonicalEncOptions().EncMode()
		b, _ := em.Marshal(&Snapshot{Version: 99})
		if _, err := codec.Decode(b); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt for unsupported version, got %v", err)
		}
	})
}
