// Package manifest encodes the snapshot record that heads a store archive.
package manifest

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mikeal/ipld-store/pkg/core"
)

// Version is the only snapshot layout this package reads or writes.
const Version = 1

// Snapshot describes the entries carried by an archive. It is stored as the
// archive's root block, encoded as deterministic (dag-cbor compatible) CBOR.
type Snapshot struct {
	Version   uint16            `cbor:"version"`
	Count     uint64            `cbor:"count"`
	Bytes     uint64            `cbor:"bytes"`
	Backend   string            `cbor:"backend,omitempty"`
	CreatedAt int64             `cbor:"created_at"` // unix seconds
	Tags      map[string]string `cbor:"tags,omitempty"`
}

// Limits bounds the free-form parts of a snapshot. Zero disables a limit.
type Limits struct {
	MaxTags      int
	MaxTagKeyLen int
	MaxTagValLen int
}

// DefaultLimits are applied by NewCodec when no limits are given.
var DefaultLimits = Limits{
	MaxTags:      64,
	MaxTagKeyLen: 128,
	MaxTagValLen: 1024,
}

// Codec encodes and decodes snapshots, rejecting ones that break Limits.
type Codec struct {
	limits  Limits
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCodec returns a codec enforcing limits.
func NewCodec(limits Limits) *Codec {
	// Canonical options sort map keys length-first, as dag-cbor requires.
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: canonical cbor options rejected: %v", err))
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: cbor decode options rejected: %v", err))
	}
	return &Codec{limits: limits, encMode: em, decMode: dm}
}

func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	if err := c.validate(s); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return c.encMode.Marshal(s)
}

func (c *Codec) Decode(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := c.decMode.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal snapshot: %v", core.ErrCorrupt, err)
	}
	if err := c.validate(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return &s, nil
}

func (c *Codec) validate(s *Snapshot) error {
	if s.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Count == 0 && s.Bytes > 0 {
		return fmt.Errorf("snapshot has %d bytes but no entries", s.Bytes)
	}
	if s.CreatedAt < 0 {
		return fmt.Errorf("negative creation time %d", s.CreatedAt)
	}

	if c.limits.MaxTags > 0 && len(s.Tags) > c.limits.MaxTags {
		return fmt.Errorf("too many tags: %d > %d", len(s.Tags), c.limits.MaxTags)
	}
	for k, v := range s.Tags {
		if k == "" {
			return fmt.Errorf("empty tag key")
		}
		if c.limits.MaxTagKeyLen > 0 && len(k) > c.limits.MaxTagKeyLen {
			return fmt.Errorf("tag key too long: %d > %d", len(k), c.limits.MaxTagKeyLen)
		}
		if c.limits.MaxTagValLen > 0 && len(v) > c.limits.MaxTagValLen {
			return fmt.Errorf("tag value too long: %d > %d", len(v), c.limits.MaxTagValLen)
		}
	}
	return nil
}
