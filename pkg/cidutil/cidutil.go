package cidutil

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/mikeal/ipld-store/pkg/core"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// Info is the decoded, human-readable form of a CID.
type Info struct {
	Version   uint64
	Codec     string
	Algorithm string
	Length    int
	Digest    []byte
}

var knownCodecs = sync.OnceValue(func() map[uint64]struct{} {
	codes := multicodec.KnownCodes()
	set := make(map[uint64]struct{}, len(codes))
	for _, c := range codes {
		set[uint64(c)] = struct{}{}
	}
	return set
})

// Parse resolves any accepted identifier form to a structured CID.
func Parse(v core.Identifier) (cid.Cid, error) {
	var (
		c   cid.Cid
		err error
	)

	switch id := v.(type) {
	case cid.Cid:
		c = id
	case *cid.Cid:
		if id == nil {
			return cid.Undef, fmt.Errorf("%w: nil CID", core.ErrMalformedIdentifier)
		}
		c = *id
	case string:
		c, err = cid.Decode(id)
	case []byte:
		c, err = cid.Cast(id)
	case core.CID:
		c, err = cid.Cast(id.Bytes)
	default:
		return cid.Undef, fmt.Errorf("%w: unsupported identifier type %T", core.ErrMalformedIdentifier, v)
	}
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", core.ErrMalformedIdentifier, err)
	}

	if err := check(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func check(c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined CID", core.ErrMalformedIdentifier)
	}

	switch c.Version() {
	case 0:
		if c.Type() != cid.DagProtobuf {
			return fmt.Errorf("%w: CIDv0 must use dag-pb", core.ErrMalformedIdentifier)
		}
	case 1:
	default:
		return fmt.Errorf("%w: unsupported CID version %d", core.ErrMalformedIdentifier, c.Version())
	}

	if _, ok := knownCodecs()[c.Type()]; !ok {
		return fmt.Errorf("%w: unknown codec 0x%x", core.ErrMalformedIdentifier, c.Type())
	}
	return nil
}

// CanonicalString returns the base-encoded string form used as the storage key.
func CanonicalString(v core.Identifier) (string, error) {
	// Strings are re-encoded too: a CIDv1 may arrive in any multibase.
	c, err := Parse(v)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Describe decodes the codec and multihash of c.
func Describe(c cid.Cid) (Info, error) {
	if err := check(c); err != nil {
		return Info{}, err
	}

	dm, err := multihash.Decode(c.Hash())
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", core.ErrMalformedIdentifier, err)
	}

	return Info{
		Version:   c.Version(),
		Codec:     multicodec.Code(c.Type()).String(),
		Algorithm: multihash.Codes[dm.Code],
		Length:    dm.Length,
		Digest:    dm.Digest,
	}, nil
}

// Digest hashes data with the named algorithm from the multihash registry.
// A negative length selects the algorithm's default digest size.
func Digest(data []byte, algorithm string, length int) (multihash.Multihash, error) {
	code, ok := multihash.Names[algorithm]
	if !ok || algorithm == "" {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedAlgorithm, algorithm)
	}

	sum, err := multihash.Sum(data, code, length)
	if err != nil {
		if errors.Is(err, multihash.ErrSumNotSupported) {
			return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedAlgorithm, algorithm)
		}
		return nil, fmt.Errorf("failed to compute multihash: %w", err)
	}
	return sum, nil
}

// Validate recomputes the digest of buf with the algorithm named in id and
// compares it, prefix included, with the multihash embedded in id.
func Validate(id core.Identifier, buf []byte) error {
	c, err := Parse(id)
	if err != nil {
		return err
	}

	prefix := c.Prefix()
	name, ok := multihash.Codes[prefix.MhType]
	if !ok {
		return fmt.Errorf("%w: code 0x%x", core.ErrUnsupportedAlgorithm, prefix.MhType)
	}

	sum, err := Digest(buf, name, prefix.MhLength)
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedAlgorithm) {
			return err
		}
		// identity hashes refuse data whose length differs from the CID's
		return fmt.Errorf("%w: %v", core.ErrHashMismatch, err)
	}

	if !bytes.Equal(c.Hash(), sum) {
		return fmt.Errorf("%w: %s", core.ErrHashMismatch, c)
	}
	return nil
}

// Builder defines the interface for creating and verifying CIDs.
type Builder interface {
	ChunkCID(plain []byte) (cid.Cid, error)
	ManifestCID(dagCbor []byte) (cid.Cid, error)
	Verify(c cid.Cid, plain []byte) error
}

type builder struct{}

// NewBuilder returns a new CID builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(plain []byte) (cid.Cid, error) {
	return b.buildCID(cid.Raw, plain)
}

func (b *builder) ManifestCID(dagCbor []byte) (cid.Cid, error) {
	return b.buildCID(cid.DagCBOR, dagCbor)
}

func (b *builder) buildCID(codec uint64, data []byte) (cid.Cid, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute multihash: %w", err)
	}

	return cid.NewCidV1(codec, hash), nil
}

func (b *builder) Verify(c cid.Cid, plain []byte) error {
	return Validate(c, plain)
}
