// Package transform encodes values at rest. The default transform stores
// the caller's bytes unmodified.
package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mikeal/ipld-store/pkg/core"
)

// Envelope layout: magic(4) | version(1) | flags(1) | alg(1) | payload.
const (
	Magic   = "IPKV"
	Version = 1

	headerLen = 7
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// MinCompressSize is the smallest value zstd will try to compress; smaller
// values are enveloped as-is.
const MinCompressSize = 128

// Transform defines the interface for encoding/decoding stored values.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New returns the transform selected by cfg.
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "none", "":
		return NewNone(), nil
	case "zstd":
		return NewZstd(cfg.ZstdLevel)
	default:
		return nil, fmt.Errorf("%w: unsupported transform %q", core.ErrInvalidInput, cfg.Name)
	}
}

type noneTransform struct{}

// NewNone returns the pass-through transform.
func NewNone() Transform {
	return noneTransform{}
}

func (noneTransform) Name() string                         { return "none" }
func (noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a transform compressing values at the given zstd level.
// Values that are small or do not shrink are stored uncompressed inside the
// envelope.
func NewZstd(level int) (Transform, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdTransform{encoder: enc, decoder: dec}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	if len(plain) >= MinCompressSize {
		compressed := t.encoder.EncodeAll(plain, make([]byte, 0, len(plain)))
		if len(compressed) < len(plain) {
			return envelope(FlagCompressed, AlgZstd, compressed), nil
		}
	}
	return envelope(0, AlgNone, plain), nil
}

func envelope(flags, alg byte, payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, Magic...)
	out = append(out, Version, flags, alg)
	return append(out, payload...)
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerLen {
		return nil, fmt.Errorf("%w: value too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}

	flags, alg, payload := stored[5], stored[6], stored[headerLen:]
	if flags&FlagCompressed == 0 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}

	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}
