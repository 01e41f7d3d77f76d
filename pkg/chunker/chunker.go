// Package chunker splits a byte stream into content-defined chunks.
package chunker

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/jotfs/fastcdc-go"
	"github.com/mikeal/ipld-store/pkg/core"
)

// Chunk is one content-defined slice of the input stream.
type Chunk struct {
	Offset int64
	Data   []byte // owned by the consumer
}

// Chunker splits streams with FastCDC. Identical input and configuration
// always produce identical boundaries.
type Chunker struct {
	opts fastcdc.Options
}

// New returns a Chunker using the sizes in cfg.
func New(cfg core.ChunkingConfig) *Chunker {
	return &Chunker{opts: fastcdc.Options{
		MinSize:     cfg.Min,
		AverageSize: cfg.Avg,
		MaxSize:     cfg.Max,
	}}
}

// Split lazily yields the chunks of r. Reading stops at the first error,
// which is yielded once; ctx is checked before every chunk.
func (c *Chunker) Split(ctx context.Context, r io.Reader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		cdc, err := fastcdc.NewChunker(r, c.opts)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}

			ch, err := cdc.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}

			// fastcdc reuses its buffer on the next call
			data := make([]byte, len(ch.Data))
			copy(data, ch.Data)

			if !yield(Chunk{Offset: int64(ch.Offset), Data: data}, nil) {
				return
			}
		}
	}
}
