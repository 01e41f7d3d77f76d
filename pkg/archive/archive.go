// Package archive moves store contents in and out of CARv2 files. An
// archive holds every entry as a block plus one dag-cbor manifest.Snapshot
// block, which is the file's single root.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
	"github.com/mikeal/ipld-store/internal/logging"
	"github.com/mikeal/ipld-store/pkg/cidutil"
	"github.com/mikeal/ipld-store/pkg/core"
	"github.com/mikeal/ipld-store/pkg/manifest"
)

var log = logging.For("archive")

// Source is the read side of a store.
type Source interface {
	ChangeFeed(ctx context.Context, continuous bool) iter.Seq2[string, error]
	Get(ctx context.Context, id core.Identifier) ([]byte, error)
}

// Sink receives imported blocks. A store's BulkWriter satisfies it.
type Sink interface {
	Put(ctx context.Context, id core.Identifier, buf []byte) error
	Flush(ctx context.Context) error
}

type exportOptions struct {
	backend string
	tags    map[string]string
	now     func() time.Time
}

// Option configures Export.
type Option func(*exportOptions)

// WithBackend records the source engine backend in the snapshot.
func WithBackend(name string) Option {
	return func(o *exportOptions) { o.backend = name }
}

// WithTags attaches free-form tags to the snapshot.
func WithTags(tags map[string]string) Option {
	return func(o *exportOptions) { o.tags = tags }
}

// WithClock overrides the snapshot creation time source.
func WithClock(now func() time.Time) Option {
	return func(o *exportOptions) { o.now = now }
}

// Export writes every entry of src to a CARv2 file at path and returns the
// CID of the snapshot block. The file is built next to path and renamed
// into place once complete.
func Export(ctx context.Context, src Source, path string, opts ...Option) (cid.Cid, error) {
	o := exportOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	builder := cidutil.NewBuilder()
	codec := manifest.NewCodec(manifest.DefaultLimits)

	// The root is only known once every block is written. Reserve the header
	// with a CID of the same shape and swap it in after finalizing.
	placeholder, err := builder.ManifestCID(nil)
	if err != nil {
		return cid.Undef, err
	}

	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cid.Undef, fmt.Errorf("failed to clear stale archive: %w", err)
	}
	bs, err := blockstore.OpenReadWrite(tmp, []cid.Cid{placeholder}, blockstore.UseWholeCIDs(true))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create archive: %w", err)
	}
	fail := func(err error) (cid.Cid, error) {
		_ = bs.Finalize()
		_ = os.Remove(tmp)
		return cid.Undef, err
	}

	snap := manifest.Snapshot{
		Version:   manifest.Version,
		Backend:   o.backend,
		CreatedAt: o.now().Unix(),
		Tags:      o.tags,
	}
	for key, err := range src.ChangeFeed(ctx, false) {
		if err != nil {
			return fail(err)
		}
		c, err := cid.Decode(key)
		if err != nil {
			return fail(fmt.Errorf("%w: stored key %q: %v", core.ErrCorrupt, key, err))
		}
		data, err := src.Get(ctx, c)
		if errors.Is(err, core.ErrNotFound) {
			continue // deleted after the feed read it
		}
		if err != nil {
			return fail(err)
		}
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return fail(err)
		}
		if err := bs.Put(ctx, blk); err != nil {
			return fail(fmt.Errorf("failed to write block %s: %w", c, err))
		}
		snap.Count++
		snap.Bytes += uint64(len(data))
	}

	encoded, err := codec.Encode(&snap)
	if err != nil {
		return fail(err)
	}
	root, err := builder.ManifestCID(encoded)
	if err != nil {
		return fail(err)
	}
	blk, err := blocks.NewBlockWithCid(encoded, root)
	if err != nil {
		return fail(err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return fail(fmt.Errorf("failed to write snapshot: %w", err))
	}

	if err := bs.Finalize(); err != nil {
		_ = os.Remove(tmp)
		return cid.Undef, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := carv2.ReplaceRootsInFile(tmp, []cid.Cid{root}); err != nil {
		_ = os.Remove(tmp)
		return cid.Undef, fmt.Errorf("failed to set archive root: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return cid.Undef, err
	}

	log.Info("archive exported", "path", path, "root", root.String(), "count", snap.Count, "bytes", snap.Bytes)
	return root, nil
}

// Import writes every block of the archive at path to dst, flushes it and
// checks the totals against the archive's snapshot. Blocks are validated
// by dst.
func Import(ctx context.Context, dst Sink, path string) (manifest.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest.Snapshot{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return manifest.Snapshot{}, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	if len(br.Roots) != 1 {
		return manifest.Snapshot{}, fmt.Errorf("%w: archive has %d roots, expected 1", core.ErrCorrupt, len(br.Roots))
	}
	root := br.Roots[0]

	var (
		snap         *manifest.Snapshot
		count, total uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return manifest.Snapshot{}, err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return manifest.Snapshot{}, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
		}

		if blk.Cid().Equals(root) {
			if snap, err = decodeSnapshot(root, blk.RawData()); err != nil {
				return manifest.Snapshot{}, err
			}
			continue
		}

		if err := dst.Put(ctx, blk.Cid(), blk.RawData()); err != nil {
			return manifest.Snapshot{}, fmt.Errorf("block %s: %w", blk.Cid(), err)
		}
		count++
		total += uint64(len(blk.RawData()))
	}

	if err := dst.Flush(ctx); err != nil {
		return manifest.Snapshot{}, err
	}

	if snap == nil {
		return manifest.Snapshot{}, fmt.Errorf("%w: snapshot block %s missing", core.ErrCorrupt, root)
	}
	if snap.Count != count || snap.Bytes != total {
		return manifest.Snapshot{}, fmt.Errorf("%w: snapshot lists %d blocks / %d bytes, archive holds %d / %d",
			core.ErrCorrupt, snap.Count, snap.Bytes, count, total)
	}

	log.Info("archive imported", "path", path, "root", root.String(), "count", count, "bytes", total)
	return *snap, nil
}

func decodeSnapshot(root cid.Cid, data []byte) (*manifest.Snapshot, error) {
	if err := cidutil.Validate(root, data); err != nil {
		return nil, fmt.Errorf("%w: snapshot block: %v", core.ErrCorrupt, err)
	}
	return manifest.NewCodec(manifest.DefaultLimits).Decode(data)
}
