package ipldstore

import (
	"context"
	"io"

	"github.com/ipfs/go-cid"
)

func (s *store) AddStream(ctx context.Context, r io.Reader) ([]cid.Cid, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	w := s.NewBulkWriter(0)
	defer s.unregisterWriter(w)

	var (
		cids  []cid.Cid
		total int64
	)
	for ch, err := range s.chunker.Split(ctx, r) {
		if err != nil {
			return nil, err
		}
		c, err := s.cids.ChunkCID(ch.Data)
		if err != nil {
			return nil, err
		}
		if err := w.Put(ctx, c, ch.Data); err != nil {
			return nil, err
		}
		cids = append(cids, c)
		total += int64(len(ch.Data))
	}

	if err := w.Close(ctx); err != nil {
		return nil, err
	}
	s.log.Debug("stream added", "chunks", len(cids), "bytes", total)
	return cids, nil
}
