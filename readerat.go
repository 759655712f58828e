package cachedio

import (
	"context"
	"io"

	"github.com/columnkit/cachedio/track"
)

// ReaderAt adapts the input to io.ReaderAt so generic file readers, such as
// a parquet reader opening a file, can read through the cache. Every ReadAt
// is a single-shot scheduled read; ranges that decoders fetch repeatedly
// (footers, dictionaries) come out of the memory tier after the first call.
type ReaderAt struct {
	ctx context.Context
	in  *CachedBufferedInput
	tid track.TrackingID
}

// ReaderAt returns an io.ReaderAt view of the input. Reads issued through it
// use the given context and are attributed to tid.
func (in *CachedBufferedInput) ReaderAt(ctx context.Context, tid track.TrackingID) *ReaderAt {
	return &ReaderAt{ctx: ctx, in: in, tid: tid}
}

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.in.tracker.RecordReference(r.tid, r.in.groupID, uint64(len(p)))
	s, err := r.in.Read(r.ctx, uint64(off), uint64(len(p)), LogFooter)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	n, err := io.ReadFull(s, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// ReaderAt contract: fewer bytes than requested is an error.
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
