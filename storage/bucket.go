// Package storage adapts object storage buckets to the positional read
// interface the read scheduler issues its physical I/O against. Any
// objstore.Bucket (local filesystem, S3, GCS, in-memory) can serve as the
// storage medium.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/thanos-io/objstore"
)

// Bucket is an objstore.Bucket that also supports reading files through an
// io.ReaderAt.
type Bucket interface {
	objstore.Bucket
	GetReaderAt(ctx context.Context, name string) (io.ReaderAt, error)
}

// BucketReaderAt implements Bucket on top of a plain objstore.Bucket.
type BucketReaderAt struct {
	objstore.Bucket
}

// NewBucketReaderAt returns a new Bucket.
func NewBucketReaderAt(bucket objstore.Bucket) *BucketReaderAt {
	return &BucketReaderAt{Bucket: bucket}
}

// GetReaderAt returns an io.ReaderAt for the named object. Reads issued
// through it use the given context.
func (b *BucketReaderAt) GetReaderAt(ctx context.Context, name string) (io.ReaderAt, error) {
	return &FileReaderAt{
		bucket: b.Bucket,
		name:   name,
		ctx:    ctx,
	}, nil
}

// OpenFile returns a reader over the named object together with its size, as
// needed to construct a read scheduler for it.
func (b *BucketReaderAt) OpenFile(ctx context.Context, name string) (io.ReaderAt, int64, error) {
	attrs, err := b.Attributes(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("stat %q: %w", name, err)
	}
	r, err := b.GetReaderAt(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	return r, attrs.Size, nil
}

// FileReaderAt adapts one object in a bucket to io.ReaderAt using ranged
// gets. Each ReadAt is a single GetRange round trip; the coalescing layer
// above is what keeps the number of round trips low.
type FileReaderAt struct {
	bucket objstore.Bucket
	name   string
	ctx    context.Context
}

// ReadAt implements io.ReaderAt.
func (f *FileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	rc, err := f.bucket.GetRange(f.ctx, f.name, off, int64(len(p)))
	if err != nil {
		return 0, fmt.Errorf("get range %q [%d,%d): %w", f.name, off, off+int64(len(p)), err)
	}
	defer rc.Close()

	total := 0
	for total < len(p) { // Read does not guarantee a full buffer, ReadAt does.
		n, err := rc.Read(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}
	if total < len(p) {
		return total, io.ErrUnexpectedEOF
	}
	return total, nil
}
