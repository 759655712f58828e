package cachedio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotLoaded is returned when a stream is read before Load resolved its
// region. The planning phase must call Load before decoding starts.
var ErrNotLoaded = errors.New("cachedio: stream read before Load")

// CacheInputStream is the cursor handed back by Enqueue and Read. The first
// byte access resolves the backing coalesced load, blocking until it reaches
// a terminal state; subsequent reads are plain slice reads over the filled
// pin, with no further copies or locks on the hot path.
//
// A stream serves exactly the bytes reserved at Enqueue time; reading past
// them yields io.EOF. Decoders that need more bytes than planning reserved
// have a planning bug, not a recoverable condition. A stream is consumed by
// a single goroutine; different streams of the same input may be consumed
// concurrently.
type CacheInputStream struct {
	in     *CachedBufferedInput
	req    *cacheRequest
	region Region

	resolved bool
	data     []byte
	err      error
	pos      uint64
}

// Region returns the byte range of the file the stream covers.
func (s *CacheInputStream) Region() Region { return s.region }

// Size returns the stream length in bytes.
func (s *CacheInputStream) Size() uint64 { return s.region.Length }

// resolve blocks until the stream's bytes are available or its load reached
// a terminal failure. The error, once set, is sticky.
func (s *CacheInputStream) resolve(ctx context.Context) error {
	if s.resolved {
		return s.err
	}
	if s.req == nil { // zero-length stream
		s.resolved = true
		return nil
	}

	// Cache hits have their pin set during Load; everything else resolves
	// through its coalesced load, even when the load acquired the pin
	// already: an executor-scheduled load pins its entries before the
	// physical read, and a read racing that window must still block on the
	// terminal state. The registry lookup succeeds at most once; retries
	// after a caller-side cancellation fall back to the request's own load
	// reference.
	ld := s.in.CoalescedLoad(s)
	if ld == nil {
		ld = s.req.getLoad()
	}
	if ld != nil {
		if err := ld.ensure(ctx); err != nil {
			// A caller-side context cancellation is not sticky; the load may
			// still complete for another reader.
			switch ld.State() {
			case LoadFailed, LoadCancelled:
				s.resolved = true
				s.err = err
			}
			return err
		}
	}

	pin := s.req.getPin()
	if pin == nil {
		if ld == nil {
			return ErrNotLoaded
		}
		// The load finished without ever acquiring pins.
		s.resolved = true
		s.err = fmt.Errorf("cachedio: load produced no bytes for offset %d", s.region.Offset)
		return s.err
	}
	s.resolved = true
	data, err := pin.Bytes()
	if err != nil {
		s.err = err
		return s.err
	}
	s.data = data
	s.in.tracker.RecordRead(s.req.tracking, s.region.Length)
	return nil
}

// Read implements io.Reader.
func (s *CacheInputStream) Read(p []byte) (int, error) {
	if err := s.resolve(context.Background()); err != nil {
		return 0, err
	}
	if s.pos >= uint64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += uint64(n)
	return n, nil
}

// ReadContext is Read with a context bounding the first, blocking access.
func (s *CacheInputStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := s.resolve(ctx); err != nil {
		return 0, err
	}
	return s.Read(p)
}

// Seek implements io.Seeker within the stream's region.
func (s *CacheInputStream) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(s.pos) + offset
	case io.SeekEnd:
		pos = int64(s.region.Length) + offset
	default:
		return 0, fmt.Errorf("cachedio: invalid whence %d", whence)
	}
	if pos < 0 || pos > int64(s.region.Length) {
		return 0, fmt.Errorf("cachedio: seek position %d outside stream of %d bytes", pos, s.region.Length)
	}
	s.pos = uint64(pos)
	return pos, nil
}

// Close releases the stream's cache pin. The owning input's Close is the
// backstop for streams that are never read or closed.
func (s *CacheInputStream) Close() error {
	if s.req != nil {
		s.req.release()
	}
	return nil
}
