package cachedio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/columnkit/cachedio/cache"
	"github.com/columnkit/cachedio/track"
)

// countingReaderAt serves from an in-memory buffer and records every
// physical read issued against it.
type countingReaderAt struct {
	data []byte

	mu    sync.Mutex
	reads []Region

	// When gate is non-nil every ReadAt blocks on it after signalling
	// entered.
	gate    chan struct{}
	entered chan struct{}
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.reads = append(c.reads, Region{Offset: uint64(off), Length: uint64(len(p))})
	c.mu.Unlock()
	if off >= int64(len(c.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (c *countingReaderAt) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}

func (c *countingReaderAt) readRegions() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Region(nil), c.reads...)
}

type failingReaderAt struct{ err error }

func (f *failingReaderAt) ReadAt([]byte, int64) (int, error) { return 0, f.err }

// neverPreload is a tracker that scores everything as unlikely to be read.
type neverPreload struct{ nopTracker }

func (neverPreload) ShouldPreload(track.TrackingID, int) bool { return false }

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestInput(t *testing.T, file io.ReaderAt, size int64, options ...Option) *CachedBufferedInput {
	t.Helper()
	tiers := cache.MemoryOnly(cache.NewMemory(64<<20, nil))
	in, err := New("test.orc", file, size, tiers, options...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, in.Close()) })
	return in
}

func requireStreamContent(t *testing.T, s *CacheInputStream, want []byte) {
	t.Helper()
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "stream content mismatch: got %d bytes, want %d", len(got), len(want))
}

func Test_Load_CoalescesAdjacentRegions(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	s1 := in.Enqueue(Region{Offset: 0, Length: 100}, 1)
	s2 := in.Enqueue(Region{Offset: 100, Length: 200}, 2)
	s3 := in.Enqueue(Region{Offset: 300, Length: 1000}, 3)
	require.NoError(t, in.Load(context.Background(), LogRead))

	require.Equal(t, []Region{{Offset: 0, Length: 1300}}, file.readRegions(), "one physical read for the whole batch")
	requireStreamContent(t, s1, content[0:100])
	requireStreamContent(t, s2, content[100:300])
	requireStreamContent(t, s3, content[300:1300])
}

func Test_Load_GapBeyondToleranceSplitsReads(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)), WithHoleTolerance(50))

	s1 := in.Enqueue(Region{Offset: 0, Length: 100}, 1)
	s2 := in.Enqueue(Region{Offset: 100, Length: 200}, 1)
	s3 := in.Enqueue(Region{Offset: 400, Length: 100}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))

	require.ElementsMatch(t, []Region{
		{Offset: 0, Length: 300},
		{Offset: 400, Length: 100},
	}, file.readRegions())
	requireStreamContent(t, s1, content[0:100])
	requireStreamContent(t, s2, content[100:300])
	requireStreamContent(t, s3, content[400:500])
}

func Test_Load_CacheHitsSkipPhysicalIO(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	mem := cache.NewMemory(64<<20, nil)
	tiers := cache.MemoryOnly(mem)

	in1, err := New("test.orc", file, int64(len(content)), tiers)
	require.NoError(t, err)
	s := in1.Enqueue(Region{Offset: 4096, Length: 8192}, 1)
	require.NoError(t, in1.Load(context.Background(), LogRead))
	requireStreamContent(t, s, content[4096:4096+8192])
	require.Equal(t, 1, file.readCount())
	require.NoError(t, in1.Close())

	// A second input over the same tiers finds the bytes resident.
	in2, err := New("test.orc", file, int64(len(content)), tiers)
	require.NoError(t, err)
	defer func() { require.NoError(t, in2.Close()) }()
	require.True(t, in2.IsBuffered(4096, 8192))
	s2 := in2.Enqueue(Region{Offset: 4096, Length: 8192}, 1)
	require.NoError(t, in2.Load(context.Background(), LogRead))
	require.Equal(t, 1, file.readCount(), "no further physical I/O")
	requireStreamContent(t, s2, content[4096:4096+8192])
}

func Test_CoalescedLoad_ReturnsNonNilExactlyOnce(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	s := in.Enqueue(Region{Offset: 0, Length: 128}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))

	require.NotNil(t, in.CoalescedLoad(s))
	require.Nil(t, in.CoalescedLoad(s), "registration is cleared on first lookup")
	require.Nil(t, in.CoalescedLoad(s))
}

func Test_Load_ZeroLengthRequestsResolveWithoutIO(t *testing.T) {
	content := testContent(4096)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	s1 := in.Enqueue(Region{Offset: 10, Length: 0}, 1)
	s2 := in.Enqueue(Region{Offset: 20, Length: 0}, 2)
	require.NoError(t, in.Load(context.Background(), LogRead))

	require.Zero(t, file.readCount())
	requireStreamContent(t, s1, nil)
	requireStreamContent(t, s2, nil)
}

func Test_New_LoadQuantumExceedingSsdCeilingFails(t *testing.T) {
	mem := cache.NewMemory(1<<20, nil)
	ssd, err := cache.NewSsd(t.TempDir(), 16, 1<<20, nil, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, ssd.Close()) }()

	file := &countingReaderAt{data: testContent(4096)}

	_, err = New("test.orc", file, 4096, cache.MemoryPlusSsd(mem, ssd), WithLoadQuantum(1<<20))
	require.ErrorContains(t, err, "exceeds ssd cache entry size limit")

	// The same quantum without an SSD tier is fine.
	in, err := New("test.orc", file, 4096, cache.MemoryOnly(mem), WithLoadQuantum(1<<20))
	require.NoError(t, err)
	require.NoError(t, in.Close())
}

func Test_Close_CancelsOutstandingLoads(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{
		data:    content,
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	in := newTestInput(t, file, int64(len(content)))

	s := in.Enqueue(Region{Offset: 0, Length: 512}, 1)

	loadErr := make(chan error, 1)
	go func() { loadErr <- in.Load(context.Background(), LogRead) }()
	<-file.entered // the physical read is in flight

	closeErr := make(chan error, 1)
	go func() { closeErr <- in.Close() }()
	// Give Close a moment to request cancellation, then let the read finish.
	time.Sleep(10 * time.Millisecond)
	close(file.gate)

	require.NoError(t, <-loadErr)
	require.NoError(t, <-closeErr)

	_, err := io.ReadAll(s)
	require.ErrorIs(t, err, ErrLoadCancelled, "constituents observe the cancellation, never a silent drop")
}

func Test_Close_CancelsScheduledLoadBeforeExecution(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	// An executor that never runs anything: loads stay Scheduled.
	in := newTestInput(t, file, int64(len(content)), WithExecutor(executorFunc(func(func()) {})))

	s := in.Enqueue(Region{Offset: 0, Length: 512}, 1)
	require.NoError(t, in.Load(context.Background(), LogStripe))
	require.Zero(t, file.readCount())

	require.NoError(t, in.Close())
	_, err := io.ReadAll(s)
	require.ErrorIs(t, err, ErrLoadCancelled)
}

type executorFunc func(task func())

func (f executorFunc) Submit(task func()) { f(task) }

func Test_Load_IOErrorIsStickyAndSurfacesOnFirstRead(t *testing.T) {
	wantErr := fmt.Errorf("disk on fire")
	in := newTestInput(t, &failingReaderAt{err: wantErr}, 1<<20)

	s1 := in.Enqueue(Region{Offset: 0, Length: 100}, 1)
	s2 := in.Enqueue(Region{Offset: 100, Length: 100}, 2)
	require.NoError(t, in.Load(context.Background(), LogRead), "Load does not fail; errors surface per stream")

	_, err := io.ReadAll(s1)
	require.ErrorIs(t, err, wantErr, "the original error is preserved")
	_, err = io.ReadAll(s2)
	require.ErrorIs(t, err, wantErr)
}

func Test_Prefetch_DeclinedWhenTrackerSaysNo(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)),
		WithExecutor(pool), WithTracker(neverPreload{}))

	require.False(t, in.Prefetch(Region{Offset: 0, Length: 4096}, 1))
	require.Zero(t, file.readCount())

	// The region stays pending for the next synchronous load.
	s := in.Enqueue(Region{Offset: 0, Length: 4096}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))
	require.Equal(t, 1, file.readCount())
	requireStreamContent(t, s, content[:4096])
}

func Test_Prefetch_DeclinedWithoutExecutor(t *testing.T) {
	content := testContent(8192)
	in := newTestInput(t, &countingReaderAt{data: content}, int64(len(content)))
	require.False(t, in.Prefetch(Region{Offset: 0, Length: 4096}, 1))
}

func Test_Prefetch_DeclinedWhenBudgetExhausted(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)),
		WithExecutor(pool), WithPrefetchBudget(1024))

	require.False(t, in.Prefetch(Region{Offset: 0, Length: 4096}, 1), "larger than the whole budget")
}

func Test_Prefetch_LoadsRegionInBackground(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)), WithExecutor(pool))

	require.True(t, in.Prefetch(Region{Offset: 32768, Length: 4096}, 1))
	require.Eventually(t, func() bool {
		return in.IsBuffered(32768, 4096)
	}, 5*time.Second, time.Millisecond)

	// The subsequent load is a pure cache hit.
	s := in.Enqueue(Region{Offset: 32768, Length: 4096}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))
	require.Equal(t, 1, file.readCount())
	requireStreamContent(t, s, content[32768:32768+4096])
}

func Test_Stream_FirstReadBlocksOnInFlightLoad(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{
		data:    content,
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)), WithExecutor(pool))

	s := in.Enqueue(Region{Offset: 0, Length: 4096}, 1)
	require.NoError(t, in.Load(context.Background(), LogStripe))
	<-file.entered // pins are acquired, the physical read is in flight

	readErr := make(chan error, 1)
	got := make(chan []byte, 1)
	go func() {
		b, err := io.ReadAll(s)
		readErr <- err
		got <- b
	}()

	// The read must block on the load's terminal state, not trip over the
	// pre-acquired empty pin.
	select {
	case err := <-readErr:
		t.Fatalf("read returned while the load was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(file.gate)
	require.NoError(t, <-readErr)
	require.True(t, bytes.Equal(content[:4096], <-got))
	require.Equal(t, 1, file.readCount())
}

func Test_Prefetch_RacingLoadSharesOnePhysicalRead(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{
		data:    content,
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)), WithExecutor(pool))

	require.True(t, in.Prefetch(Region{Offset: 0, Length: 4096}, 1))
	<-file.entered // the speculative read is in flight

	s := in.Enqueue(Region{Offset: 0, Length: 4096}, 1)
	loadErr := make(chan error, 1)
	go func() { loadErr <- in.Load(context.Background(), LogRead) }()

	// Give the synchronous load time to reach the in-flight entry, then let
	// the speculative read finish; the load must ride on its fill.
	time.Sleep(10 * time.Millisecond)
	close(file.gate)

	require.NoError(t, <-loadErr)
	requireStreamContent(t, s, content[:4096])
	require.Equal(t, 1, file.readCount(), "the racing load reuses the speculative read")
}

func Test_Prefetch_DeclinedAfterClose(t *testing.T) {
	content := testContent(8192)
	file := &countingReaderAt{data: content}
	pool := NewPool(2, 16)
	defer pool.Close()

	tiers := cache.MemoryOnly(cache.NewMemory(64<<20, nil))
	in, err := New("test.orc", file, int64(len(content)), tiers, WithExecutor(pool))
	require.NoError(t, err)
	require.NoError(t, in.Close())

	require.False(t, in.Prefetch(Region{Offset: 0, Length: 4096}, 1))
	require.Zero(t, file.readCount())
}

func Test_Register_AfterCloseCancelsLoad(t *testing.T) {
	content := testContent(8192)
	file := &countingReaderAt{data: content}
	tiers := cache.MemoryOnly(cache.NewMemory(64<<20, nil))
	in, err := New("test.orc", file, int64(len(content)), tiers)
	require.NoError(t, err)
	require.NoError(t, in.Close())

	// A load that lost the race with Close must be cancelled on the spot;
	// it would otherwise miss the teardown snapshot and never resolve.
	req := &cacheRequest{key: cache.Key{FileNum: in.fileNum, Offset: 0}, size: 64, coalesces: true}
	ld := newCoalescedLoad(in, file, false, []*cacheRequest{req})
	in.register(ld)

	require.Equal(t, LoadCancelled, ld.State())
	require.ErrorIs(t, ld.ensure(context.Background()), ErrLoadCancelled)
	require.Zero(t, file.readCount())
}

func Test_Registry_ClearedAfterStreamResolves(t *testing.T) {
	content := testContent(1 << 20)
	in := newTestInput(t, &countingReaderAt{data: content}, int64(len(content)))

	s := in.Enqueue(Region{Offset: 0, Length: 100}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))
	requireStreamContent(t, s, content[:100])

	in.mu.Lock()
	remaining := len(in.loads)
	in.mu.Unlock()
	require.Zero(t, remaining, "resolved streams leave no registry entries behind")
}

func Test_Read_SingleShotBypassesBatching(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	// A pending enqueue must stay untouched by the out-of-band read.
	pending := in.Enqueue(Region{Offset: 0, Length: 64}, 1)

	s, err := in.Read(context.Background(), uint64(len(content)-512), 512, LogFooter)
	require.NoError(t, err)
	requireStreamContent(t, s, content[len(content)-512:])
	require.Equal(t, 1, file.readCount())

	// Same range again: served from cache.
	s2, err := in.Read(context.Background(), uint64(len(content)-512), 512, LogFooter)
	require.NoError(t, err)
	requireStreamContent(t, s2, content[len(content)-512:])
	require.Equal(t, 1, file.readCount())

	require.NoError(t, in.Load(context.Background(), LogRead))
	requireStreamContent(t, pending, content[:64])
}

func Test_SsdTier_ServesSecondColdRead(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	ssd, err := cache.NewSsd(t.TempDir(), cache.DefaultSsdEntrySizeBits, 64<<20, nil, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, ssd.Close()) }()

	mem1 := cache.NewMemory(64<<20, nil)
	in1, err := New("test.orc", file, int64(len(content)), cache.MemoryPlusSsd(mem1, ssd))
	require.NoError(t, err)
	s1 := in1.Enqueue(Region{Offset: 1000, Length: 2000}, 1)
	require.NoError(t, in1.Load(context.Background(), LogRead))
	requireStreamContent(t, s1, content[1000:3000])
	require.Equal(t, 1, file.readCount())
	require.NoError(t, in1.Close())

	// Fresh memory tier, same SSD tier: the write-through copy serves the
	// read with no storage I/O.
	mem2 := cache.NewMemory(64<<20, nil)
	in2, err := New("test.orc", file, int64(len(content)), cache.MemoryPlusSsd(mem2, ssd))
	require.NoError(t, err)
	defer func() { require.NoError(t, in2.Close()) }()
	require.True(t, in2.IsBuffered(1000, 2000))
	s2 := in2.Enqueue(Region{Offset: 1000, Length: 2000}, 1)
	require.NoError(t, in2.Load(context.Background(), LogRead))
	require.Equal(t, 1, file.readCount(), "served from ssd, not storage")
	requireStreamContent(t, s2, content[1000:3000])
}

func Test_Enqueue_SparseColumnDoesNotCoalesce(t *testing.T) {
	content := testContent(8 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)),
		WithTracker(neverPreload{}), WithSparseThreshold(1<<20))

	// Two adjacent large regions of a sparsely read column: two reads.
	s1 := in.Enqueue(Region{Offset: 0, Length: 2 << 20}, 1)
	s2 := in.Enqueue(Region{Offset: 2 << 20, Length: 2 << 20}, 1)
	require.NoError(t, in.Load(context.Background(), LogRead))
	require.Equal(t, 2, file.readCount())
	requireStreamContent(t, s1, content[:2<<20])
	requireStreamContent(t, s2, content[2<<20:4<<20])
}

func Test_Clone_SharesCacheButNotBatches(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	sibling := in.Clone()
	defer func() { require.NoError(t, sibling.Close()) }()

	s := in.Enqueue(Region{Offset: 0, Length: 1024}, 1)
	require.NoError(t, sibling.Load(context.Background(), LogRead), "sibling has an empty batch")
	require.Zero(t, file.readCount())

	require.NoError(t, in.Load(context.Background(), LogRead))
	requireStreamContent(t, s, content[:1024])
	require.True(t, sibling.IsBuffered(0, 1024), "tiers are shared")

	s2 := sibling.Enqueue(Region{Offset: 0, Length: 1024}, 1)
	require.NoError(t, sibling.Load(context.Background(), LogRead))
	require.Equal(t, 1, file.readCount())
	requireStreamContent(t, s2, content[:1024])
}

func Test_Stream_ReadBeforeLoadFails(t *testing.T) {
	content := testContent(4096)
	in := newTestInput(t, &countingReaderAt{data: content}, int64(len(content)))

	s := in.Enqueue(Region{Offset: 0, Length: 100}, 1)
	_, err := io.ReadAll(s)
	require.ErrorIs(t, err, ErrNotLoaded)
}

func Test_Load_AsyncSchedulingStillResolvesOnFirstRead(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	pool := NewPool(2, 16)
	defer pool.Close()
	in := newTestInput(t, file, int64(len(content)), WithExecutor(pool))

	s := in.Enqueue(Region{Offset: 0, Length: 4096}, 1)
	require.NoError(t, in.Load(context.Background(), LogStripe))

	// Whether the pool or the reading goroutine executes the load, the
	// first read blocks until the bytes are there and exactly one physical
	// read happens.
	requireStreamContent(t, s, content[:4096])
	require.Equal(t, 1, file.readCount())
}

func Test_ReaderAt_ReadsThroughCache(t *testing.T) {
	content := testContent(1 << 20)
	file := &countingReaderAt{data: content}
	in := newTestInput(t, file, int64(len(content)))

	r := in.ReaderAt(context.Background(), track.MakeTrackingID("test.orc", "footer"))
	buf := make([]byte, 256)
	n, err := r.ReadAt(buf, 512)
	require.NoError(t, err)
	require.Equal(t, 256, n)
	require.True(t, bytes.Equal(content[512:768], buf))

	_, err = r.ReadAt(buf, 512)
	require.NoError(t, err)
	require.Equal(t, 1, file.readCount(), "second ReadAt is a cache hit")
}
