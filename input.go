package cachedio

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/columnkit/cachedio/cache"
	"github.com/columnkit/cachedio/track"
)

// cachePageSize is the unit of the numPages hint handed to the tracker.
const cachePageSize = 4096

// CachedBufferedInput schedules the byte-range reads of one columnar file.
// Decoding goroutines enqueue regions while a stripe is planned, Load
// coalesces the uncached ones into as few physical reads as possible, and
// each stream blocks on its first read until its coalesced load completes.
//
// Enqueue, Read and CoalescedLoad are safe for concurrent use; Load is meant
// to be called by a single planning goroutine per stripe but may race with
// stream reads of earlier batches.
type CachedBufferedInput struct {
	logger  log.Logger
	reg     prometheus.Registerer
	tracer  trace.Tracer
	metrics *inputMetrics

	fileName string
	fileNum  uint64
	file     io.ReaderAt
	fileSize uint64

	tiers    cache.Tiers
	tracker  track.Tracker
	executor Executor

	loadQuantum     uint64
	holeTolerance   uint64
	sparseThreshold uint64
	prefetchBudget  int64
	writeThrough    bool
	groupID         uint32
	prefetchSem     *semaphore.Weighted

	mu          sync.Mutex
	pending     []*cacheRequest
	allRequests []*cacheRequest
	loads       map[*CacheInputStream]*CoalescedLoad
	allLoads    []*CoalescedLoad
	closed      bool
}

// nopTracker is the default tracker: no history, always preload.
type nopTracker struct{}

func (nopTracker) RecordReference(track.TrackingID, uint32, uint64) {}
func (nopTracker) RecordRead(track.TrackingID, uint64)              {}
func (nopTracker) ShouldPreload(track.TrackingID, int) bool         { return true }

// New returns a read scheduler for the named file. The file name only
// identifies the file for cache addressing; all I/O goes through file.
func New(fileName string, file io.ReaderAt, fileSize int64, tiers cache.Tiers, options ...Option) (*CachedBufferedInput, error) {
	if tiers.Memory() == nil {
		return nil, fmt.Errorf("cachedio: a memory tier is required")
	}
	in := &CachedBufferedInput{
		logger:          log.NewNopLogger(),
		fileName:        fileName,
		fileNum:         xxhash.Sum64String(fileName),
		file:            file,
		fileSize:        uint64(fileSize),
		tiers:           tiers,
		tracker:         nopTracker{},
		loadQuantum:     DefaultLoadQuantum,
		holeTolerance:   DefaultHoleTolerance,
		sparseThreshold: DefaultSparseThreshold,
		prefetchBudget:  DefaultPrefetchBudget,
		writeThrough:    true,
		loads:           map[*CacheInputStream]*CoalescedLoad{},
	}
	for _, option := range options {
		if err := option(in); err != nil {
			return nil, err
		}
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.reg == nil {
		in.reg = prometheus.NewRegistry()
	}
	in.metrics = newInputMetrics(in.reg)
	in.prefetchSem = semaphore.NewWeighted(in.prefetchBudget)
	return in, nil
}

// FileName returns the name the input was opened with.
func (in *CachedBufferedInput) FileName() string { return in.fileName }

// FileSize returns the file size in bytes.
func (in *CachedBufferedInput) FileSize() uint64 { return in.fileSize }

// Enqueue appends a region to the pending batch and returns the stream that
// will serve its bytes once Load has run. No I/O happens here; reading from
// the stream before Load completes its coalesced load blocks.
func (in *CachedBufferedInput) Enqueue(region Region, tid track.TrackingID) *CacheInputStream {
	if region.Length == 0 {
		return &CacheInputStream{region: region, resolved: true}
	}
	coalesces := true
	if region.Length >= in.sparseThreshold && !in.tracker.ShouldPreload(tid, pagesHint(region.Length)) {
		coalesces = false
	}
	req := &cacheRequest{
		key:       cache.Key{FileNum: in.fileNum, Offset: region.Offset},
		size:      region.Length,
		tracking:  tid,
		coalesces: coalesces,
	}
	s := &CacheInputStream{in: in, req: req, region: region}
	req.stream = s
	in.tracker.RecordReference(tid, in.groupID, region.Length)

	in.mu.Lock()
	in.pending = append(in.pending, req)
	in.allRequests = append(in.allRequests, req)
	in.mu.Unlock()
	return s
}

// Load resolves the pending batch: requests already resident are satisfied
// synchronously, the rest are grouped per tier and loaded. With LogStripe
// and an executor configured, groups the tracker scores as likely to be read
// are scheduled speculatively; everything else executes inline before Load
// returns. I/O errors do not fail Load; they stay sticky on the affected
// loads and surface on each stream's first read.
func (in *CachedBufferedInput) Load(ctx context.Context, logType LogType) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return fmt.Errorf("cachedio: input closed")
	}
	pending := in.pending
	in.pending = nil
	in.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	if in.tracer != nil {
		var span trace.Span
		ctx, span = in.tracer.Start(ctx, "CachedBufferedInput.Load", trace.WithAttributes(
			attribute.String("log.type", logType.String()),
			attribute.Int("requests", len(pending)),
		))
		defer span.End()
	}

	mem := in.tiers.Memory()
	ssd, hasSsd := in.tiers.Ssd()
	var storageReqs, ssdReqs []*cacheRequest
	for _, r := range pending {
		if pin, ok := mem.Lookup(r.key, r.size); ok {
			r.setPin(pin)
			in.metrics.cacheHits.Inc()
			continue
		}
		in.metrics.cacheMisses.Inc()
		if hasSsd {
			if run, ok := ssd.Contains(r.key); ok && run.Size >= r.size {
				r.ssdRun = run
				r.ssdEligible = true
				ssdReqs = append(ssdReqs, r)
				continue
			}
		}
		storageReqs = append(storageReqs, r)
	}

	loads := in.makeLoads(storageReqs, in.file, false, in.loadQuantum)
	if hasSsd {
		loads = append(loads, in.makeLoads(ssdReqs, ssd.ReaderAt(), true, uint64(1)<<ssd.EntrySizeBits())...)
	}
	if len(loads) == 0 {
		return nil
	}
	level.Debug(in.logger).Log(
		"msg", "scheduling coalesced loads",
		"file", in.fileName, "log_type", logType,
		"requests", len(pending), "loads", len(loads),
	)

	inline := loads[:0:0]
	for _, ld := range loads {
		ld.markScheduled()
		if logType == LogStripe && in.executor != nil && in.preloadable(ld) {
			ld := ld
			in.metrics.prefetchScheduled.Inc()
			in.executor.Submit(func() { _ = ld.ensure(context.Background()) })
			continue
		}
		inline = append(inline, ld)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ld := range inline {
		ld := ld
		g.Go(func() error {
			// I/O errors stay sticky on the load and surface at first read;
			// only cancellation of the Load call itself propagates.
			if err := ld.ensure(gctx); err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	return g.Wait()
}

// makeLoads sorts requests by source offset, groups them under quantum, and
// registers one CoalescedLoad per group.
func (in *CachedBufferedInput) makeLoads(requests []*cacheRequest, src io.ReaderAt, fromSsd bool, quantum uint64) []*CoalescedLoad {
	if len(requests) == 0 {
		return nil
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].srcOffset() < requests[j].srcOffset()
	})
	ends := groupEnds(requests, quantum, in.holeTolerance)
	loads := make([]*CoalescedLoad, 0, len(ends))
	start := 0
	for _, end := range ends {
		ld := newCoalescedLoad(in, src, fromSsd, requests[start:end])
		start = end
		in.register(ld)
		loads = append(loads, ld)
	}
	return loads
}

// register maps every constituent stream to the load and adds it to the
// teardown list. A stream already registered for another load is a caller
// bug: a second enqueue and load cycle before the first was consumed. A load
// racing Close would miss the teardown snapshot, so it is cancelled on the
// spot instead of registered.
func (in *CachedBufferedInput) register(ld *CoalescedLoad) {
	for _, r := range ld.requests {
		r.setLoad(ld)
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		ld.Cancel()
		return
	}
	for _, r := range ld.requests {
		if r.stream == nil {
			continue
		}
		if _, ok := in.loads[r.stream]; ok {
			panic("cachedio: stream already registered for a coalesced load")
		}
		in.loads[r.stream] = ld
	}
	in.allLoads = append(in.allLoads, ld)
	in.mu.Unlock()
}

// preloadable reports whether every constituent's tracking identity scores
// high enough to load the group speculatively.
func (in *CachedBufferedInput) preloadable(ld *CoalescedLoad) bool {
	for _, r := range ld.requests {
		if !in.tracker.ShouldPreload(r.tracking, pagesHint(r.size)) {
			return false
		}
	}
	return true
}

// CoalescedLoad returns the load registered for the stream, or nil. The
// registration is cleared on the first hit, so the load is returned exactly
// once; that is what keeps several decoding paths referencing the same
// stream from re-triggering the same physical read.
func (in *CachedBufferedInput) CoalescedLoad(s *CacheInputStream) *CoalescedLoad {
	in.mu.Lock()
	defer in.mu.Unlock()
	ld, ok := in.loads[s]
	if !ok {
		return nil
	}
	delete(in.loads, s)
	return ld
}

// Read is a single-shot Enqueue plus Load for callers that do not batch,
// such as footer reads. The pending batch is untouched.
func (in *CachedBufferedInput) Read(ctx context.Context, offset, length uint64, logType LogType) (*CacheInputStream, error) {
	if length == 0 {
		return &CacheInputStream{region: Region{Offset: offset}, resolved: true}, nil
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, fmt.Errorf("cachedio: input closed")
	}
	in.mu.Unlock()

	req := &cacheRequest{
		key:       cache.Key{FileNum: in.fileNum, Offset: offset},
		size:      length,
		coalesces: true,
	}
	s := &CacheInputStream{in: in, req: req, region: Region{Offset: offset, Length: length}}
	req.stream = s
	in.mu.Lock()
	in.allRequests = append(in.allRequests, req)
	in.mu.Unlock()

	mem := in.tiers.Memory()
	if pin, ok := mem.Lookup(req.key, req.size); ok {
		req.setPin(pin)
		in.metrics.cacheHits.Inc()
		return s, nil
	}
	in.metrics.cacheMisses.Inc()

	src, fromSsd := io.ReaderAt(in.file), false
	if ssd, ok := in.tiers.Ssd(); ok {
		if run, ok := ssd.Contains(req.key); ok && run.Size >= req.size {
			req.ssdRun = run
			req.ssdEligible = true
			src, fromSsd = ssd.ReaderAt(), true
		}
	}
	ld := newCoalescedLoad(in, src, fromSsd, []*cacheRequest{req})
	in.register(ld)
	ld.markScheduled()
	level.Debug(in.logger).Log("msg", "single-shot read", "file", in.fileName, "offset", offset, "length", length, "log_type", logType)
	// Execute inline; a failure stays sticky and surfaces on first read.
	if err := ld.ensure(ctx); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return s, nil
}

// Prefetch schedules a speculative load of region on the executor. It
// returns false, silently, when no executor is configured, the tracker
// scores the region unlikely to be read, or the speculative byte budget is
// exhausted; the region then simply stays eligible for the next synchronous
// Load. A region already resident returns true without scheduling anything.
func (in *CachedBufferedInput) Prefetch(region Region, tid track.TrackingID) bool {
	if in.executor == nil || region.Length == 0 {
		return false
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.mu.Unlock()
	key := cache.Key{FileNum: in.fileNum, Offset: region.Offset}
	if in.tiers.Memory().Contains(key, region.Length) {
		return true
	}
	if !in.tracker.ShouldPreload(tid, pagesHint(region.Length)) {
		in.metrics.prefetchRejected.Inc()
		return false
	}
	if !in.prefetchSem.TryAcquire(int64(region.Length)) {
		in.metrics.prefetchRejected.Inc()
		return false
	}

	req := &cacheRequest{key: key, size: region.Length, tracking: tid, coalesces: true}
	src, fromSsd := io.ReaderAt(in.file), false
	if ssd, ok := in.tiers.Ssd(); ok {
		if run, ok := ssd.Contains(key); ok && run.Size >= req.size {
			req.ssdRun = run
			req.ssdEligible = true
			src, fromSsd = ssd.ReaderAt(), true
		}
	}
	in.mu.Lock()
	in.allRequests = append(in.allRequests, req)
	in.mu.Unlock()

	ld := newCoalescedLoad(in, src, fromSsd, []*cacheRequest{req})
	ld.onDone = func() { in.prefetchSem.Release(int64(region.Length)) }
	in.register(ld)
	ld.markScheduled()
	in.metrics.prefetchScheduled.Inc()
	in.executor.Submit(func() { _ = ld.ensure(context.Background()) })
	return true
}

// IsBuffered reports whether the byte range is resident in either tier. It
// has no side effects.
func (in *CachedBufferedInput) IsBuffered(offset, length uint64) bool {
	if length == 0 {
		return true
	}
	key := cache.Key{FileNum: in.fileNum, Offset: offset}
	if in.tiers.Memory().Contains(key, length) {
		return true
	}
	if ssd, ok := in.tiers.Ssd(); ok {
		if run, ok := ssd.Contains(key); ok && run.Size >= length {
			return true
		}
	}
	return false
}

// Clone returns a sibling input over the same file sharing the cache tiers,
// tracker, executor, metrics and prefetch budget, but with an independent
// pending batch and stream registry. Used when several stripe readers read
// the same file concurrently.
func (in *CachedBufferedInput) Clone() *CachedBufferedInput {
	return &CachedBufferedInput{
		logger:          in.logger,
		reg:             in.reg,
		tracer:          in.tracer,
		metrics:         in.metrics,
		fileName:        in.fileName,
		fileNum:         in.fileNum,
		file:            in.file,
		fileSize:        in.fileSize,
		tiers:           in.tiers,
		tracker:         in.tracker,
		executor:        in.executor,
		loadQuantum:     in.loadQuantum,
		holeTolerance:   in.holeTolerance,
		sparseThreshold: in.sparseThreshold,
		prefetchBudget:  in.prefetchBudget,
		writeThrough:    in.writeThrough,
		groupID:         in.groupID,
		prefetchSem:     in.prefetchSem,
		loads:           map[*CacheInputStream]*CoalescedLoad{},
	}
}

// Close cancels every outstanding coalesced load, waits until in-flight
// executions have observed the cancellation, and only then releases all
// cache pins held by this input's requests.
func (in *CachedBufferedInput) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	loads := in.allLoads
	requests := in.allRequests
	in.allLoads = nil
	in.allRequests = nil
	in.pending = nil
	// Streams not yet read find their load through the request's own
	// reference, so the registry can be dropped here.
	in.loads = map[*CacheInputStream]*CoalescedLoad{}
	in.mu.Unlock()

	for _, ld := range loads {
		ld.Cancel()
	}
	for _, ld := range loads {
		<-ld.done
	}
	for _, r := range requests {
		r.release()
	}
	return nil
}

func pagesHint(n uint64) int {
	return int((n + cachePageSize - 1) / cachePageSize)
}
