package cachedio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/columnkit/cachedio/cache"
)

// ErrLoadCancelled is the sticky error constituents of a cancelled load
// observe on first read.
var ErrLoadCancelled = errors.New("cachedio: coalesced load cancelled")

// LoadState is the lifecycle state of a CoalescedLoad.
type LoadState int32

const (
	LoadCreated LoadState = iota
	LoadScheduled
	LoadInFlight
	LoadCompleted
	LoadFailed
	LoadCancelled
)

func (s LoadState) String() string {
	switch s {
	case LoadCreated:
		return "created"
	case LoadScheduled:
		return "scheduled"
	case LoadInFlight:
		return "in-flight"
	case LoadCompleted:
		return "completed"
	case LoadFailed:
		return "failed"
	case LoadCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CoalescedLoad is one physical read covering a group of region requests.
// Whichever goroutine first needs the result executes the read; everyone
// else waits on the terminal state. The owning dispatcher keeps every load
// reachable so it can bulk-cancel them on teardown.
type CoalescedLoad struct {
	id       uuid.UUID
	owner    *CachedBufferedInput
	src      io.ReaderAt
	fromSsd  bool
	span     Region // in the coordinate space of src
	requests []*cacheRequest

	mu        sync.Mutex
	state     atomic.Int32
	err       error
	cancelled bool // set when Cancel arrives while in flight
	done      chan struct{}
	onDone    func()
}

func newCoalescedLoad(owner *CachedBufferedInput, src io.ReaderAt, fromSsd bool, requests []*cacheRequest) *CoalescedLoad {
	start := requests[0].srcOffset()
	end := start + requests[0].size
	for _, r := range requests[1:] {
		if o := r.srcOffset(); o < start {
			start = o
		}
		if e := r.srcOffset() + r.size; e > end {
			end = e
		}
	}
	return &CoalescedLoad{
		id:       uuid.New(),
		owner:    owner,
		src:      src,
		fromSsd:  fromSsd,
		span:     Region{Offset: start, Length: end - start},
		requests: requests,
		done:     make(chan struct{}),
	}
}

// State returns the load's current state.
func (l *CoalescedLoad) State() LoadState {
	return LoadState(l.state.Load())
}

// Span returns the byte span the load's single physical read covers.
func (l *CoalescedLoad) Span() Region { return l.span }

func (l *CoalescedLoad) markScheduled() {
	l.state.CompareAndSwap(int32(LoadCreated), int32(LoadScheduled))
}

// ensure runs the load if no one has yet, or waits for whoever did. It
// returns the load's terminal error.
func (l *CoalescedLoad) ensure(ctx context.Context) error {
	l.mu.Lock()
	switch LoadState(l.state.Load()) {
	case LoadCompleted:
		l.mu.Unlock()
		return nil
	case LoadFailed:
		err := l.err
		l.mu.Unlock()
		return err
	case LoadCancelled:
		l.mu.Unlock()
		return ErrLoadCancelled
	case LoadInFlight:
		l.mu.Unlock()
		return l.wait(ctx)
	default:
		l.state.Store(int32(LoadInFlight))
		l.owner.metrics.inFlightLoads.Inc()
		l.mu.Unlock()
		l.execute(ctx)
		return l.terminalErr()
	}
}

// Cancel requests cancellation. It is idempotent and safe to call from any
// goroutine. Before execution the load transitions directly to Cancelled; in
// flight, the result is discarded when the read returns.
func (l *CoalescedLoad) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch LoadState(l.state.Load()) {
	case LoadCompleted, LoadFailed, LoadCancelled:
		return
	case LoadInFlight:
		l.cancelled = true
	default:
		l.state.Store(int32(LoadCancelled))
		l.err = ErrLoadCancelled
		l.owner.metrics.cancelledLoads.Inc()
		close(l.done)
		if l.onDone != nil {
			l.onDone()
		}
	}
}

func (l *CoalescedLoad) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return l.terminalErr()
	}
}

func (l *CoalescedLoad) terminalErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch LoadState(l.state.Load()) {
	case LoadFailed:
		return l.err
	case LoadCancelled:
		return ErrLoadCancelled
	default:
		return nil
	}
}

// execute performs the single physical read and fans the bytes out to the
// constituent pins. Exactly one goroutine reaches here per load.
func (l *CoalescedLoad) execute(ctx context.Context) {
	in := l.owner
	if in.tracer != nil {
		var span trace.Span
		ctx, span = in.tracer.Start(ctx, "CoalescedLoad.execute", trace.WithAttributes(
			attribute.String("load.id", l.id.String()),
			attribute.Int64("span.offset", int64(l.span.Offset)),
			attribute.Int64("span.length", int64(l.span.Length)),
			attribute.Bool("from.ssd", l.fromSsd),
		))
		defer span.End()
	}

	// One pin per constituent, acquired before the read so partial failure
	// has a well-defined target. Acquire blocks when another load is filling
	// the same entry; requests are sorted by source offset, so two loads
	// waiting on each other's entries would need inverted acquisition orders.
	mem := in.tiers.Memory()
	filled := 0
	for _, r := range l.requests {
		if pin := r.getPin(); pin != nil {
			if pin.Filled() {
				filled++
			}
			continue
		}
		pin, err := mem.Acquire(r.key, r.size)
		if err != nil {
			l.fail(fmt.Errorf("acquire pin for offset %d: %w", r.key.Offset, err))
			return
		}
		r.setPin(pin)
		if pin.Filled() {
			filled++
		}
	}
	if filled == len(l.requests) {
		// Every entry was filled by a concurrent load; nothing left to read.
		l.finish(LoadCompleted, nil)
		return
	}

	buf := make([]byte, l.span.Length)
	if _, err := l.src.ReadAt(buf, int64(l.span.Offset)); err != nil {
		l.fail(err)
		return
	}

	l.mu.Lock()
	discarded := l.cancelled
	l.mu.Unlock()
	if discarded {
		l.failWith(LoadCancelled, ErrLoadCancelled)
		in.metrics.cancelledLoads.Inc()
		return
	}

	for _, r := range l.requests {
		pin := r.getPin()
		if pin.Filled() {
			continue
		}
		pin.Fill(buf[r.srcOffset()-l.span.Offset : r.srcOffset()-l.span.Offset+r.size])
	}

	if ssd, ok := in.tiers.Ssd(); ok && !l.fromSsd && in.writeThrough {
		l.writeBack(ssd, buf)
	}

	var used uint64
	for _, r := range l.requests {
		used += r.size
	}
	in.metrics.readBytes.Add(float64(l.span.Length))
	in.metrics.holeBytes.Add(float64(l.span.Length - used))
	if l.fromSsd {
		in.metrics.ssdReads.Inc()
	} else {
		in.metrics.storageReads.Inc()
	}
	l.finish(LoadCompleted, nil)
}

// writeBack stores freshly loaded entries in the SSD tier. Failures are not
// load failures; the bytes are already resident in memory.
func (l *CoalescedLoad) writeBack(ssd cache.SsdTier, buf []byte) {
	for _, r := range l.requests {
		b := buf[r.srcOffset()-l.span.Offset : r.srcOffset()-l.span.Offset+r.size]
		err := ssd.WriteEntry(r.key, b)
		switch {
		case err == nil:
		case errors.Is(err, cache.ErrNoSpace), errors.Is(err, cache.ErrEntryTooLarge):
			// Write-back is speculative; a full tier is not worth a log line
			// per entry.
			return
		default:
			level.Warn(l.owner.logger).Log("msg", "ssd write-back failed", "load", l.id, "err", err)
			return
		}
	}
}

func (l *CoalescedLoad) fail(err error) {
	l.failWith(LoadFailed, err)
}

// failWith marks all unresolved constituent pins with the sticky error and
// finishes the load.
func (l *CoalescedLoad) failWith(state LoadState, err error) {
	for _, r := range l.requests {
		if pin := r.getPin(); pin != nil && !pin.Filled() && pin.Err() == nil {
			pin.Fail(err)
		}
	}
	level.Debug(l.owner.logger).Log("msg", "coalesced load did not complete", "load", l.id, "state", state, "err", err)
	l.finish(state, err)
}

func (l *CoalescedLoad) finish(state LoadState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Store(int32(state))
	l.err = err
	l.owner.metrics.inFlightLoads.Dec()
	close(l.done)
	if l.onDone != nil {
		l.onDone()
	}
}
