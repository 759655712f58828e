package cachedio

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/columnkit/cachedio/track"
)

const (
	// DefaultLoadQuantum is the default maximum span of one coalesced
	// physical read against the storage medium.
	DefaultLoadQuantum = 8 << 20

	// DefaultHoleTolerance is the default maximum gap bridged between two
	// adjacent regions when coalescing. It is tuned independently of the
	// load quantum.
	DefaultHoleTolerance = 32 << 10

	// DefaultSparseThreshold is the size from which a region whose tracking
	// identity looks sparsely read stops coalescing with its neighbors.
	DefaultSparseThreshold = 1 << 20

	// DefaultPrefetchBudget bounds the bytes pinned by speculative loads at
	// any moment.
	DefaultPrefetchBudget = 64 << 20
)

// Option configures a CachedBufferedInput.
type Option func(*CachedBufferedInput) error

// WithLogger sets the logger. The default is a nop logger.
func WithLogger(logger log.Logger) Option {
	return func(in *CachedBufferedInput) error {
		in.logger = logger
		return nil
	}
}

// WithRegisterer sets the prometheus registerer metrics are registered with.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(in *CachedBufferedInput) error {
		in.reg = reg
		return nil
	}
}

// WithTracerProvider enables tracing of Load calls and coalesced load
// executions.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(in *CachedBufferedInput) error {
		in.tracer = tp.Tracer("cachedio")
		return nil
	}
}

// WithExecutor sets the executor speculative loads are scheduled on. Without
// one, every load executes inline and Prefetch always returns false.
func WithExecutor(e Executor) Option {
	return func(in *CachedBufferedInput) error {
		in.executor = e
		return nil
	}
}

// WithTracker sets the access tracker consulted for prefetch and coalescing
// decisions. The default tracker preloads everything.
func WithTracker(t track.Tracker) Option {
	return func(in *CachedBufferedInput) error {
		in.tracker = t
		return nil
	}
}

// WithGroupID sets the row-group ordinal reported to the tracker for
// requests enqueued on this input.
func WithGroupID(group uint32) Option {
	return func(in *CachedBufferedInput) error {
		in.groupID = group
		return nil
	}
}

// WithLoadQuantum sets the maximum span of one coalesced read against the
// storage medium.
func WithLoadQuantum(quantum uint64) Option {
	return func(in *CachedBufferedInput) error {
		if quantum == 0 {
			return fmt.Errorf("load quantum must be positive")
		}
		in.loadQuantum = quantum
		return nil
	}
}

// WithHoleTolerance sets the maximum gap bridged between adjacent regions
// when coalescing an immediate load.
func WithHoleTolerance(tolerance uint64) Option {
	return func(in *CachedBufferedInput) error {
		in.holeTolerance = tolerance
		return nil
	}
}

// WithSparseThreshold sets the region size from which sparsely read columns
// stop coalescing.
func WithSparseThreshold(threshold uint64) Option {
	return func(in *CachedBufferedInput) error {
		in.sparseThreshold = threshold
		return nil
	}
}

// WithPrefetchBudget bounds the bytes held by speculative loads at any
// moment.
func WithPrefetchBudget(bytes int64) Option {
	return func(in *CachedBufferedInput) error {
		if bytes <= 0 {
			return fmt.Errorf("prefetch budget must be positive")
		}
		in.prefetchBudget = bytes
		return nil
	}
}

// WithoutSsdWriteThrough disables writing remotely loaded entries back to
// the SSD tier.
func WithoutSsdWriteThrough() Option {
	return func(in *CachedBufferedInput) error {
		in.writeThrough = false
		return nil
	}
}

// validate checks the configuration once at construction. A load quantum
// above the SSD entry size ceiling can never be honored by the SSD tier, so
// it is rejected here rather than surfacing group by group at load time.
func (in *CachedBufferedInput) validate() error {
	if ssd, ok := in.tiers.Ssd(); ok {
		ceiling := uint64(1) << ssd.EntrySizeBits()
		if in.loadQuantum > ceiling {
			return fmt.Errorf(
				"load quantum %s exceeds ssd cache entry size limit %s",
				humanize.IBytes(in.loadQuantum), humanize.IBytes(ceiling),
			)
		}
	}
	return nil
}
