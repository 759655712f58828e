// Command cachedio-bench runs a synthetic stripe-read workload through the
// read scheduler against a filesystem bucket and reports how well the
// configured coalescing and cache settings performed.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/columnkit/cachedio"
	"github.com/columnkit/cachedio/cache"
	"github.com/columnkit/cachedio/storage"
	"github.com/columnkit/cachedio/track"
)

type benchConfig struct {
	dir           string
	file          string
	stripes       int
	columns       int
	streamSize    uint64
	loadQuantum   uint64
	holeTolerance uint64
	ssdDir        string
	ssdSizeBits   int
	memCapacity   uint64
	workers       int
	seed          int64
}

func main() {
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "cachedio-bench",
		Short: "Benchmark coalesced, cached stripe reads over a local file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.dir, "dir", ".", "directory served as the bucket")
	f.StringVar(&cfg.file, "file", "", "object to read (required)")
	f.IntVar(&cfg.stripes, "stripes", 8, "number of synthetic stripes to plan and decode")
	f.IntVar(&cfg.columns, "columns", 16, "streams enqueued per stripe")
	f.Uint64Var(&cfg.streamSize, "stream-size", 256<<10, "bytes per stream")
	f.Uint64Var(&cfg.loadQuantum, "load-quantum", cachedio.DefaultLoadQuantum, "max span of one coalesced read")
	f.Uint64Var(&cfg.holeTolerance, "hole-tolerance", cachedio.DefaultHoleTolerance, "max gap bridged when coalescing")
	f.StringVar(&cfg.ssdDir, "ssd-dir", "", "enable an SSD tier backed by this directory")
	f.IntVar(&cfg.ssdSizeBits, "ssd-size-bits", cache.DefaultSsdEntrySizeBits, "SSD entry size ceiling as a power of two")
	f.Uint64Var(&cfg.memCapacity, "mem-capacity", 256<<20, "memory tier capacity in bytes")
	f.IntVar(&cfg.workers, "workers", 4, "executor workers for speculative loads")
	f.Int64Var(&cfg.seed, "seed", 1, "workload seed")
	_ = cmd.MarkFlagRequired("file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg benchConfig) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	reg := prometheus.NewRegistry()

	fsBucket, err := filesystem.NewBucket(cfg.dir)
	if err != nil {
		return fmt.Errorf("open bucket: %w", err)
	}
	defer fsBucket.Close()
	bucket := storage.NewBucketReaderAt(fsBucket)

	file, size, err := bucket.OpenFile(ctx, cfg.file)
	if err != nil {
		return err
	}

	mem := cache.NewMemory(cfg.memCapacity, reg)
	tiers := cache.MemoryOnly(mem)
	if cfg.ssdDir != "" {
		ssd, err := cache.NewSsd(cfg.ssdDir, cfg.ssdSizeBits, 1<<30, logger, reg)
		if err != nil {
			return err
		}
		defer ssd.Close()
		tiers = cache.MemoryPlusSsd(mem, ssd)
	}

	pool := cachedio.NewPool(cfg.workers, 256)
	defer pool.Close()
	tracker := track.NewScanTracker(0)

	start := time.Now()
	rng := rand.New(rand.NewSource(cfg.seed))
	var totalBytes uint64
	for stripe := 0; stripe < cfg.stripes; stripe++ {
		in, err := cachedio.New(cfg.file, file, size, tiers,
			cachedio.WithLogger(logger),
			cachedio.WithRegisterer(prometheus.WrapRegistererWith(prometheus.Labels{"stripe": fmt.Sprint(stripe)}, reg)),
			cachedio.WithExecutor(pool),
			cachedio.WithTracker(tracker),
			cachedio.WithGroupID(uint32(stripe)),
			cachedio.WithLoadQuantum(cfg.loadQuantum),
			cachedio.WithHoleTolerance(cfg.holeTolerance),
		)
		if err != nil {
			return err
		}

		streams := make([]*cachedio.CacheInputStream, 0, cfg.columns)
		stripeSpan := uint64(size) / uint64(cfg.stripes)
		base := uint64(stripe) * stripeSpan
		for col := 0; col < cfg.columns; col++ {
			length := cfg.streamSize
			offset := base + uint64(col)*(stripeSpan/uint64(cfg.columns))
			if offset+length > uint64(size) {
				length = uint64(size) - offset
			}
			tid := track.MakeTrackingID(fmt.Sprintf("col%d", col), "data")
			streams = append(streams, in.Enqueue(cachedio.Region{Offset: offset, Length: length}, tid))
		}
		if err := in.Load(ctx, cachedio.LogStripe); err != nil {
			return err
		}
		buf := make([]byte, 64<<10)
		for _, s := range streams {
			for {
				n, err := s.Read(buf)
				totalBytes += uint64(n)
				if err != nil {
					break
				}
				if rng.Intn(8) == 0 { // simulate a decoder abandoning a stream
					break
				}
			}
		}
		if err := in.Close(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	level.Info(logger).Log(
		"msg", "bench complete",
		"stripes", cfg.stripes,
		"decoded", humanize.IBytes(totalBytes),
		"elapsed", elapsed,
		"throughput", fmt.Sprintf("%s/s", humanize.IBytes(uint64(float64(totalBytes)/elapsed.Seconds()))),
	)

	metrics, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range metrics {
		for _, m := range mf.GetMetric() {
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			fmt.Printf("%-45s %v\n", mf.GetName(), value)
		}
	}
	return nil
}
