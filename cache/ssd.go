package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultSsdEntrySizeBits bounds a single SSD entry to 8 MiB. Larger SSD
// reads buy no throughput and inflate the write amplification of the tier.
const DefaultSsdEntrySizeBits = 23

// Ssd is a file-backed SsdTier. Entries are appended log-style to a single
// backing file, so entries written back from one coalesced load land
// adjacently and can be re-read in one I/O later. The tier stops accepting
// writes when the file reaches capacity; write-back is speculative, so a
// full tier is not an error the read path ever sees.
type Ssd struct {
	logger   log.Logger
	sizeBits int
	capacity int64
	path     string
	file     *os.File

	mu       sync.Mutex
	writePos int64
	index    map[Key]SsdRun

	metrics *ssdMetrics
}

type ssdMetrics struct {
	entries    prometheus.Gauge
	writtenB   prometheus.Counter
	full       prometheus.Counter
	writeError prometheus.Counter
}

// NewSsd creates an SSD tier backed by a fresh cache file under dir. The
// entry size ceiling is 1 << sizeBits bytes.
func NewSsd(dir string, sizeBits int, capacity uint64, logger log.Logger, reg prometheus.Registerer) (*Ssd, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	path := filepath.Join(dir, ulid.Make().String()+".ssdcache")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create ssd cache file: %w", err)
	}
	level.Debug(logger).Log("msg", "created ssd cache file", "path", path, "capacity", capacity)
	return &Ssd{
		logger:   logger,
		sizeBits: sizeBits,
		capacity: int64(capacity),
		path:     path,
		file:     f,
		index:    map[Key]SsdRun{},
		metrics: &ssdMetrics{
			entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "cachedio_ssd_cache_entries",
				Help: "Number of entries resident in the SSD tier.",
			}),
			writtenB: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_ssd_cache_written_bytes_total",
				Help: "Bytes written back to the SSD tier.",
			}),
			full: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_ssd_cache_full_total",
				Help: "Write-back attempts rejected because the tier is full.",
			}),
			writeError: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_ssd_cache_write_errors_total",
				Help: "Write-back attempts that failed with an I/O error.",
			}),
		},
	}, nil
}

// Contains implements SsdTier.
func (s *Ssd) Contains(key Key) (SsdRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.index[key]
	return run, ok
}

// ReaderAt implements SsdTier. Offsets are SsdRun offsets.
func (s *Ssd) ReaderAt() io.ReaderAt { return s.file }

// WriteEntry implements SsdTier. It appends the entry and indexes it; a full
// tier returns ErrNoSpace and an oversized entry ErrEntryTooLarge.
func (s *Ssd) WriteEntry(key Key, b []byte) error {
	if len(b) > 1<<s.sizeBits {
		return ErrEntryTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return nil
	}
	if s.writePos+int64(len(b)) > s.capacity {
		s.metrics.full.Inc()
		return ErrNoSpace
	}
	if _, err := s.file.WriteAt(b, s.writePos); err != nil {
		s.metrics.writeError.Inc()
		return fmt.Errorf("write ssd cache entry: %w", err)
	}
	s.index[key] = SsdRun{Offset: s.writePos, Size: uint64(len(b))}
	s.writePos += int64(len(b))
	s.metrics.entries.Inc()
	s.metrics.writtenB.Add(float64(len(b)))
	return nil
}

// EntrySizeBits implements SsdTier.
func (s *Ssd) EntrySizeBits() int { return s.sizeBits }

// Close closes and removes the backing file.
func (s *Ssd) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}
