package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const memoryShards = 16

// Memory is a sharded in-memory Tier with a byte-capacity bound. Entries are
// shed in LRU order; entries that are pinned or still being loaded are never
// evicted.
type Memory struct {
	shards  [memoryShards]*memShard
	metrics *memoryMetrics
}

type memoryMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	usedBytes prometheus.Gauge
}

type memShard struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	entries  map[Key]*memEntry
	lru      *list.List // front is most recently used
	metrics  *memoryMetrics
}

type memEntry struct {
	key      Key
	data     []byte
	size     uint64
	refs     int
	resident bool
	elem     *list.Element

	// ready is closed when the entry becomes resident or its loading attempt
	// is abandoned, waking acquirers that found the entry in flight.
	ready chan struct{}
}

// signalReady closes ready once. Caller holds the shard lock.
func (e *memEntry) signalReady() {
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
}

// NewMemory returns a memory tier bounded by capacity bytes.
func NewMemory(capacity uint64, reg prometheus.Registerer) *Memory {
	m := &Memory{
		metrics: &memoryMetrics{
			hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_memory_cache_hits_total",
				Help: "Number of memory tier lookups served from resident entries.",
			}),
			misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_memory_cache_misses_total",
				Help: "Number of memory tier lookups that missed.",
			}),
			evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cachedio_memory_cache_evictions_total",
				Help: "Number of entries evicted from the memory tier.",
			}),
			usedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "cachedio_memory_cache_used_bytes",
				Help: "Bytes currently held by the memory tier.",
			}),
		},
	}
	perShard := capacity / memoryShards
	for i := range m.shards {
		m.shards[i] = &memShard{
			capacity: perShard,
			entries:  map[Key]*memEntry{},
			lru:      list.New(),
			metrics:  m.metrics,
		}
	}
	return m
}

func (m *Memory) shard(key Key) *memShard {
	return m.shards[key.Hash()%memoryShards]
}

// Lookup implements Tier.
func (m *Memory) Lookup(key Key, size uint64) (*Pin, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.resident || e.size < size {
		m.metrics.misses.Inc()
		return nil, false
	}
	m.metrics.hits.Inc()
	e.refs++
	s.lru.MoveToFront(e.elem)
	return &Pin{
		key:     key,
		size:    size,
		state:   pinFilled,
		data:    e.data,
		release: func(bool) { s.unref(e) },
	}, true
}

// Contains implements Tier. It does not touch recency state.
func (m *Memory) Contains(key Key, size uint64) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.resident && e.size >= size
}

// Acquire implements Tier. When another loader is still filling an entry for
// the key, Acquire waits for that fill and returns a filled pin over it
// rather than duplicating the physical read; if the other loader abandons or
// fails its attempt, Acquire reserves a fresh entry and the caller performs
// the read.
func (m *Memory) Acquire(key Key, size uint64) (*Pin, error) {
	s := m.shard(key)
	for {
		s.mu.Lock()
		if e, ok := s.entries[key]; ok {
			if e.resident && e.size >= size {
				// Raced with another loader that already filled the entry.
				e.refs++
				s.mu.Unlock()
				return &Pin{
					key:     key,
					size:    size,
					state:   pinFilled,
					data:    e.data,
					release: func(bool) { s.unref(e) },
				}, nil
			}
			if !e.resident && e.size >= size {
				ready := e.ready
				s.mu.Unlock()
				<-ready
				continue
			}
			// The existing entry is too small for this request and cannot be
			// replaced while referenced. Hand out a pin over a private buffer;
			// the copy is dropped on release.
			s.mu.Unlock()
			return &Pin{
				key:  key,
				size: size,
				data: make([]byte, size),
			}, nil
		}

		if err := s.reserve(size); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		e := &memEntry{
			key:   key,
			data:  make([]byte, size),
			size:  size,
			refs:  1,
			ready: make(chan struct{}),
		}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
		s.used += size
		m.metrics.usedBytes.Add(float64(size))
		s.mu.Unlock()
		return &Pin{
			key:  key,
			size: size,
			data: e.data,
			onFill: func() {
				s.mu.Lock()
				e.resident = true
				e.signalReady()
				s.mu.Unlock()
			},
			onFail: func() {
				s.mu.Lock()
				if cur, ok := s.entries[e.key]; ok && cur == e {
					s.drop(e)
				}
				e.signalReady()
				s.mu.Unlock()
			},
			release: func(bool) { s.unref(e) },
		}, nil
	}
}

// reserve evicts unpinned resident entries in LRU order until size bytes fit.
// Caller holds the shard lock.
func (s *memShard) reserve(size uint64) error {
	if size > s.capacity {
		return ErrNoSpace
	}
	for s.used+size > s.capacity {
		if !s.evictOne() {
			return ErrNoSpace
		}
	}
	return nil
}

func (s *memShard) evictOne() bool {
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*memEntry)
		if e.refs > 0 || !e.resident {
			continue
		}
		s.drop(e)
		s.metrics.evictions.Inc()
		return true
	}
	return false
}

// drop removes an entry from the shard. Caller holds the shard lock.
func (s *memShard) drop(e *memEntry) {
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)
	s.used -= e.size
	s.metrics.usedBytes.Sub(float64(e.size))
	e.signalReady()
}

func (s *memShard) unref(e *memEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 && !e.resident {
		// Acquired but never filled, or failed: the reservation is dead.
		if cur, ok := s.entries[e.key]; ok && cur == e {
			s.drop(e)
		}
	}
}
