package cachedio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type inputMetrics struct {
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	storageReads      prometheus.Counter
	ssdReads          prometheus.Counter
	readBytes         prometheus.Counter
	holeBytes         prometheus.Counter
	prefetchScheduled prometheus.Counter
	prefetchRejected  prometheus.Counter
	cancelledLoads    prometheus.Counter
	inFlightLoads     prometheus.Gauge
}

func newInputMetrics(reg prometheus.Registerer) *inputMetrics {
	return &inputMetrics{
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_requests_cache_hits_total",
			Help: "Region requests satisfied from cache without physical I/O.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_requests_cache_misses_total",
			Help: "Region requests that required a coalesced load.",
		}),
		storageReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_storage_reads_total",
			Help: "Coalesced physical reads issued against the storage medium.",
		}),
		ssdReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_ssd_reads_total",
			Help: "Coalesced physical reads served by the SSD tier.",
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_read_bytes_total",
			Help: "Bytes transferred by coalesced reads, including holes.",
		}),
		holeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_hole_bytes_total",
			Help: "Bytes read only to bridge gaps between coalesced regions.",
		}),
		prefetchScheduled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_prefetch_scheduled_total",
			Help: "Speculative loads handed to the executor.",
		}),
		prefetchRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_prefetch_rejected_total",
			Help: "Prefetch attempts declined for budget or tracking reasons.",
		}),
		cancelledLoads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachedio_cancelled_loads_total",
			Help: "Coalesced loads cancelled before completion.",
		}),
		inFlightLoads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cachedio_in_flight_loads",
			Help: "Coalesced loads currently executing.",
		}),
	}
}
