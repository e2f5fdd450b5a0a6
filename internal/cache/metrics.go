package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics receives counters for cache activity. The zero-cost default is
// NoopMetrics; PrometheusMetrics registers real counters against a
// caller-supplied registry, following the metrics-interface-with-noop-
// implementation shape used throughout the gcsfuse pack member.
type Metrics interface {
	Hit()
	Miss()
	Eviction()
	FlushedSectors(n int)
}

type NoopMetrics struct{}

func (NoopMetrics) Hit()               {}
func (NoopMetrics) Miss()              {}
func (NoopMetrics) Eviction()          {}
func (NoopMetrics) FlushedSectors(int) {}

// PrometheusMetrics implements Metrics with counters registered against reg.
type PrometheusMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	flushed   prometheus.Counter
}

// NewPrometheusMetrics registers the cache's counters against reg and
// returns a Metrics implementation backed by them.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_hits_total",
			Help: "Number of buffer cache acquire calls that hit a resident sector.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_misses_total",
			Help: "Number of buffer cache acquire calls that required a device read.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_evictions_total",
			Help: "Number of cache entries evicted by the clock sweep.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_flushed_sectors_total",
			Help: "Number of dirty sectors written back, by eviction or write-behind.",
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.evictions, m.flushed)
	return m
}

func (m *PrometheusMetrics) Hit()      { m.hits.Inc() }
func (m *PrometheusMetrics) Miss()     { m.misses.Inc() }
func (m *PrometheusMetrics) Eviction() { m.evictions.Inc() }
func (m *PrometheusMetrics) FlushedSectors(n int) {
	m.flushed.Add(float64(n))
}
