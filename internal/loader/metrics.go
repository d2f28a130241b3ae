package loader

import "github.com/prometheus/client_golang/prometheus"

var (
	metricSourceCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "loader", Name: "source_cache_entries",
		Help: "Compiled-module source entries currently held in the cross-execution cache.",
	})
	metricSourceCacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "loader", Name: "source_cache_hits_total",
		Help: "Module source reads served from the cross-execution cache.",
	})
	metricSourceCacheMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "loader", Name: "source_cache_misses_total",
		Help: "Module source reads that fell through to the VFS and esbuild transform.",
	})
)

func init() {
	prometheus.MustRegister(metricSourceCacheSize, metricSourceCacheHits, metricSourceCacheMisses)
}

// Metrics is the cache's point-in-time snapshot, pushed into the package's
// Prometheus gauges alongside the plain struct return.
type CacheMetrics struct {
	Size   int
	Hits   uint64
	Misses uint64
}

func (c *SourceCache) Metrics() CacheMetrics {
	c.mu.Lock()
	m := CacheMetrics{Size: c.ll.Len(), Hits: c.hits, Misses: c.misses}
	c.mu.Unlock()

	metricSourceCacheSize.Set(float64(m.Size))
	metricSourceCacheHits.Set(float64(m.Hits))
	metricSourceCacheMisses.Set(float64(m.Misses))
	return m
}
