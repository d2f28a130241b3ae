package pkgprovider

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCachedPackages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "pkgprovider", Name: "cached_packages",
		Help: "Function packages currently materialized on disk.",
	})
	metricCacheHitsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "pkgprovider", Name: "cache_hits_total",
		Help: "Get calls served from the on-disk cache without a download.",
	})
	metricCacheMissesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "pkgprovider", Name: "cache_misses_total",
		Help: "Get calls that downloaded and extracted a package.",
	})
)

func init() {
	prometheus.MustRegister(metricCachedPackages, metricCacheHitsTotal, metricCacheMissesTotal)
}

// Metrics is the provider's point-in-time counter snapshot, pushed into
// the package's Prometheus gauges alongside the plain struct return.
type Metrics struct {
	CachedPackages int
	CacheHits      uint64
	CacheMisses    uint64
}

func (p *Provider) Metrics() Metrics {
	p.mu.Lock()
	m := Metrics{CachedPackages: len(p.cache), CacheHits: p.hits, CacheMisses: p.misses}
	p.mu.Unlock()

	metricCachedPackages.Set(float64(m.CachedPackages))
	metricCacheHitsTotal.Set(float64(m.CacheHits))
	metricCacheMissesTotal.Set(float64(m.CacheMisses))
	return m
}
