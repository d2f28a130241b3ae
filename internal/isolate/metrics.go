package isolate

import "github.com/prometheus/client_golang/prometheus"

// Pool metrics mirror PoolMetrics as Prometheus gauges so an embedder can
// scrape the same counters Metrics() returns without polling it on a
// timer. Updated from Metrics() itself, which both callers (the Engine
// facade and any operator scrape loop) already call on the read path.
var (
	metricPoolTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_total",
		Help: "Isolates currently held by the pool (idle + active).",
	})
	metricPoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_available",
		Help: "Idle isolates immediately available to Acquire.",
	})
	metricPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_active",
		Help: "Isolates currently on loan to a call.",
	})
	metricPoolCreated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_created_total",
		Help: "Cumulative isolates created: warm-up, on-demand growth, and post-corruption replacement.",
	})
	metricPoolDestroyed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_destroyed_total",
		Help: "Cumulative isolates disposed: idle reaping and corruption.",
	})
	metricPoolCorrupted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore", Subsystem: "isolate_pool", Name: "isolates_corrupted_total",
		Help: "Cumulative isolates discarded for corruption (timeout, OOM, bridge panic).",
	})
)

func init() {
	prometheus.MustRegister(
		metricPoolTotal, metricPoolAvailable, metricPoolActive,
		metricPoolCreated, metricPoolDestroyed, metricPoolCorrupted,
	)
}
