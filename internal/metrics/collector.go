package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheStats provides the collector access to the cache inventory.
type CacheStats interface {
	Totals() (int, int64)
}

// EngineStats reports transcription engine readiness.
type EngineStats interface {
	Ready() bool
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	cache  CacheStats
	engine EngineStats

	cacheEntries *prometheus.Desc
	cacheBytes   *prometheus.Desc
	engineReady  *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Either source may be nil (metrics will report 0).
func NewCollector(cache CacheStats, engine EngineStats) *Collector {
	return &Collector{
		cache:  cache,
		engine: engine,
		cacheEntries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "entries"),
			"Finished media files in the cache directory.",
			nil, nil,
		),
		cacheBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "bytes"),
			"Total size of finished media files in the cache directory.",
			nil, nil,
		),
		engineReady: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcription", "ready"),
			"1 when the speech model loaded at startup, 0 otherwise.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.cacheBytes
	ch <- c.engineReady
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var entries int
	var size int64
	if c.cache != nil {
		entries, size = c.cache.Totals()
	}
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(entries))
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, float64(size))

	ready := 0.0
	if c.engine != nil && c.engine.Ready() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.engineReady, prometheus.GaugeValue, ready)
}
