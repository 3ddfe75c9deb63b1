package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource supplies per-namespace stats. *Manager implements it.
type StatsSource interface {
	NamespaceStats() map[string]Stats
}

// StatsCollector exports cache counters as Prometheus metrics, read from the
// source at scrape time.
type StatsCollector struct {
	source    StatsSource
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	size      *prometheus.Desc
}

// NewStatsCollector creates a collector for source. Register it with a
// prometheus.Registerer.
func NewStatsCollector(namespace string, source StatsSource) *StatsCollector {
	if namespace == "" {
		namespace = "stepflow"
	}
	labels := []string{"cache"}
	return &StatsCollector{
		source:    source,
		hits:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "hits_total"), "Cache hits.", labels, nil),
		misses:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "misses_total"), "Cache misses.", labels, nil),
		evictions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "evictions_total"), "Entries evicted by the size limit.", labels, nil),
		size:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "entries"), "Entries currently stored.", labels, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.size
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for ns, s := range c.source.NamespaceStats() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), ns)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), ns)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), ns)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), ns)
	}
}
