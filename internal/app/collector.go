package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasew/dbregistry"
)

// engineCollector exports per-engine pool usage at scrape time. Keys are
// redacted, so two engines differing only in password share a key label;
// engine_id keeps their series apart.
type engineCollector struct {
	engines *dbregistry.EngineRegistry

	connections *prometheus.Desc
	maxOpen     *prometheus.Desc
	waits       *prometheus.Desc
}

func newEngineCollector(engines *dbregistry.EngineRegistry) *engineCollector {
	labels := []string{"key", "driver", "engine_id"}
	return &engineCollector{
		engines: engines,
		connections: prometheus.NewDesc(
			"dbregistry_engine_connections",
			"Pooled connections per engine by state",
			append(labels, "state"), nil,
		),
		maxOpen: prometheus.NewDesc(
			"dbregistry_engine_max_open_connections",
			"Configured pool limit per engine, 0 is unlimited",
			labels, nil,
		),
		waits: prometheus.NewDesc(
			"dbregistry_engine_wait_count_total",
			"Times a caller waited for a free connection",
			labels, nil,
		),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.maxOpen
	ch <- c.waits
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.engines.Snapshot() {
		s := info.Stats
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.InUse), info.Key, info.Driver, info.ID, "in_use")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Idle), info.Key, info.Driver, info.ID, "idle")
		ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(s.MaxOpen), info.Key, info.Driver, info.ID)
		ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.WaitCount), info.Key, info.Driver, info.ID)
	}
}
