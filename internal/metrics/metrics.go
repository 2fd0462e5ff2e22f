// Package metrics exports registry activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasew/dbregistry/registry"
)

// Observer implements registry.Observer with Prometheus collectors.
type Observer struct {
	events  *prometheus.CounterVec
	entries prometheus.Gauge
}

var _ registry.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbregistry_events_total",
				Help: "Registry operations by outcome",
			},
			[]string{"event"},
		),
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbregistry_entries",
				Help: "Number of engines currently held by the registry",
			},
		),
	}

	for _, c := range []prometheus.Collector{o.events, o.entries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) Observe(event registry.Event) {
	o.events.WithLabelValues(string(event)).Inc()
}

func (o *Observer) Entries(n int) {
	o.entries.Set(float64(n))
}
