// Package metrics exposes the daemon's Prometheus gauges and counters:
// average processing time per phase, items processed, and items errored.
// Grounded on the dependency surface shared by every example repo's
// go.mod (client_golang); none of them exercise the client in source
// (it's carried indirect-only), so the registration pattern here follows
// promauto's own canonical usage rather than a specific pack file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the vectors the daemon registers once at startup and
// the phase executors/orchestrator update as they run.
type Collectors struct {
	AvgSecondsPerItem *prometheus.GaugeVec
	ItemsProcessed    *prometheus.CounterVec
	ItemsErrored      *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
}

// New registers and returns the daemon's metric vectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test binaries.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		AvgSecondsPerItem: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kbagent",
			Name:      "phase_avg_seconds_per_item",
			Help:      "Rolling average seconds spent per item in a phase.",
		}, []string{"phase"}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbagent",
			Name:      "phase_items_processed_total",
			Help:      "Total items successfully processed by a phase.",
		}, []string{"phase"}),
		ItemsErrored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbagent",
			Name:      "phase_items_errored_total",
			Help:      "Total items that recorded a phase error.",
		}, []string{"phase"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbagent",
			Name:      "phase_run_duration_seconds",
			Help:      "Wall-clock duration of one phase run over a batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
	}
}

// ObserveRun records one phase run's outcome against the collectors.
func (c *Collectors) ObserveRun(phase string, processed, errored int, avgSeconds, durationSeconds float64) {
	if c == nil {
		return
	}
	c.AvgSecondsPerItem.WithLabelValues(phase).Set(avgSeconds)
	c.ItemsProcessed.WithLabelValues(phase).Add(float64(processed))
	c.ItemsErrored.WithLabelValues(phase).Add(float64(errored))
	c.PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}
