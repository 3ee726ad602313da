// Package metrics exposes engine statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netconsole/netconsole/pkg/checkpoint"
)

const namespace = "netconsole"

// Collector is a prometheus.Collector fed by the model and the checkpoint
// coordinator. It implements model.Observer and checkpoint.Observer.
type Collector struct {
	pipelineRuns     prometheus.Counter
	pipelineDuration prometheus.Histogram
	objects          prometheus.Gauge
	outstanding      prometheus.Gauge
	refreshFailures  *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec
	exports          *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		pipelineRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "The number of completed derivation pipeline runs.",
			},
		),
		pipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "The time taken by one derivation pipeline run.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		objects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "objects",
				Help:      "The number of live objects in the cache after the last run.",
			},
		),
		outstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_refreshes",
				Help:      "The number of remote fetches in flight.",
			},
		),
		refreshFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_failures_total",
				Help:      "The number of failed remote fetches.",
			}, []string{"kind"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_outcomes_total",
				Help:      "The number of guarded mutations by outcome.",
			}, []string{"outcome"},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "The number of snapshot exports by result.",
			}, []string{"result"},
		),
	}
}

// PipelineRun is part of the model.Observer interface.
func (c *Collector) PipelineRun(objects int, d time.Duration) {
	c.pipelineRuns.Inc()
	c.pipelineDuration.Observe(d.Seconds())
	c.objects.Set(float64(objects))
}

// Outstanding is part of the model.Observer interface.
func (c *Collector) Outstanding(n int) {
	c.outstanding.Set(float64(n))
}

// RefreshFailed is part of the model.Observer interface.
func (c *Collector) RefreshFailed(kind string) {
	c.refreshFailures.WithLabelValues(kind).Inc()
}

// CheckpointOutcome is part of the checkpoint.Observer interface.
func (c *Collector) CheckpointOutcome(s checkpoint.State) {
	c.checkpoints.WithLabelValues(s.String()).Inc()
}

// Exported counts one snapshot export.
func (c *Collector) Exported(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.exports.WithLabelValues(result).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pipelineRuns.Describe(ch)
	c.pipelineDuration.Describe(ch)
	c.objects.Describe(ch)
	c.outstanding.Describe(ch)
	c.refreshFailures.Describe(ch)
	c.checkpoints.Describe(ch)
	c.exports.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.pipelineRuns.Collect(ch)
	c.pipelineDuration.Collect(ch)
	c.objects.Collect(ch)
	c.outstanding.Collect(ch)
	c.refreshFailures.Collect(ch)
	c.checkpoints.Collect(ch)
	c.exports.Collect(ch)
}
