// Package metrics records what a registration run did.
//
// The runner reports through the Collector interface. PrometheusCollector
// keeps the numbers in a private Prometheus registry so they can be written
// as a textfile for node_exporter once the run is over.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives run events. Implementations must be safe for
// concurrent use.
type Collector interface {
	// RecordRegistration is called after each external registration call.
	// err is nil on success.
	RecordRegistration(duration time.Duration, err error)

	// RecordSkipped is called with the number of tasks dropped after a
	// fail-fast abort.
	RecordSkipped(n int)

	// RecordInFlight is called with +1 when a task starts and -1 when it ends.
	RecordInFlight(delta int)
}

// NoopCollector discards everything.
type NoopCollector struct{}

func (NoopCollector) RecordRegistration(time.Duration, error) {}
func (NoopCollector) RecordSkipped(int)                       {}
func (NoopCollector) RecordInFlight(int)                      {}

// Task outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// PrometheusCollector implements Collector with Prometheus metrics.
type PrometheusCollector struct {
	registry *prometheus.Registry

	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	lastRun  prometheus.Gauge
}

// NewPrometheusCollector registers the anchorreg metrics in a fresh registry.
func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorreg_tasks_total",
			Help: "Registration tasks by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "anchorreg_registration_duration_seconds",
			Help: "Wall time of external registration calls",
			// FNIRT runs take seconds to minutes
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anchorreg_registrations_in_flight",
			Help: "Registration calls currently running",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anchorreg_last_run_timestamp_seconds",
			Help: "Unix time the metrics were last written",
		}),
	}
	c.registry.MustRegister(c.tasks, c.duration, c.inFlight, c.lastRun)
	return c
}

// RecordRegistration implements Collector.
func (c *PrometheusCollector) RecordRegistration(d time.Duration, err error) {
	outcome, status := OutcomeSucceeded, "success"
	if err != nil {
		outcome, status = OutcomeFailed, "error"
	}
	c.tasks.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordSkipped implements Collector.
func (c *PrometheusCollector) RecordSkipped(n int) {
	c.tasks.WithLabelValues(OutcomeSkipped).Add(float64(n))
}

// RecordInFlight implements Collector.
func (c *PrometheusCollector) RecordInFlight(delta int) {
	c.inFlight.Add(float64(delta))
}

// Registry exposes the underlying registry, e.g. for promhttp or tests.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes all metrics in the text exposition format. The file
// is replaced atomically.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	c.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
