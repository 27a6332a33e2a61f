// Package metrics provides Prometheus instrumentation for slot execution.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "slotbox"

// Collector holds the service's Prometheus instruments.
type Collector struct {
	executionsTotal    *prometheus.CounterVec
	executionSeconds   prometheus.Histogram
	executionsInflight prometheus.Gauge
	hostRestartsTotal  prometheus.Counter
	validationsTotal   *prometheus.CounterVec
}

// NewCollector registers the service instruments with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of slot executions by outcome",
		}, []string{"outcome"}),

		executionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Wall-clock duration of successful slot executions",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		executionsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_inflight",
			Help:      "Number of slot executions currently running",
		}),

		hostRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_restarts_total",
			Help:      "Number of sandbox hosts discarded and recreated",
		}),

		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of standalone slot validations",
		}, []string{"ok"}),
	}
}

// ExecutionStarted marks one execution in flight.
func (c *Collector) ExecutionStarted() {
	c.executionsInflight.Inc()
}

// ExecutionFinished records a completed run. Outcome is "success" or the
// failure code; only successful runs contribute to the duration histogram.
func (c *Collector) ExecutionFinished(outcome string, duration time.Duration) {
	c.executionsInflight.Dec()
	c.executionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		c.executionSeconds.Observe(duration.Seconds())
	}
}

// RecordHostRestart counts a sandbox host swap.
func (c *Collector) RecordHostRestart() {
	c.hostRestartsTotal.Inc()
}

// RecordValidation counts a standalone validation call.
func (c *Collector) RecordValidation(ok bool) {
	c.validationsTotal.WithLabelValues(strconv.FormatBool(ok)).Inc()
}
