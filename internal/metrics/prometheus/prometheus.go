// Package prometheus implements metrics.Collector on top of
// prometheus/client_golang. Grounded on the teacher's metrics/prometheus
// package: same promauto/CollectorConfig shape, metric names and label sets
// swapped for the replication core's own events.
package prometheus

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tubestatus/tubestatus/internal/metrics"
)

// Collector implements metrics.Collector for Prometheus.
type Collector struct {
	fetchesTotal     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
	registerWrites   *prometheus.CounterVec
	registerDuration *prometheus.HistogramVec
	stalenessSeconds prometheus.Histogram
	staleServed      *prometheus.CounterVec
	waitersDrained   prometheus.Histogram
}

// CollectorConfig configures metric registration.
type CollectorConfig struct {
	// Registry is the Prometheus registry to use. If nil, uses
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	// Namespace for metrics (default: "tubestatus").
	Namespace string
	// ConstLabels are attached to every metric, e.g. {"node_id": "node-a"}.
	ConstLabels prometheus.Labels
}

// NewCollector creates a Collector with default registry and configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(CollectorConfig{})
}

// NewCollectorWithConfig creates a Collector with custom configuration.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.Namespace == "" {
		config.Namespace = "tubestatus"
	}

	factory := promauto.With(config.Registry)

	return &Collector{
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Name:        "upstream_fetches_total",
				Help:        "Total number of UpstreamClient fetch attempts by outcome",
				ConstLabels: config.ConstLabels,
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Name:        "upstream_fetch_duration_seconds",
				Help:        "Duration of UpstreamClient fetch attempts",
				Buckets:     []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
				ConstLabels: config.ConstLabels,
			},
			[]string{"outcome"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Name:        "circuit_breaker_state",
				Help:        "Current circuit breaker state as a gauge (1 for the active state, 0 otherwise)",
				ConstLabels: config.ConstLabels,
			},
			[]string{"name", "state"},
		),
		registerWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Name:        "register_writes_total",
				Help:        "Total number of StatusRegister.Update attempts by backend and result",
				ConstLabels: config.ConstLabels,
			},
			[]string{"backend", "result"},
		),
		registerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Name:        "register_write_duration_seconds",
				Help:        "Duration of StatusRegister.Update attempts",
				Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 2},
				ConstLabels: config.ConstLabels,
			},
			[]string{"backend"},
		),
		stalenessSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Name:        "served_snapshot_age_seconds",
				Help:        "Age of the snapshot served to GetStatusWithFreshness callers",
				Buckets:     []float64{1, 5, 10, 30, 60, 120, 300},
				ConstLabels: config.ConstLabels,
			},
		),
		staleServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Name:        "stale_snapshots_served_total",
				Help:        "Total number of snapshots served to GetStatusWithFreshness callers, by is_stale",
				ConstLabels: config.ConstLabels,
			},
			[]string{"is_stale"},
		),
		waitersDrained: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Name:        "waiters_drained_per_fetch",
				Help:        "Number of pending waiters drained by a single FetchComplete",
				Buckets:     []float64{0, 1, 2, 5, 10, 25, 50, 100},
				ConstLabels: config.ConstLabels,
			},
		),
	}
}

func (c *Collector) RecordFetch(outcome string, duration time.Duration) {
	c.fetchesTotal.WithLabelValues(outcome).Inc()
	c.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) RecordCircuitState(name, state string) {
	state = strings.ToLower(state)
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.circuitState.WithLabelValues(name, s).Set(v)
	}
}

func (c *Collector) RecordRegisterWrite(backend, result string, duration time.Duration) {
	c.registerWrites.WithLabelValues(backend, result).Inc()
	c.registerDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func (c *Collector) RecordStaleness(ageSeconds float64, isStale bool) {
	c.stalenessSeconds.Observe(ageSeconds)
	c.staleServed.WithLabelValues(strconv.FormatBool(isStale)).Inc()
}

func (c *Collector) RecordWaitersDrained(count int) {
	c.waitersDrained.Observe(float64(count))
}

var _ metrics.Collector = (*Collector)(nil)
