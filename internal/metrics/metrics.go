// Package metrics defines the instrumentation surface the replication core
// emits through, so the concrete backend (Prometheus, or nothing at all) can
// be swapped without touching the Replicator/UpstreamGateway/CircuitBreaker.
// Grounded on the teacher's metrics/metrics.go Collector interface, with
// cache-byte-cache-shaped methods replaced by the cluster-replication and
// upstream-fetch events this system actually emits.
package metrics

import "time"

// Collector is the instrumentation surface used by the replication core.
type Collector interface {
	// RecordFetch records one UpstreamClient fetch attempt.
	// outcome is "success", "retryable_error", "non_retryable_error", or
	// "circuit_open".
	RecordFetch(outcome string, duration time.Duration)

	// RecordCircuitState records the current CircuitBreaker state for a
	// named breaker. state is breaker.State.String() ("CLOSED", "OPEN",
	// "HALF_OPEN").
	RecordCircuitState(name, state string)

	// RecordRegisterWrite records one StatusRegister.Update attempt against
	// the named backend ("memory", "redis", "nats", "hazelcast").
	// result is "applied" when Update returned no error (including when the
	// stored value won under LWW and was kept), or "timeout" for any error.
	RecordRegisterWrite(backend, result string, duration time.Duration)

	// RecordStaleness records the age (in seconds) of the snapshot served to
	// a GetStatusWithFreshness caller, and whether it was stale.
	RecordStaleness(ageSeconds float64, isStale bool)

	// RecordWaitersDrained records how many pending waiters a single
	// FetchComplete drained.
	RecordWaitersDrained(count int)
}

// NoOpCollector implements Collector with no-op operations, used when
// metrics collection is disabled.
type NoOpCollector struct{}

func (NoOpCollector) RecordFetch(outcome string, duration time.Duration)             {}
func (NoOpCollector) RecordCircuitState(name, state string)                         {}
func (NoOpCollector) RecordRegisterWrite(backend, result string, d time.Duration)    {}
func (NoOpCollector) RecordStaleness(ageSeconds float64, isStale bool)               {}
func (NoOpCollector) RecordWaitersDrained(count int)                                {}

// DefaultCollector is used when no collector is configured.
var DefaultCollector Collector = NoOpCollector{}

var _ Collector = NoOpCollector{}
