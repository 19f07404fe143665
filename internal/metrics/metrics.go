// Package metrics defines the Prometheus collectors exported by fuel-ingest.
//
// Collectors are registered on the default registry at init and served by
// the admin API under /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

const namespace = "fuelingest"

var (
	// RunsTotal counts ingestion runs by trigger source and final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by source and status.",
		},
		[]string{"source", "status"},
	)

	// RunDuration tracks wall time of ingestion runs per connection type.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"connection_type"},
	)

	// RecordsTotal counts raw records by writer outcome.
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Raw records processed by outcome (created, skipped, failed).",
		},
		[]string{"outcome"},
	)

	// BreakerState exposes the current breaker state per target
	// (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per target: 0 closed, 1 open, 2 half-open.",
		},
		[]string{"target"},
	)

	// BreakerTransitions counts breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by target and new state.",
		},
		[]string{"target", "to"},
	)

	// SchedulerSkips counts scheduled triggers that did not run.
	SchedulerSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skips_total",
			Help:      "Scheduled triggers skipped by reason.",
		},
		[]string{"reason"},
	)

	// CacheRequests counts cache lookups by namespace and result.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by namespace and result (hit, miss).",
		},
		[]string{"namespace", "result"},
	)

	// NotificationsTotal counts event deliveries per subscriber.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Upload event deliveries by subscriber and result.",
		},
		[]string{"subscriber", "result"},
	)
)

// ObserveRun records the outcome of one finished run.
func ObserveRun(ev *model.UploadEvent, connType model.ConnectionType) {
	RunsTotal.WithLabelValues(string(ev.Source), string(ev.Status)).Inc()
	RunDuration.WithLabelValues(string(connType)).Observe(
		(time.Duration(ev.DurationMs) * time.Millisecond).Seconds(),
	)
}

// ObserveRecords adds writer outcome counts.
func ObserveRecords(created, skipped, failed int) {
	RecordsTotal.WithLabelValues("created").Add(float64(created))
	RecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
	RecordsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveBreaker is a breaker OnStateChange hook.
func ObserveBreaker(name string, _, to resilience.CircuitState) {
	BreakerState.WithLabelValues(name).Set(float64(to))
	BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// ObserveCache records a cache lookup.
func ObserveCache(ns string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequests.WithLabelValues(ns, result).Inc()
}

// ObserveNotification records one subscriber delivery.
func ObserveNotification(subscriber string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsTotal.WithLabelValues(subscriber, result).Inc()
}

// ObserveSkip records a scheduled trigger that did not run.
func ObserveSkip(reason string) {
	SchedulerSkips.WithLabelValues(reason).Inc()
}
