package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

func TestObserveRun(t *testing.T) {
	counter := RunsTotal.WithLabelValues("manual", "partial")
	before := testutil.ToFloat64(counter)

	ObserveRun(&model.UploadEvent{
		Source:     model.SourceManual,
		Status:     model.StatusPartial,
		DurationMs: 1500,
	}, model.ConnectionFile)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestObserveRecords(t *testing.T) {
	created := testutil.ToFloat64(RecordsTotal.WithLabelValues("created"))
	failed := testutil.ToFloat64(RecordsTotal.WithLabelValues("failed"))

	ObserveRecords(9, 0, 1)

	assert.Equal(t, created+9, testutil.ToFloat64(RecordsTotal.WithLabelValues("created")))
	assert.Equal(t, failed+1, testutil.ToFloat64(RecordsTotal.WithLabelValues("failed")))
}

func TestObserveBreaker(t *testing.T) {
	ObserveBreaker("template:42", resilience.CircuitClosed, resilience.CircuitOpen)
	assert.Equal(t, float64(resilience.CircuitOpen), testutil.ToFloat64(BreakerState.WithLabelValues("template:42")))

	ObserveBreaker("template:42", resilience.CircuitOpen, resilience.CircuitHalfOpen)
	assert.Equal(t, float64(resilience.CircuitHalfOpen), testutil.ToFloat64(BreakerState.WithLabelValues("template:42")))
	assert.Equal(t, float64(1), testutil.ToFloat64(BreakerTransitions.WithLabelValues("template:42", "half-open")))
}

func TestObserveCacheAndNotification(t *testing.T) {
	ObserveCache("fields-test", true)
	ObserveCache("fields-test", false)
	ObserveCache("fields-test", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(CacheRequests.WithLabelValues("fields-test", "hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(CacheRequests.WithLabelValues("fields-test", "miss")))

	ObserveNotification("webhook-test", nil)
	ObserveNotification("webhook-test", errors.New("502"))
	assert.Equal(t, float64(1), testutil.ToFloat64(NotificationsTotal.WithLabelValues("webhook-test", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(NotificationsTotal.WithLabelValues("webhook-test", "error")))
}

func TestObserveSkip(t *testing.T) {
	before := testutil.ToFloat64(SchedulerSkips.WithLabelValues("locked"))
	ObserveSkip("locked")
	assert.Equal(t, before+1, testutil.ToFloat64(SchedulerSkips.WithLabelValues("locked")))
}
