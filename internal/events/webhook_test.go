package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev model.UploadEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, int64(12), ev.TemplateID)
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: ts.URL, Retry: fastRetry()})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, int32(1), received.Load())
}

func TestWebhookNotifier_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: ts.URL, Retry: fastRetry()})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: ts.URL, Retry: fastRetry()})
	require.NoError(t, err)

	err = n.Notify(context.Background(), sampleEvent())
	var se *resilience.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_StatusFilter(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	n, err := NewWebhookNotifier(WebhookConfig{
		URL:      ts.URL,
		Statuses: []model.UploadStatus{model.StatusFailed},
		Retry:    fastRetry(),
	})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, int32(0), calls.Load())

	ev := sampleEvent()
	ev.Status = model.StatusFailed
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{})
	assert.Error(t, err)
}
