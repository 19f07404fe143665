package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerSettings_Defaults(t *testing.T) {
	cfg := BreakerSettings{}.BreakerConfig(nil, nil)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.ResetTimeout)
	assert.Nil(t, cfg.ShouldTrip)
}

func TestBreakerSettings_Overrides(t *testing.T) {
	trip := func(err error) bool { return errors.Is(err, errUpstream) }
	cfg := BreakerSettings{FailureThreshold: 2, ResetTimeout: 5 * time.Second}.BreakerConfig(trip, LogStateChange)
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.ResetTimeout)
	assert.True(t, cfg.ShouldTrip(errUpstream))
	assert.NotNil(t, cfg.OnStateChange)
}

func TestRetrySettings(t *testing.T) {
	cfg := RetrySettings{MaxAttempts: 5, MaxBackoff: 2 * time.Second}.RetryConfig()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
}
