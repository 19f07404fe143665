package resilience

import (
	"time"

	"go.uber.org/zap"
)

// BreakerSettings mirrors the breaker config section.
type BreakerSettings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// RetrySettings mirrors the retry block of a notification target.
type RetrySettings struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BreakerConfig builds a CircuitBreakerConfig from settings, keeping defaults
// for zero values. shouldTrip and onChange may be nil.
func (s BreakerSettings) BreakerConfig(shouldTrip func(error) bool, onChange func(string, CircuitState, CircuitState)) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	if s.ResetTimeout > 0 {
		cfg.ResetTimeout = s.ResetTimeout
	}
	cfg.ShouldTrip = shouldTrip
	cfg.OnStateChange = onChange
	return cfg
}

// RetryConfig builds a RetryConfig from settings, keeping defaults for zero
// values.
func (s RetrySettings) RetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoff > 0 {
		cfg.InitialBackoff = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		cfg.MaxBackoff = s.MaxBackoff
	}
	return cfg
}

// LogStateChange is an OnStateChange hook that logs every transition.
func LogStateChange(name string, from, to CircuitState) {
	log := zap.L().With(zap.String("component", "resilience"), zap.String("breaker", name))
	if to == CircuitOpen {
		log.Warn("circuit opened", zap.Stringer("from", from))
		return
	}
	log.Info("circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}
