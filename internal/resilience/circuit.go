// Package resilience isolates failing provider targets behind circuit
// breakers and retries best-effort deliveries.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state: calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately without reaching the target.
	CircuitOpen
	// CircuitHalfOpen admits a single trial call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open, or because a half-open trial call is already in flight.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open after the last failure
	// before a trial call is admitted. Default: 60s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count as failures. If nil, every error
	// except caller cancellation counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called (under the breaker lock) when the circuit
	// transitions between states.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Name                string       `json:"name"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
}

// CircuitBreaker guards calls to a single named target.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the named target.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the target name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn through the circuit breaker. It returns ErrCircuitOpen
// without calling fn when the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.allowRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.recordResult(trial, err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	trial, err := cb.allowRequest()
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(trial, err)
	return val, err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has elapsed reports half-open, since the next call will be admitted.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed with zero failures and no recorded
// failure time. Used for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
	cb.trialInFlight = false
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the current failure count and stored state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

// Snapshot returns the breaker's current view.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := BreakerSnapshot{
		Name:                cb.name,
		State:               state,
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snap.LastFailure = &t
	}
	return snap
}

// allowRequest decides whether a call may proceed. The returned flag marks
// the call as the half-open trial.
func (cb *CircuitBreaker) allowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.lastFailureTime) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		return true, nil
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) recordResult(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err == nil {
		switch {
		case cb.state == CircuitClosed:
			cb.consecutiveFailures = 0
		case cb.state == CircuitHalfOpen && trial:
			cb.consecutiveFailures = 0
			cb.transition(CircuitClosed)
		}
		return
	}

	if !cb.shouldTrip(err) {
		// Not the target's fault; a half-open circuit waits for the next trial.
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		if trial {
			cb.transition(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) shouldTrip(err error) bool {
	if cb.cfg.ShouldTrip != nil {
		return cb.cfg.ShouldTrip(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Registry hands out one circuit breaker per target name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named target, creating one if
// needed. Repeated calls with the same name return the same instance.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// Reset closes the named breaker. It reports false if no breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// Snapshot returns the state of every known breaker, sorted by name.
func (r *Registry) Snapshot() []BreakerSnapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
