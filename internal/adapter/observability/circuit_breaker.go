package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means requests are blocked.
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed.
	StateHalfOpen
)

// CircuitBreakerConfig tunes the transition thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	SuccessThreshold int
	FailureWindow    time.Duration
}

// DefaultCircuitBreakerConfig returns the standard thresholds: open after 5
// consecutive failures within 60s, probe after 30s, close after 3 successes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTime:     30 * time.Second,
		SuccessThreshold: 3,
		FailureWindow:    60 * time.Second,
	}
}

// CircuitBreaker implements closed -> open -> half-open -> closed protection
// around an unreliable dependency.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("circuit breaker %s is %s", cb.name, cb.StateString())
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a request may proceed, transitioning open -> half-open
// once the recovery time has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTime {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.publish()
	}
	return cb.state != StateOpen
}

// Record feeds the outcome of a call into the breaker state machine.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	if err != nil {
		// Failures outside the window do not accumulate.
		if !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.cfg.FailureWindow {
			cb.failures = 0
		}
		cb.failures++
		cb.lastFailure = now
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
		}
		cb.publish()
		return
	}
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
	cb.publish()
}

func (cb *CircuitBreaker) publish() {
	CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateString returns a human-readable state name.
func (cb *CircuitBreaker) StateString() string {
	switch cb.State() {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
