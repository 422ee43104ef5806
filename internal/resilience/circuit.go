package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests immediately.
	CircuitOpen
	// CircuitHalfOpen admits probe requests to test recovery.
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
	}
	return "unknown"
}

// ErrCircuitOpen is returned for calls rejected while the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when the circuit trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before admitting
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold.
	// Nil counts every error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig suits per-service HTTP clients.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for one downstream service.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// State returns the current state, accounting for reset-timeout expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Execute runs fn unless the circuit is open, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	if cb.state == CircuitOpen {
		return ErrCircuitOpen
	}
	return nil
}

// refresh moves an expired open circuit to half-open. Caller holds mu.
func (cb *CircuitBreaker) refresh() {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setState(CircuitHalfOpen)
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counts := err != nil && (cb.cfg.ShouldTrip == nil || cb.cfg.ShouldTrip(err))
	if err == nil {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.setState(CircuitClosed)
		}
		return
	}
	if !counts {
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = time.Now()
		cb.setState(CircuitOpen)
	}
}

// setState transitions and notifies. Caller holds mu.
func (cb *CircuitBreaker) setState(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
