package engine

import (
	"sync"
	"time"

	"github.com/flowstate/flowstate/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to
	// half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the configuration used for vector store
// ingestion when none is supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single target.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages one circuit breaker per target. The engine keys
// breakers by vector store slug so a flapping store stops receiving
// ingestion traffic without affecting other stores.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the target is allowed.
// Returns nil if allowed, or a FlowError with code CIRCUIT_OPEN.
func (r *BreakerRegistry) AllowRequest(target string) error {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q: %d consecutive failures, cooldown remaining",
			target, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max test requests reached", target)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call to the target.
func (r *BreakerRegistry) RecordSuccess(target string) {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call to the target and returns the new
// circuit state.
func (r *BreakerRegistry) RecordFailure(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	// A failed half-open probe trips immediately; in closed state the
	// threshold has to fill up first.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current circuit state for a target.
func (r *BreakerRegistry) State(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// Stats returns diagnostic information about a target's breaker.
func (r *BreakerRegistry) Stats(target string) map[string]any {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"target":               target,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &breaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[target] = cb
	}
	return cb
}
