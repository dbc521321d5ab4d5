// Package resilience provides failure-isolation primitives shared by the
// delivery pipeline and the session reconnection logic.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // Normal operation, tracking failures
	StateOpen                  // Failing fast, not calling the destination
	StateHalfOpen              // Testing if the destination recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejects the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name identifies this circuit breaker for logging, usually the
	// destination origin (scheme://host).
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int64

	// Cooldown is how long the circuit stays open before the next call is
	// let through in half-open state.
	Cooldown time.Duration

	// HalfOpenSuccesses is the number of successful calls in half-open
	// state before the circuit closes again.
	HalfOpenSuccesses int64

	// OnStateChange is called when the circuit breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns sensible defaults for a circuit breaker.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:              name,
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker stops calling a destination that keeps failing, so a dead
// backend cannot stall every session's delivery path.
type CircuitBreaker struct {
	settings Settings

	mu           sync.Mutex
	state        State
	failures     int64
	successes    int64
	lastOpenedAt time.Time

	// Metrics (atomic for lock-free reads)
	totalRequests atomic.Int64
	totalRejected atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker with the given settings.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.HalfOpenSuccesses <= 0 {
		settings.HalfOpenSuccesses = 2
	}

	return &CircuitBreaker{
		settings:     settings,
		state:        StateClosed,
		lastOpenedAt: time.Now(),
	}
}

// Execute runs the given function through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open and the call is rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalRequests.Add(1)

	if !cb.allowRequest() {
		cb.totalRejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// currentState returns the effective state, accounting for cooldown expiry.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastOpenedAt) >= cb.settings.Cooldown {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// allowRequest determines if a call should be allowed through.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		// Allow limited probes in half-open state
		return cb.successes < cb.settings.HalfOpenSuccesses
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenSuccesses {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
	}
}

// setState transitions to a new state.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	if newState == StateOpen {
		cb.lastOpenedAt = time.Now()
	}

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}

// Registry hands out one circuit breaker per destination origin so that an
// outage of one backend never trips the breaker of another.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Settings
}

// NewRegistry creates a breaker registry using the given settings as the
// template for every new destination. The template's Name is ignored.
func NewRegistry(defaults Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for the given destination origin, creating it on
// first use.
func (r *Registry) Get(origin string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[origin]
	if !ok {
		settings := r.defaults
		settings.Name = origin
		cb = NewCircuitBreaker(settings)
		r.breakers[origin] = cb
	}
	return cb
}

// Execute runs fn through the breaker registered for origin.
func (r *Registry) Execute(origin string, fn func() error) error {
	return r.Get(origin).Execute(fn)
}
