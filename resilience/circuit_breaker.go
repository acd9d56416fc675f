// Package resilience provides the fault tolerance primitives used around
// agent execution: a three-state circuit breaker and a retry helper with
// exponential backoff.
//
// The circuit breaker implements core.CircuitBreaker. The execution
// envelope drives it explicitly (Allow, then RecordSuccess or
// RecordFailure) because the envelope owns timeout enforcement and panic
// recovery around the guarded call.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/goswarm/core"
)

// MetricsCollector receives circuit breaker activity for export. The
// default is a no-op; wire NewOTelMetricsCollector for OpenTelemetry
// counters.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to core.BreakerState)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                                 {}
func (n *noopMetrics) RecordFailure(name string)                                 {}
func (n *noopMetrics) RecordStateChange(name string, from, to core.BreakerState) {}
func (n *noopMetrics) RecordRejection(name string)                               {}

// StateChangeListener is notified after a breaker transition. Listeners
// run on their own goroutine so a slow listener cannot stall execution.
type StateChangeListener func(name string, from, to core.BreakerState)

// Config holds configuration for a circuit breaker.
type Config struct {
	// Name identifies the breaker (the agent name) in logs and metrics.
	Name string

	// FailureThreshold is the number of failures inside the monitoring
	// period that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before admitting
	// half-open probes.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps how many probes may be in flight at once
	// while half-open.
	HalfOpenMaxRequests int

	// MonitoringPeriod bounds how long a recorded failure counts toward
	// the threshold. Zero disables the decay.
	MonitoringPeriod time.Duration

	// Logger for state transitions (optional)
	Logger core.Logger

	// Metrics collector (optional)
	Metrics MetricsCollector
}

// DefaultConfig returns a breaker configuration with the standard
// thresholds: 5 failures to open, 60s recovery, 3 concurrent half-open
// probes.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxRequests: 3,
		MonitoringPeriod:    60 * time.Second,
	}
}

// CircuitBreaker is a three-state gate guarding one agent.
//
// Closed: invocations flow; failures inside the monitoring period
// increment a counter and a success resets it; reaching the failure
// threshold opens the breaker.
//
// Open: invocations are refused immediately; after the recovery timeout
// the next Allow moves the breaker to half-open and is admitted as a
// probe.
//
// Half-open: up to HalfOpenMaxRequests probes run concurrently; further
// requests are refused. A successful probe closes the breaker and clears
// all counters; a failed probe reopens it and restarts the recovery
// timer.
type CircuitBreaker struct {
	mu sync.Mutex

	name                string
	failureThreshold    int
	recoveryTimeout     time.Duration
	halfOpenMaxRequests int
	monitoringPeriod    time.Duration

	state            core.BreakerState
	failureCount     int
	lastFailureTime  time.Time
	openedAt         time.Time
	halfOpenInFlight int

	listeners []StateChangeListener

	logger  core.Logger
	metrics MetricsCollector
}

// NewCircuitBreaker creates a breaker in the closed state. Non-positive
// thresholds fall back to the defaults.
func NewCircuitBreaker(config Config) *CircuitBreaker {
	defaults := DefaultConfig(config.Name)
	if config.FailureThreshold < 1 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.HalfOpenMaxRequests < 1 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if cl, ok := config.Logger.(core.ComponentAwareLogger); ok {
		config.Logger = cl.WithComponent("circuit-breaker")
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	return &CircuitBreaker{
		name:                config.Name,
		failureThreshold:    config.FailureThreshold,
		recoveryTimeout:     config.RecoveryTimeout,
		halfOpenMaxRequests: config.HalfOpenMaxRequests,
		monitoringPeriod:    config.MonitoringPeriod,
		state:               core.BreakerClosed,
		logger:              config.Logger,
		metrics:             config.Metrics,
	}
}

// Allow reports whether an invocation may proceed. When it returns nil in
// the half-open state, the caller holds one of the probe slots until it
// calls RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case core.BreakerClosed:
		return nil

	case core.BreakerOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.transitionLocked(core.BreakerHalfOpen)
			cb.halfOpenInFlight = 1
			return nil
		}
		cb.metrics.RecordRejection(cb.name)
		return fmt.Errorf("%s: %w", cb.name, core.ErrCircuitBreakerOpen)

	case core.BreakerHalfOpen:
		if cb.halfOpenInFlight < cb.halfOpenMaxRequests {
			cb.halfOpenInFlight++
			return nil
		}
		cb.metrics.RecordRejection(cb.name)
		return fmt.Errorf("%s: half-open probe capacity exhausted: %w", cb.name, core.ErrCircuitBreakerOpen)

	default:
		return nil
	}
}

// RecordSuccess records a successful attempt admitted by Allow.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordSuccess(cb.name)

	switch cb.state {
	case core.BreakerClosed:
		cb.failureCount = 0
	case core.BreakerHalfOpen:
		// One successful probe is proof enough of recovery.
		cb.failureCount = 0
		cb.halfOpenInFlight = 0
		cb.transitionLocked(core.BreakerClosed)
	}
}

// RecordFailure records a failed attempt admitted by Allow.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordFailure(cb.name)
	now := time.Now()

	switch cb.state {
	case core.BreakerClosed:
		if cb.monitoringPeriod > 0 && !cb.lastFailureTime.IsZero() && now.Sub(cb.lastFailureTime) > cb.monitoringPeriod {
			cb.failureCount = 0
		}
		cb.failureCount++
		cb.lastFailureTime = now
		if cb.failureCount >= cb.failureThreshold {
			cb.openedAt = now
			cb.transitionLocked(core.BreakerOpen)
		}

	case core.BreakerHalfOpen:
		cb.halfOpenInFlight = 0
		cb.lastFailureTime = now
		cb.openedAt = now
		cb.transitionLocked(core.BreakerOpen)

	case core.BreakerOpen:
		// A probe admitted before a concurrent reopen; the timer has
		// already been restarted.
		cb.lastFailureTime = now
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() core.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state plus counters.
func (cb *CircuitBreaker) Snapshot() core.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := core.BreakerSnapshot{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		LastFailureTime:  cb.lastFailureTime,
		HalfOpenInFlight: cb.halfOpenInFlight,
	}
	if cb.state == core.BreakerOpen {
		snap.NextProbeAt = cb.openedAt.Add(cb.recoveryTimeout)
	}
	return snap
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureTime = time.Time{}
	cb.openedAt = time.Time{}
	if cb.state != core.BreakerClosed {
		cb.transitionLocked(core.BreakerClosed)
	}
}

// ForceOpen trips the breaker manually. Used to drain a misbehaving agent
// without unregistering it.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != core.BreakerOpen {
		cb.openedAt = time.Now()
		cb.halfOpenInFlight = 0
		cb.transitionLocked(core.BreakerOpen)
	}
}

// SetThresholds applies reconfigured thresholds. The current state is
// untouched; the new values take effect at the next transition check.
func (cb *CircuitBreaker) SetThresholds(failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if failureThreshold > 0 {
		cb.failureThreshold = failureThreshold
	}
	if recoveryTimeout > 0 {
		cb.recoveryTimeout = recoveryTimeout
	}
	if halfOpenMax > 0 {
		cb.halfOpenMaxRequests = halfOpenMax
	}
}

// OnStateChange registers a listener for breaker transitions. Listeners
// are invoked asynchronously, after the transition is committed.
func (cb *CircuitBreaker) OnStateChange(listener StateChangeListener) {
	if listener == nil {
		return
	}
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// transitionLocked commits a state change and notifies listeners. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to core.BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.metrics.RecordStateChange(cb.name, from, to)
	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "breaker_transition",
		"breaker":       cb.name,
		"from":          string(from),
		"to":            string(to),
		"failure_count": cb.failureCount,
	})

	for _, listener := range cb.listeners {
		go cb.notify(listener, from, to)
	}
}

// notify shields the breaker from panicking listeners.
func (cb *CircuitBreaker) notify(listener StateChangeListener, from, to core.BreakerState) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("Circuit breaker listener panicked", map[string]interface{}{
				"operation": "breaker_transition",
				"breaker":   cb.name,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	listener(cb.name, from, to)
}
