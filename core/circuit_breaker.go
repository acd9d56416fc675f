// This file defines the CircuitBreaker contract used to guard agent
// execution.
//
// The circuit breaker acts as a gate that monitors failures and temporarily
// blocks invocations when a failure threshold is reached. States:
//  1. Closed: normal operation, invocations pass through
//  2. Open: threshold exceeded, invocations fail immediately
//  3. Half-Open: testing recovery, a bounded number of probes allowed
//
// The execution envelope drives the gate directly (Allow, then
// RecordSuccess or RecordFailure) rather than handing the breaker a
// closure, because the envelope owns timeout enforcement, panic recovery,
// and retry sequencing around the guarded call.
package core

import "time"

// BreakerState is the current position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSnapshot is a point-in-time view of a breaker for status queries.
type BreakerSnapshot struct {
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failureCount"`
	LastFailureTime  time.Time    `json:"lastFailureTime"`
	HalfOpenInFlight int          `json:"halfOpenInFlight"`
	// NextProbeAt is when an open breaker will next admit a probe.
	// Zero unless the breaker is open.
	NextProbeAt time.Time `json:"nextProbeAt"`
}

// CircuitBreaker guards a single agent. Implementations must be safe for
// concurrent use.
type CircuitBreaker interface {
	// Allow reports whether an invocation may proceed. It returns
	// ErrCircuitBreakerOpen (possibly wrapped) when the gate is shut.
	// When it returns nil the caller must follow up with exactly one
	// RecordSuccess or RecordFailure for that invocation attempt.
	Allow() error

	// RecordSuccess records a successful attempt admitted by Allow.
	RecordSuccess()

	// RecordFailure records a failed attempt admitted by Allow.
	RecordFailure()

	// State returns the current state.
	State() BreakerState

	// Snapshot returns the current state plus counters.
	Snapshot() BreakerSnapshot

	// Reset forces the breaker closed and clears all counters.
	Reset()
}
