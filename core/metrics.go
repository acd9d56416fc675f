package core

import (
	"sync"
	"time"
)

// DefaultMetricsWindow is the rolling window size used when none is
// configured.
const DefaultMetricsWindow = 100

// MetricsSnapshot is a consistent point-in-time view of one agent's
// execution metrics.
type MetricsSnapshot struct {
	AgentName            string        `json:"agentName"`
	TotalExecutions      uint64        `json:"totalExecutions"`
	SuccessfulExecutions uint64        `json:"successfulExecutions"`
	FailedExecutions     uint64        `json:"failedExecutions"`
	ErrorRate            float64       `json:"errorRate"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	LastExecutionTime    time.Duration `json:"lastExecutionTime"`
	CircuitBreakerState  BreakerState  `json:"circuitBreakerState"`
	LastUpdated          time.Time     `json:"lastUpdated"`
}

// AgentMetrics tracks execution outcomes for a single agent. Counters count
// invocations, not retry attempts: the envelope records one outcome per
// Execute call. The average is computed over a fixed-size window of the most
// recent executions so long-running agents do not accumulate unbounded
// history. All methods are safe for concurrent use; a single mutex keeps the
// counters and the mirrored breaker state consistent with each other.
type AgentMetrics struct {
	mu sync.Mutex

	agentName string

	// window is a ring buffer of recent execution durations.
	window []time.Duration
	next   int
	filled int

	total      uint64
	successful uint64
	failed     uint64

	last         time.Duration
	breakerState BreakerState
	lastUpdated  time.Time
}

// NewAgentMetrics creates a metrics tracker with the given rolling window
// size. Non-positive sizes fall back to DefaultMetricsWindow.
func NewAgentMetrics(agentName string, windowSize int) *AgentMetrics {
	if windowSize < 1 {
		windowSize = DefaultMetricsWindow
	}
	return &AgentMetrics{
		agentName:    agentName,
		window:       make([]time.Duration, windowSize),
		breakerState: BreakerClosed,
	}
}

// RecordSuccess records one successful invocation.
func (m *AgentMetrics) RecordSuccess(duration time.Duration, state BreakerState) {
	m.record(duration, state, true)
}

// RecordFailure records one failed invocation.
func (m *AgentMetrics) RecordFailure(duration time.Duration, state BreakerState) {
	m.record(duration, state, false)
}

func (m *AgentMetrics) record(duration time.Duration, state BreakerState, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if success {
		m.successful++
	} else {
		m.failed++
	}

	m.window[m.next] = duration
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}

	m.last = duration
	m.breakerState = state
	m.lastUpdated = time.Now()
}

// SetBreakerState updates the mirrored breaker state without recording an
// execution. Used when the breaker transitions with no traffic in flight.
func (m *AgentMetrics) SetBreakerState(state BreakerState) {
	m.mu.Lock()
	m.breakerState = state
	m.mu.Unlock()
}

// Snapshot returns a consistent copy of the current metrics.
func (m *AgentMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.filled > 0 {
		var sum time.Duration
		for i := 0; i < m.filled; i++ {
			sum += m.window[i]
		}
		avg = sum / time.Duration(m.filled)
	}

	var errorRate float64
	if m.total > 0 {
		errorRate = float64(m.failed) / float64(m.total)
	}

	return MetricsSnapshot{
		AgentName:            m.agentName,
		TotalExecutions:      m.total,
		SuccessfulExecutions: m.successful,
		FailedExecutions:     m.failed,
		ErrorRate:            errorRate,
		AverageExecutionTime: avg,
		LastExecutionTime:    m.last,
		CircuitBreakerState:  m.breakerState,
		LastUpdated:          m.lastUpdated,
	}
}

// Reset zeroes all counters and the rolling window.
func (m *AgentMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = 0
	m.filled = 0
	m.total = 0
	m.successful = 0
	m.failed = 0
	m.last = 0
	m.breakerState = BreakerClosed
	m.lastUpdated = time.Now()
}
