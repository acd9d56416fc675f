// Package orchestration coordinates registered agents: direct delegation,
// workflow execution, natural-language routing, background task scheduling
// and system health aggregation. Every agent invocation, whatever its entry
// point, flows through the runtime envelope owned by the registry.
package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/goswarm/core"
	"github.com/itsneelabh/goswarm/resilience"
)

// AgentStatus is the point-in-time view of one registered agent.
type AgentStatus struct {
	Exists  bool                  `json:"exists"`
	Name    string                `json:"name,omitempty"`
	Health  core.HealthState      `json:"health"`
	Metrics *core.MetricsSnapshot `json:"metrics,omitempty"`
}

// RegistryOptions configures an AgentRegistry.
type RegistryOptions struct {
	// Breaker settings applied to each agent's dedicated breaker.
	Breaker core.BreakerSettings

	// MonitoringPeriod is the breaker failure-count decay window.
	MonitoringPeriod time.Duration

	// MetricsWindow is the per-agent rolling latency window size.
	MetricsWindow int

	// Defaults supplies the envelope's runtime defaults per invocation,
	// so hot reloads reach future executions without re-registration.
	Defaults func() core.RuntimeDefaults

	Bus            core.EventPublisher
	Logger         core.Logger
	Telemetry      core.Telemetry
	BreakerMetrics resilience.MetricsCollector
}

// registeredAgent bundles everything owned per agent. The bundle lives
// and dies with the registration: unregistering removes agent, breaker,
// metrics and envelope in one map delete.
type registeredAgent struct {
	agent      core.Agent
	descriptor core.AgentDescriptor
	breaker    *resilience.CircuitBreaker
	metrics    *core.AgentMetrics
	envelope   *core.Envelope
}

// AgentRegistry owns the agent table. Reads (delegation, status, listing)
// vastly outnumber writes (registration), so the table is guarded by an
// RWMutex.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*registeredAgent

	breakerSettings  core.BreakerSettings
	monitoringPeriod time.Duration
	metricsWindow    int

	defaults       func() core.RuntimeDefaults
	bus            core.EventPublisher
	logger         core.Logger
	telemetry      core.Telemetry
	breakerMetrics resilience.MetricsCollector
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(opts RegistryOptions) *AgentRegistry {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("registry")
	}
	if opts.MetricsWindow <= 0 {
		opts.MetricsWindow = core.DefaultMetricsWindow
	}
	return &AgentRegistry{
		agents:           make(map[string]*registeredAgent),
		breakerSettings:  opts.Breaker,
		monitoringPeriod: opts.MonitoringPeriod,
		metricsWindow:    opts.MetricsWindow,
		defaults:         opts.Defaults,
		bus:              opts.Bus,
		logger:           opts.Logger,
		telemetry:        opts.Telemetry,
		breakerMetrics:   opts.BreakerMetrics,
	}
}

// RegisterAgent adds an agent under its unique name, creating its
// dedicated breaker, metrics window and envelope. Registering a duplicate
// name fails and leaves the registry unchanged.
func (r *AgentRegistry) RegisterAgent(agent core.Agent) error {
	if agent == nil {
		return core.NewValidationError(core.CodeInvalidInput, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return core.NewValidationError(core.CodeInvalidInput, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q: %w", name, core.ErrAgentAlreadyExists)
	}

	breaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:                name,
		FailureThreshold:    r.breakerSettings.FailureThreshold,
		RecoveryTimeout:     r.breakerSettings.RecoveryTimeout,
		HalfOpenMaxRequests: r.breakerSettings.HalfOpenMaxRequests,
		MonitoringPeriod:    r.monitoringPeriod,
		Logger:              r.logger,
		Metrics:             r.breakerMetrics,
	})
	metrics := core.NewAgentMetrics(name, r.metricsWindow)

	// Breaker transitions feed both the event stream and the agent's
	// metrics snapshot, which otherwise only updates on traffic.
	if r.bus != nil {
		bus := r.bus
		breaker.OnStateChange(func(agentName string, from, to core.BreakerState) {
			metrics.SetBreakerState(to)
			bus.Publish(core.NewEvent(breakerEventKind(to), agentName, map[string]interface{}{
				"agentName": agentName,
				"from":      string(from),
				"to":        string(to),
			}))
		})
	} else {
		breaker.OnStateChange(func(_ string, _, to core.BreakerState) {
			metrics.SetBreakerState(to)
		})
	}

	r.agents[name] = &registeredAgent{
		agent:      agent,
		descriptor: core.DescribeAgent(agent),
		breaker:    breaker,
		metrics:    metrics,
		envelope:   core.NewEnvelope(agent, breaker, metrics, r.bus, r.logger, r.telemetry, r.defaults),
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation": "agent_register",
		"agent":     name,
		"version":   agent.Version(),
	})
	return nil
}

// UnregisterAgent removes an agent and everything owned on its behalf.
func (r *AgentRegistry) UnregisterAgent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return fmt.Errorf("agent %q: %w", name, core.ErrAgentNotFound)
	}
	delete(r.agents, name)

	r.logger.Info("Agent unregistered", map[string]interface{}{
		"operation": "agent_unregister",
		"agent":     name,
	})
	return nil
}

// Delegate invokes a registered agent through its envelope. An unknown
// name is a validation failure and never reaches any breaker or metrics.
func (r *AgentRegistry) Delegate(ctx context.Context, name string, input *core.AgentInput) *core.AgentResult {
	r.mu.RLock()
	entry, exists := r.agents[name]
	r.mu.RUnlock()

	if !exists {
		return core.Failure(&core.AgentError{
			Code:      core.CodeAgentNotFound,
			Message:   fmt.Sprintf("agent %q is not registered", name),
			Category:  core.CategoryValidation,
			Kind:      core.KindValidation,
			Retryable: false,
			Err:       core.ErrAgentNotFound,
		})
	}
	return entry.envelope.Execute(ctx, input)
}

// GetAgentStatus reports existence, derived health and the metrics
// snapshot for one agent.
func (r *AgentRegistry) GetAgentStatus(name string) AgentStatus {
	r.mu.RLock()
	entry, exists := r.agents[name]
	r.mu.RUnlock()

	if !exists {
		return AgentStatus{Exists: false, Health: core.HealthUnknown}
	}
	snapshot := entry.metrics.Snapshot()
	state := entry.breaker.State()
	snapshot.CircuitBreakerState = state
	return AgentStatus{
		Exists:  true,
		Name:    name,
		Health:  agentHealth(state, snapshot.ErrorRate),
		Metrics: &snapshot,
	}
}

// ListAgents returns descriptors for every registered agent, sorted by
// name for stable output.
func (r *AgentRegistry) ListAgents() []core.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.AgentDescriptor, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, entry.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BreakerStates returns the current breaker state per agent.
func (r *AgentRegistry) BreakerStates() map[string]core.BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]core.BreakerState, len(r.agents))
	for name, entry := range r.agents {
		out[name] = entry.breaker.State()
	}
	return out
}

// ApplyBreakerSettings updates the settings used for future registrations
// and pushes the new thresholds into every existing breaker. Breakers
// adopt them on their next transition check.
func (r *AgentRegistry) ApplyBreakerSettings(settings core.BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakerSettings = settings
	for _, entry := range r.agents {
		entry.breaker.SetThresholds(settings.FailureThreshold, settings.RecoveryTimeout, settings.HalfOpenMaxRequests)
	}
}

// agentHealth derives the tri-state agent condition from breaker state
// and rolling error rate.
func agentHealth(state core.BreakerState, errorRate float64) core.HealthState {
	switch {
	case state == core.BreakerClosed && errorRate < 0.1:
		return core.HealthHealthy
	case state == core.BreakerHalfOpen || (errorRate >= 0.1 && errorRate <= 0.3):
		return core.HealthDegraded
	default:
		return core.HealthUnhealthy
	}
}

func breakerEventKind(state core.BreakerState) core.EventKind {
	switch state {
	case core.BreakerOpen:
		return core.EventBreakerOpened
	case core.BreakerHalfOpen:
		return core.EventBreakerHalfOpen
	default:
		return core.EventBreakerClosed
	}
}
