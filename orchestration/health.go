package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

// ComponentHealth is one component's contribution to the system report.
type ComponentHealth struct {
	Status  core.HealthState       `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the aggregated system view.
type HealthReport struct {
	Status     core.HealthState           `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// AgentStatusSource is the registry slice the aggregator reads.
type AgentStatusSource interface {
	ListAgents() []core.AgentDescriptor
	GetAgentStatus(name string) AgentStatus
	BreakerStates() map[string]core.BreakerState
}

// ProviderStatsSource is the model router slice the aggregator reads.
type ProviderStatsSource interface {
	GetModelStats() map[string]ai.ProviderStats
}

// TaskStatsSource is the scheduler slice the aggregator reads.
type TaskStatsSource interface {
	Stats() TaskStats
	QueueBound() int
}

// HealthAggregatorOptions configures a HealthAggregator.
type HealthAggregatorOptions struct {
	Registry  AgentStatusSource
	Providers ProviderStatsSource
	Tasks     TaskStatsSource

	// CheckInterval is the monitor loop period. Default 15s.
	CheckInterval time.Duration

	Bus    core.EventPublisher
	Logger core.Logger
}

// HealthAggregator derives the tri-state system condition from agents,
// providers, queue pressure and task outcomes. Evaluate is cheap enough
// to call on demand; the monitor loop re-evaluates periodically and
// publishes healthChanged on transitions only.
type HealthAggregator struct {
	registry  AgentStatusSource
	providers ProviderStatsSource
	tasks     TaskStatsSource
	interval  time.Duration
	bus       core.EventPublisher
	logger    core.Logger

	mu   sync.Mutex
	last core.HealthState
}

// NewHealthAggregator creates an aggregator over the given sources.
func NewHealthAggregator(opts HealthAggregatorOptions) *HealthAggregator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("health")
	}
	return &HealthAggregator{
		registry:  opts.Registry,
		providers: opts.Providers,
		tasks:     opts.Tasks,
		interval:  opts.CheckInterval,
		bus:       opts.Bus,
		logger:    opts.Logger,
		last:      core.HealthUnknown,
	}
}

// Evaluate computes the current report.
//
// Unhealthy: a provider class with registered providers and none
// available, task error rate above 0.5 over the trailing hour, or queue
// depth above 80% of the bound. Degraded: any agent breaker open, any
// component below healthy, or error rate in (0.1, 0.5]. Healthy otherwise.
func (h *HealthAggregator) Evaluate() HealthReport {
	report := HealthReport{
		Components: make(map[string]ComponentHealth, 4),
		CheckedAt:  time.Now(),
	}

	unhealthy := false
	degraded := false

	// Agents.
	agentDetails := make(map[string]interface{})
	agentsStatus := core.HealthHealthy
	anyBreakerOpen := false
	if h.registry != nil {
		for _, desc := range h.registry.ListAgents() {
			status := h.registry.GetAgentStatus(desc.Name)
			agentDetails[desc.Name] = string(status.Health)
			agentsStatus = worseOf(agentsStatus, status.Health)
		}
		for _, state := range h.registry.BreakerStates() {
			if state == core.BreakerOpen {
				anyBreakerOpen = true
			}
		}
	}
	report.Components["agents"] = ComponentHealth{Status: agentsStatus, Details: agentDetails}
	if agentsStatus != core.HealthHealthy {
		degraded = true
	}
	if anyBreakerOpen {
		degraded = true
	}

	// Providers, grouped by class. A fully-down class takes the system
	// unhealthy; a partially-down class only degrades it.
	providersStatus := core.HealthHealthy
	providerDetails := make(map[string]interface{})
	if h.providers != nil {
		classTotal := make(map[ai.ProviderClass]int)
		classDown := make(map[ai.ProviderClass]int)
		for id, stats := range h.providers.GetModelStats() {
			classTotal[stats.Class]++
			if !stats.Available {
				classDown[stats.Class]++
				providerDetails[id] = "unavailable"
			} else {
				providerDetails[id] = "available"
			}
		}
		for class, total := range classTotal {
			down := classDown[class]
			if down == 0 {
				continue
			}
			if down == total {
				providersStatus = core.HealthUnhealthy
				unhealthy = true
			} else {
				providersStatus = worseOf(providersStatus, core.HealthDegraded)
				degraded = true
			}
		}
	}
	report.Components["providers"] = ComponentHealth{Status: providersStatus, Details: providerDetails}

	// Queue pressure and task outcomes.
	queueStatus := core.HealthHealthy
	tasksStatus := core.HealthHealthy
	if h.tasks != nil {
		stats := h.tasks.Stats()
		bound := h.tasks.QueueBound()

		queueDetails := map[string]interface{}{
			"depth": stats.QueueDepth,
			"bound": bound,
		}
		if bound > 0 && float64(stats.QueueDepth) > 0.8*float64(bound) {
			queueStatus = core.HealthUnhealthy
			unhealthy = true
		}
		report.Components["queue"] = ComponentHealth{Status: queueStatus, Details: queueDetails}

		taskDetails := map[string]interface{}{
			"errorRate": stats.ErrorRate,
			"completed": stats.Completed,
			"failed":    stats.Failed,
		}
		switch {
		case stats.ErrorRate > 0.5:
			tasksStatus = core.HealthUnhealthy
			unhealthy = true
		case stats.ErrorRate > 0.1:
			tasksStatus = core.HealthDegraded
			degraded = true
		}
		report.Components["tasks"] = ComponentHealth{Status: tasksStatus, Details: taskDetails}
	}

	switch {
	case unhealthy:
		report.Status = core.HealthUnhealthy
	case degraded:
		report.Status = core.HealthDegraded
	default:
		report.Status = core.HealthHealthy
	}
	return report
}

// Start launches the monitor loop. The first evaluation seeds the
// baseline silently; later evaluations publish healthChanged on
// transitions. The loop stops when ctx is done.
func (h *HealthAggregator) Start(ctx context.Context) {
	h.mu.Lock()
	h.last = h.Evaluate().Status
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.check()
			}
		}
	}()
}

func (h *HealthAggregator) check() {
	report := h.Evaluate()

	h.mu.Lock()
	previous := h.last
	h.last = report.Status
	h.mu.Unlock()

	if report.Status == previous {
		return
	}

	if h.bus != nil {
		h.bus.Publish(core.NewEvent(core.EventHealthChanged, "system", map[string]interface{}{
			"from": string(previous),
			"to":   string(report.Status),
		}))
	}
	h.logger.Warn("System health changed", map[string]interface{}{
		"operation": "health_check",
		"from":      string(previous),
		"to":        string(report.Status),
	})
}

// worseOf returns the worse of two health states.
func worseOf(a, b core.HealthState) core.HealthState {
	rank := func(s core.HealthState) int {
		switch s {
		case core.HealthHealthy:
			return 0
		case core.HealthDegraded:
			return 1
		case core.HealthUnhealthy:
			return 2
		}
		return 1
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
