// Package goswarm is the composition root for the orchestration kernel.
// It wires the event bus, agent registry, model router, workflow engine,
// smart router, task scheduler, and health monitor into one facade.
// Users who need a single component can import its package directly:
//   - github.com/itsneelabh/goswarm/core - agents, envelope, events, config
//   - github.com/itsneelabh/goswarm/ai - model routing and providers
//   - github.com/itsneelabh/goswarm/orchestration - registry, workflows, tasks
//   - github.com/itsneelabh/goswarm/telemetry - OpenTelemetry provider
package goswarm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
	"github.com/itsneelabh/goswarm/orchestration"
	"github.com/itsneelabh/goswarm/resilience"
	"github.com/itsneelabh/goswarm/telemetry"
)

// Dependencies holds injectable externals for the kernel.
// This follows the dependency injection pattern used across the modules.
type Dependencies struct {
	// Providers are registered with the model router at construction.
	// More can be added later through RegisterProvider.
	Providers []ai.Provider

	// Optional dependencies (can be nil)
	Logger         core.Logger                 // For structured logging
	Telemetry      core.Telemetry              // For observability
	Queue          orchestration.TaskQueue     // Task queue backend; nil selects in-memory
	BreakerMetrics resilience.MetricsCollector // Sink for breaker gauges
}

// Kernel composes the orchestration components behind one facade. All
// methods are safe for concurrent use. Construct with New, bring the
// background loops up with Start, and stop with Shutdown.
type Kernel struct {
	cfg      *core.Config
	tunables atomic.Pointer[core.Tunables]

	logger    core.Logger
	telemetry core.Telemetry

	bus       *core.EventBus
	registry  *orchestration.AgentRegistry
	models    *ai.ModelRouter
	workflows *orchestration.WorkflowEngine
	smart     *orchestration.SmartRouter
	scheduler *orchestration.TaskScheduler
	health    *orchestration.HealthAggregator

	// ownedTelemetry is set when the kernel constructed the provider
	// itself and therefore owns its shutdown.
	ownedTelemetry *telemetry.OTelProvider

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// New creates a kernel from the configuration and dependencies. A nil
// config uses defaults. The kernel is fully usable for registration and
// direct delegation after New; Start brings up the scheduler worker, the
// provider probe loop, and the health monitor.
func New(cfg *core.Config, deps Dependencies) (*Kernel, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = core.NewProductionLoggerWithOptions(os.Stdout, core.ParseLogLevel(cfg.Logging.Level))
	}

	k := &Kernel{cfg: cfg, logger: kernelLogger(logger)}
	tunables := cfg.Tunables()
	k.tunables.Store(&tunables)

	k.telemetry = deps.Telemetry
	if k.telemetry == nil && cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(cfg.Telemetry)
		if err != nil {
			// Telemetry failures never block the kernel.
			k.logger.Warn("Telemetry initialization failed, continuing without traces", map[string]interface{}{
				"operation": "kernel_create",
				"error":     err,
			})
		} else {
			k.telemetry = provider
			k.ownedTelemetry = provider
		}
	}
	if k.telemetry == nil {
		k.telemetry = &core.NoOpTelemetry{}
	}

	k.bus = core.NewEventBus(logger)

	k.registry = orchestration.NewAgentRegistry(orchestration.RegistryOptions{
		Breaker:          tunables.Breaker,
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
		MetricsWindow:    cfg.Metrics.WindowSize,
		Defaults:         k.runtimeDefaults,
		Bus:              k.bus,
		Logger:           logger,
		Telemetry:        k.telemetry,
		BreakerMetrics:   deps.BreakerMetrics,
	})

	prefs, err := ai.ParsePreferences(cfg.Router.Preferences)
	if err != nil {
		return nil, fmt.Errorf("invalid router preferences: %w", err)
	}
	k.models = ai.NewModelRouter(ai.RouterOptions{
		ProbeInterval:  cfg.Router.ProbeInterval,
		RequestTimeout: cfg.Router.RequestTimeout,
		Preferences:    prefs,
		Logger:         logger,
		Telemetry:      k.telemetry,
	})
	for _, p := range deps.Providers {
		if err := k.models.RegisterProvider(p); err != nil {
			return nil, fmt.Errorf("registering provider: %w", err)
		}
	}

	k.workflows = orchestration.NewWorkflowEngine(orchestration.WorkflowEngineOptions{
		HistoryBound: cfg.Workflow.HistoryBound,
		Delegator:    k.registry,
		Bus:          k.bus,
		Logger:       logger,
		Telemetry:    k.telemetry,
	})

	k.smart = orchestration.NewSmartRouter(orchestration.SmartRouterOptions{
		Registry:  k.registry,
		Models:    k.models,
		Logger:    logger,
		Telemetry: k.telemetry,
	})

	typeAgents, err := schedulerTypeAgents(cfg.Scheduler.TypeAgents)
	if err != nil {
		return nil, err
	}
	k.scheduler = orchestration.NewTaskScheduler(orchestration.SchedulerOptions{
		Queue:        deps.Queue,
		QueueBound:   k.queueBound,
		HistoryBound: cfg.Scheduler.HistoryBound,
		TypeAgents:   typeAgents,
		Delegator:    k.registry,
		Workflows:    k.workflows,
		Bus:          k.bus,
		Logger:       logger,
		Telemetry:    k.telemetry,
	})

	k.health = orchestration.NewHealthAggregator(orchestration.HealthAggregatorOptions{
		Registry:      k.registry,
		Providers:     k.models,
		Tasks:         k.scheduler,
		CheckInterval: cfg.Health.CheckInterval,
		Bus:           k.bus,
		Logger:        logger,
	})

	k.logger.Info("Kernel created", map[string]interface{}{
		"operation":         "kernel_create",
		"providers":         len(deps.Providers),
		"queue_bound":       tunables.QueueBound,
		"telemetry_enabled": cfg.Telemetry.Enabled,
	})
	return k, nil
}

func kernelLogger(logger core.Logger) core.Logger {
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		return cl.WithComponent("kernel")
	}
	return logger
}

// schedulerTypeAgents validates the config's string-keyed map into the
// scheduler's task type keys.
func schedulerTypeAgents(raw map[string]string) (map[orchestration.TaskType]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[orchestration.TaskType]string, len(raw))
	for taskType, agentName := range raw {
		tt := orchestration.TaskType(taskType)
		if !tt.Valid() {
			return nil, fmt.Errorf("unknown scheduler task type %q: %w", taskType, core.ErrInvalidConfiguration)
		}
		out[tt] = agentName
	}
	return out, nil
}

// Start brings up the background loops: the scheduler worker, the
// provider availability probes, and the health monitor. The context
// bounds the lifetime of all three; cancelling it is equivalent to
// an abrupt Shutdown.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return core.ErrKernelStopped
	}
	if k.started {
		return fmt.Errorf("kernel: %w", core.ErrAlreadyStarted)
	}

	if err := k.scheduler.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.models.StartProbing(loopCtx)
	k.health.Start(loopCtx)
	k.started = true

	k.logger.Info("Kernel started", map[string]interface{}{
		"operation": "kernel_start",
	})
	return nil
}

// Shutdown stops the kernel: task intake stops immediately, the active
// task drains until the context's deadline, then the health and probe
// loops stop and the event bus closes. Returns the context error when
// the grace period expires before the active task finishes. Safe to
// call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return nil
	}
	k.stopped = true

	err := k.scheduler.Stop(ctx)
	if k.cancel != nil {
		k.cancel()
	}
	k.bus.Close()
	if k.ownedTelemetry != nil {
		if terr := k.ownedTelemetry.Shutdown(ctx); terr != nil {
			k.logger.Warn("Telemetry shutdown failed", map[string]interface{}{
				"operation": "kernel_shutdown",
				"error":     terr,
			})
		}
	}

	k.logger.Info("Kernel stopped", map[string]interface{}{
		"operation": "kernel_shutdown",
		"drained":   err == nil,
	})
	return err
}

// runtimeDefaults supplies the envelope's per-invocation defaults from
// the current tunables snapshot.
func (k *Kernel) runtimeDefaults() core.RuntimeDefaults {
	return core.RuntimeDefaults{
		Timeout: k.cfg.Runtime.DefaultTimeout,
		Retry:   k.tunables.Load().Retry,
	}
}

// queueBound supplies the scheduler's admission cap from the current
// tunables snapshot.
func (k *Kernel) queueBound() int {
	return k.tunables.Load().QueueBound
}

// Agents

// RegisterAgent adds an agent to the registry with its own circuit
// breaker, metrics window, and execution envelope.
func (k *Kernel) RegisterAgent(agent core.Agent) error {
	return k.registry.RegisterAgent(agent)
}

// UnregisterAgent removes an agent and its breaker and metrics.
func (k *Kernel) UnregisterAgent(name string) error {
	return k.registry.UnregisterAgent(name)
}

// Delegate executes one invocation on a named agent through its envelope.
func (k *Kernel) Delegate(ctx context.Context, agentName string, input *core.AgentInput) *core.AgentResult {
	return k.registry.Delegate(ctx, agentName, input)
}

// GetAgentStatus reports one agent's registration, health, and metrics.
func (k *Kernel) GetAgentStatus(name string) orchestration.AgentStatus {
	return k.registry.GetAgentStatus(name)
}

// ListAgents returns descriptors for all registered agents sorted by name.
func (k *Kernel) ListAgents() []core.AgentDescriptor {
	return k.registry.ListAgents()
}

// Workflows

// RegisterWorkflow validates and stores a workflow definition.
func (k *Kernel) RegisterWorkflow(def orchestration.WorkflowDefinition) error {
	return k.workflows.RegisterWorkflow(def)
}

// UnregisterWorkflow removes a workflow definition.
func (k *Kernel) UnregisterWorkflow(id string) error {
	return k.workflows.UnregisterWorkflow(id)
}

// ExecuteWorkflow runs a workflow's steps in order, feeding each step's
// output into the shared context visible to later steps.
func (k *Kernel) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}) *core.AgentResult {
	return k.workflows.ExecuteWorkflow(ctx, workflowID, input)
}

// ListWorkflows returns all registered workflow definitions.
func (k *Kernel) ListWorkflows() []orchestration.WorkflowDefinition {
	return k.workflows.ListWorkflows()
}

// GetWorkflowExecution returns one retained execution record.
func (k *Kernel) GetWorkflowExecution(executionID string) (*orchestration.WorkflowExecution, error) {
	return k.workflows.GetExecution(executionID)
}

// Routing

// SmartExecute classifies a free-form request against the registered
// agents and routes to the best match, falling back to a direct model
// call when no agent fits.
func (k *Kernel) SmartExecute(ctx context.Context, request string) *core.AgentResult {
	return k.smart.SmartExecute(ctx, request)
}

// RegisterProvider adds an AI provider to the model router.
func (k *Kernel) RegisterProvider(p ai.Provider) error {
	return k.models.RegisterProvider(p)
}

// ModelStats reports per-provider availability and usage tallies.
func (k *Kernel) ModelStats() map[string]ai.ProviderStats {
	return k.models.GetModelStats()
}

// Tasks

// SubmitTask queues a task for background execution and returns its ID.
func (k *Kernel) SubmitTask(req orchestration.TaskRequest) (string, error) {
	return k.scheduler.Submit(req)
}

// TaskStatus reports where a task is in its lifecycle.
func (k *Kernel) TaskStatus(id string) orchestration.TaskStatus {
	return k.scheduler.GetStatus(id)
}

// TaskResult returns the outcome of a finished task, or a status-only
// result while the task is still queued or active.
func (k *Kernel) TaskResult(id string) (*orchestration.TaskResult, error) {
	return k.scheduler.GetResult(id)
}

// CancelTask cancels a queued task. Active and finished tasks are not
// cancellable.
func (k *Kernel) CancelTask(id string) error {
	return k.scheduler.Cancel(id)
}

// TaskStats reports scheduler counters and the trailing-hour error rate.
func (k *Kernel) TaskStats() orchestration.TaskStats {
	return k.scheduler.Stats()
}

// QueueDepth reports the number of queued tasks.
func (k *Kernel) QueueDepth() int {
	return k.scheduler.QueueDepth()
}

// Observation

// Health evaluates the tri-state system health from agent breakers,
// provider availability, queue depth, and the task error rate.
func (k *Kernel) Health() orchestration.HealthReport {
	return k.health.Evaluate()
}

// Subscribe registers an event handler and returns its unsubscribe
// function. Handlers run on their own goroutine and never block emitters.
func (k *Kernel) Subscribe(handler func(core.Event)) func() {
	return k.bus.Subscribe(handler)
}

// Reconfiguration

// reconfigureDraft accumulates tunable changes before they are applied
// as one atomic snapshot swap.
type reconfigureDraft struct {
	tunables core.Tunables
	prefsSet bool
}

// ReconfigureOption mutates the tunables draft inside Reconfigure.
type ReconfigureOption func(*reconfigureDraft) error

// WithRetryDefaults replaces the default retry policy applied to
// invocations that do not carry their own.
func WithRetryDefaults(policy core.RetryPolicy) ReconfigureOption {
	return func(d *reconfigureDraft) error {
		if policy.MaxRetries < 0 {
			return fmt.Errorf("max retries cannot be negative: %w", core.ErrInvalidConfiguration)
		}
		if policy.BackoffMultiplier < 1 {
			return fmt.Errorf("backoff multiplier must be at least 1: %w", core.ErrInvalidConfiguration)
		}
		d.tunables.Retry = policy
		return nil
	}
}

// WithBreakerThresholds replaces the circuit breaker thresholds. Existing
// breakers adopt the new values on their next transition check.
func WithBreakerThresholds(failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int) ReconfigureOption {
	return func(d *reconfigureDraft) error {
		if failureThreshold < 1 || halfOpenMax < 1 {
			return fmt.Errorf("breaker thresholds must be at least 1: %w", core.ErrInvalidConfiguration)
		}
		if recoveryTimeout <= 0 {
			return fmt.Errorf("breaker recovery timeout must be positive: %w", core.ErrInvalidConfiguration)
		}
		d.tunables.Breaker = core.BreakerSettings{
			FailureThreshold:    failureThreshold,
			RecoveryTimeout:     recoveryTimeout,
			HalfOpenMaxRequests: halfOpenMax,
		}
		return nil
	}
}

// WithProviderPreferences replaces the task-type preference table used by
// the model router. Task types absent from the map keep router defaults.
func WithProviderPreferences(prefs map[core.TaskType][]string) ReconfigureOption {
	return func(d *reconfigureDraft) error {
		copied := make(map[core.TaskType][]string, len(prefs))
		for taskType, classes := range prefs {
			copied[taskType] = append([]string(nil), classes...)
		}
		d.tunables.Preferences = copied
		d.prefsSet = true
		return nil
	}
}

// WithQueueBound replaces the task queue admission cap. Applies to
// future submissions; already queued tasks are never evicted.
func WithQueueBound(n int) ReconfigureOption {
	return func(d *reconfigureDraft) error {
		if n < 1 {
			return fmt.Errorf("queue bound must be at least 1: %w", core.ErrInvalidConfiguration)
		}
		d.tunables.QueueBound = n
		return nil
	}
}

// Reconfigure atomically applies tunable changes. Validation failures
// reject the whole batch; on success future invocations observe the new
// snapshot while in-flight executions keep the one they started with.
func (k *Kernel) Reconfigure(opts ...ReconfigureOption) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return core.ErrKernelStopped
	}

	draft := reconfigureDraft{tunables: *k.tunables.Load()}
	for _, opt := range opts {
		if err := opt(&draft); err != nil {
			return fmt.Errorf("reconfigure rejected: %w", err)
		}
	}

	var parsed map[core.TaskType][]ai.ProviderClass
	if draft.prefsSet {
		p, err := ai.ParsePreferences(draft.tunables.Preferences)
		if err != nil {
			return fmt.Errorf("reconfigure rejected: %w", err)
		}
		parsed = p
	}

	k.tunables.Store(&draft.tunables)
	k.registry.ApplyBreakerSettings(draft.tunables.Breaker)
	if draft.prefsSet {
		if err := k.models.SetPreferences(parsed); err != nil {
			return err
		}
	}

	k.logger.Info("Kernel reconfigured", map[string]interface{}{
		"operation":         "kernel_reconfigure",
		"max_retries":       draft.tunables.Retry.MaxRetries,
		"failure_threshold": draft.tunables.Breaker.FailureThreshold,
		"queue_bound":       draft.tunables.QueueBound,
		"preferences_set":   draft.prefsSet,
	})
	return nil
}
