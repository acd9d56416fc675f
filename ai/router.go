package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/goswarm/core"
	"github.com/itsneelabh/goswarm/resilience"
)

// DefaultPreferences returns the built-in preference table: an ordered
// list of provider classes per task type. Single-class entries get no
// cross-class failover; within a class, providers fail over in
// registration order.
func DefaultPreferences() map[core.TaskType][]ProviderClass {
	return map[core.TaskType][]ProviderClass{
		core.TaskTypeResearch:       {ClassAnthropic, ClassOpenAI},
		core.TaskTypePlanning:       {ClassOpenAI, ClassAnthropic},
		core.TaskTypeCodeAnalysis:   {ClassAnthropic},
		core.TaskTypeCodeGeneration: {ClassOpenAI},
		core.TaskTypeDocumentation:  {ClassAnthropic},
		core.TaskTypeOptimization:   {ClassOpenAI},
	}
}

// ParsePreferences converts a configuration preference map (class names
// as strings) into the router's typed form.
func ParsePreferences(raw map[core.TaskType][]string) (map[core.TaskType][]ProviderClass, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[core.TaskType][]ProviderClass, len(raw))
	for taskType, names := range raw {
		if !core.ValidTaskType(taskType) {
			return nil, fmt.Errorf("unknown task type %q in preferences: %w", taskType, core.ErrInvalidConfiguration)
		}
		classes := make([]ProviderClass, 0, len(names))
		for _, name := range names {
			class, err := ParseProviderClass(name)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", err, core.ErrInvalidConfiguration)
			}
			classes = append(classes, class)
		}
		out[taskType] = classes
	}
	return out, nil
}

// RouterOptions configures a ModelRouter.
type RouterOptions struct {
	// ProbeInterval is how long a failed availability probe is cached
	// before the provider is tried again.
	ProbeInterval time.Duration

	// RequestTimeout bounds each outbound provider call.
	RequestTimeout time.Duration

	// Preferences overrides the built-in preference table. Task types
	// absent from the map keep their defaults.
	Preferences map[core.TaskType][]ProviderClass

	Logger    core.Logger
	Telemetry core.Telemetry
}

// providerEntry pairs a provider with its availability cache and usage
// tallies. Entry state has its own mutex so a slow provider call never
// blocks stats reads for other providers.
type providerEntry struct {
	provider Provider

	mu            sync.Mutex
	available     bool
	lastProbe     time.Time
	requests      uint64
	failures      uint64
	rollingCost   float64
	rollingTokens int64
}

// ModelRouter selects a provider for each model call using the preference
// table, skipping providers with a recent failed probe, and failing over
// down the candidate list. Providers of the same class are tried in
// registration order.
type ModelRouter struct {
	mu        sync.RWMutex // guards providers, order, prefs
	providers map[string]*providerEntry
	order     []string
	prefs     map[core.TaskType][]ProviderClass

	probeInterval  time.Duration
	requestTimeout time.Duration

	logger    core.Logger
	telemetry core.Telemetry
}

// NewModelRouter creates a router with no providers registered.
func NewModelRouter(opts RouterOptions) *ModelRouter {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 60 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("model-router")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}

	prefs := DefaultPreferences()
	for taskType, classes := range opts.Preferences {
		prefs[taskType] = append([]ProviderClass(nil), classes...)
	}

	return &ModelRouter{
		providers:      make(map[string]*providerEntry),
		prefs:          prefs,
		probeInterval:  opts.ProbeInterval,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		telemetry:      opts.Telemetry,
	}
}

// RegisterProvider adds a provider. IDs are unique; registering a
// duplicate fails.
func (r *ModelRouter) RegisterProvider(p Provider) error {
	if p == nil {
		return core.NewValidationError(core.CodeInvalidInput, "provider is nil")
	}
	id := strings.TrimSpace(p.ID())
	if id == "" {
		return core.NewValidationError(core.CodeInvalidInput, "provider ID is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q: %w", id, core.ErrProviderAlreadyExists)
	}
	r.providers[id] = &providerEntry{provider: p, available: true}
	r.order = append(r.order, id)

	r.logger.Info("Provider registered", map[string]interface{}{
		"operation": "provider_register",
		"provider":  id,
		"class":     string(p.Class()),
	})
	return nil
}

// Execute routes one model call. It walks the candidate list for the task
// type, skipping providers whose last probe failed inside the cache
// window, giving each candidate a single structural retry for
// system-class failures, and failing over on non-validation errors. When
// every candidate is down it returns a retryable no-provider error.
func (r *ModelRouter) Execute(ctx context.Context, taskType core.TaskType, prompt string, opts CompletionOptions) (*ModelResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !core.ValidTaskType(taskType) {
		return nil, core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown task type %q", taskType))
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, core.NewValidationError(core.CodeInvalidInput, "prompt is empty")
	}

	ctx, span := r.telemetry.StartSpan(ctx, "model.execute")
	defer span.End()
	span.SetAttribute("ai.task_type", string(taskType))
	span.SetAttribute("ai.prompt_length", len(prompt))

	candidates := r.candidates(taskType)
	if len(candidates) == 0 {
		err := r.noProvider(taskType, nil)
		span.RecordError(err)
		return nil, err
	}

	start := time.Now()
	var lastErr *core.AgentError
	for _, entry := range candidates {
		if r.skipCached(entry) {
			continue
		}

		completion, err := r.try(ctx, entry, prompt, opts)
		if err == nil {
			r.recordSuccess(entry, completion)
			duration := time.Since(start)
			span.SetAttribute("ai.provider", entry.provider.ID())
			span.SetAttribute("ai.model", completion.Model)
			r.logger.Info("Model call completed", map[string]interface{}{
				"operation":     "model_execute",
				"provider":      entry.provider.ID(),
				"task_type":     string(taskType),
				"input_tokens":  completion.Usage.InputTokens,
				"output_tokens": completion.Usage.OutputTokens,
				"duration_ms":   duration.Milliseconds(),
			})
			return &ModelResult{
				Content:       completion.Content,
				Provider:      entry.provider.ID(),
				Model:         completion.Model,
				Usage:         completion.Usage,
				ExecutionTime: duration,
			}, nil
		}

		failure := core.Classify(err)
		if failure.Category == core.CategoryValidation {
			// Caller problem; every provider would refuse it the same way.
			span.RecordError(failure)
			return nil, failure
		}

		r.recordFailure(entry)
		lastErr = failure
		r.logger.Warn("Provider call failed, failing over", map[string]interface{}{
			"operation": "model_execute",
			"provider":  entry.provider.ID(),
			"task_type": string(taskType),
			"category":  string(failure.Category),
			"error":     failure.Message,
		})
	}

	err := r.noProvider(taskType, lastErr)
	span.RecordError(err)
	return nil, err
}

// SelectOptimalModel returns the provider the router would try first for
// the task type right now. Informational: availability can change before
// the caller acts on it.
func (r *ModelRouter) SelectOptimalModel(taskType core.TaskType) (string, error) {
	if !core.ValidTaskType(taskType) {
		return "", core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown task type %q", taskType))
	}
	candidates := r.candidates(taskType)
	if len(candidates) == 0 {
		return "", fmt.Errorf("no provider registered for task type %q: %w", taskType, core.ErrNoProviderAvailable)
	}
	for _, entry := range candidates {
		if !r.skipCached(entry) {
			return entry.provider.ID(), nil
		}
	}
	return candidates[0].provider.ID(), nil
}

// GetModelStats returns a snapshot of every registered provider.
func (r *ModelRouter) GetModelStats() map[string]ProviderStats {
	r.mu.RLock()
	entries := make([]*providerEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.providers[id])
	}
	r.mu.RUnlock()

	stats := make(map[string]ProviderStats, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		stats[entry.provider.ID()] = ProviderStats{
			ID:            entry.provider.ID(),
			Class:         entry.provider.Class(),
			Available:     entry.available,
			LastProbe:     entry.lastProbe,
			Requests:      entry.requests,
			Failures:      entry.failures,
			RollingCost:   entry.rollingCost,
			RollingTokens: entry.rollingTokens,
		}
		entry.mu.Unlock()
	}
	return stats
}

// SetPreferences replaces the preference table. Task types absent from
// the new map fall back to the built-in defaults. In-flight calls keep
// the candidate list they already resolved.
func (r *ModelRouter) SetPreferences(prefs map[core.TaskType][]ProviderClass) error {
	next := DefaultPreferences()
	for taskType, classes := range prefs {
		if !core.ValidTaskType(taskType) {
			return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown task type %q", taskType))
		}
		next[taskType] = append([]ProviderClass(nil), classes...)
	}

	r.mu.Lock()
	r.prefs = next
	r.mu.Unlock()

	r.logger.Info("Router preferences updated", map[string]interface{}{
		"operation": "preferences_update",
		"entries":   len(prefs),
	})
	return nil
}

// StartProbing launches the background availability probe loop. Providers
// implementing Pinger whose probe cache has expired are pinged every
// interval; providers without Ping are refreshed by real traffic only.
// The loop stops when ctx is done.
func (r *ModelRouter) StartProbing(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

func (r *ModelRouter) probeAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*providerEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.providers[id])
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		pinger, ok := entry.provider.(Pinger)
		if !ok {
			continue
		}

		entry.mu.Lock()
		fresh := time.Since(entry.lastProbe) < r.probeInterval
		entry.mu.Unlock()
		if fresh {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		err := pinger.Ping(probeCtx)
		cancel()

		entry.mu.Lock()
		entry.available = err == nil
		entry.lastProbe = time.Now()
		entry.mu.Unlock()

		if err != nil {
			r.logger.Warn("Provider probe failed", map[string]interface{}{
				"operation": "provider_probe",
				"provider":  entry.provider.ID(),
				"error":     err.Error(),
			})
		}
	}
}

// candidates resolves the ordered provider list for a task type.
func (r *ModelRouter) candidates(taskType core.TaskType) []*providerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes, ok := r.prefs[taskType]
	if !ok {
		classes = DefaultPreferences()[taskType]
	}

	var out []*providerEntry
	for _, class := range classes {
		for _, id := range r.order {
			entry := r.providers[id]
			if entry.provider.Class() == class {
				out = append(out, entry)
			}
		}
	}
	return out
}

// skipCached reports whether the provider's last probe failed recently
// enough to skip it without a new attempt.
func (r *ModelRouter) skipCached(entry *providerEntry) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return !entry.available && time.Since(entry.lastProbe) < r.probeInterval
}

// try performs the provider call with the router's outbound timeout and a
// single structural retry for system-class failures. Harder failures
// (validation, provider-side rejection) surface immediately.
func (r *ModelRouter) try(ctx context.Context, entry *providerEntry, prompt string, opts CompletionOptions) (*Completion, error) {
	var completion *Completion
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	err := resilience.RetryIf(ctx, retryCfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
		c, err := entry.provider.Complete(callCtx, prompt, opts)
		if err != nil {
			return err
		}
		completion = c
		return nil
	}, func(err error) bool {
		failure := core.Classify(err)
		return failure.Category == core.CategorySystem && failure.Retryable
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (r *ModelRouter) recordSuccess(entry *providerEntry, completion *Completion) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.available = true
	entry.lastProbe = time.Now()
	entry.requests++
	entry.rollingCost += completion.Usage.CostUSD
	entry.rollingTokens += int64(completion.Usage.InputTokens + completion.Usage.OutputTokens)
}

func (r *ModelRouter) recordFailure(entry *providerEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.available = false
	entry.lastProbe = time.Now()
	entry.requests++
	entry.failures++
}

func (r *ModelRouter) noProvider(taskType core.TaskType, lastErr *core.AgentError) *core.AgentError {
	err := &core.AgentError{
		Code:      core.CodeNoProvider,
		Message:   fmt.Sprintf("no provider available for task type %q", taskType),
		Category:  core.CategorySystem,
		Kind:      core.KindTemporary,
		Retryable: true,
		Err:       core.ErrNoProviderAvailable,
	}
	if lastErr != nil {
		err.WithMetadata("lastError", lastErr.Message)
		err.WithMetadata("lastErrorCategory", string(lastErr.Category))
	}
	return err
}
