package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a goswarm kernel.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithDefaultTimeout(45*time.Second),
//	    WithBreakerThresholds(5, 60*time.Second, 3),
//	    WithTypeAgent("research", "researcher"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Runtime controls per-invocation execution defaults.
	Runtime RuntimeConfig `json:"runtime"`

	// Breaker controls the per-agent circuit breakers.
	Breaker BreakerConfig `json:"breaker"`

	// Router controls model routing across AI providers.
	Router RouterConfig `json:"router"`

	// Scheduler controls the background task scheduler.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Metrics controls per-agent execution metrics.
	Metrics MetricsConfig `json:"metrics"`

	// Workflow controls the workflow engine.
	Workflow WorkflowConfig `json:"workflow"`

	// Health controls the periodic health monitor.
	Health HealthConfig `json:"health"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Telemetry configuration (optional; traces are no-ops when disabled)
	Telemetry TelemetryConfig `json:"telemetry"`
}

// RuntimeConfig contains execution defaults applied by the envelope when an
// invocation does not carry its own timeout or retry policy.
type RuntimeConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"GOSWARM_DEFAULT_TIMEOUT" default:"30s"`
	Retry          RetryPolicy   `json:"retry"`
}

// BreakerConfig contains circuit breaker thresholds applied to every agent
// registered with the kernel. FailureThreshold failures inside the
// monitoring period open the breaker; after RecoveryTimeout the breaker
// admits up to HalfOpenMaxRequests concurrent probes.
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" env:"GOSWARM_BREAKER_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" env:"GOSWARM_BREAKER_RECOVERY_TIMEOUT" default:"60s"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests" env:"GOSWARM_BREAKER_HALF_OPEN_REQUESTS" default:"3"`
	MonitoringPeriod    time.Duration `json:"monitoring_period" env:"GOSWARM_BREAKER_MONITORING_PERIOD" default:"60s"`
}

// RouterConfig contains model router configuration. Preferences maps a task
// type to an ordered list of provider class names ("anthropic-class",
// "openai-class"); when empty the router's built-in preference table is used.
type RouterConfig struct {
	ProbeInterval  time.Duration         `json:"probe_interval" env:"GOSWARM_ROUTER_PROBE_INTERVAL" default:"60s"`
	RequestTimeout time.Duration         `json:"request_timeout" env:"GOSWARM_ROUTER_REQUEST_TIMEOUT" default:"60s"`
	Preferences    map[TaskType][]string `json:"preferences"`
}

// SchedulerConfig contains task scheduler configuration. TypeAgents maps a
// scheduler task type ("code", "research", "documentation", "analysis") to
// the name of the registered agent that handles it.
type SchedulerConfig struct {
	QueueBound   int               `json:"queue_bound" env:"GOSWARM_QUEUE_BOUND" default:"10000"`
	HistoryBound int               `json:"history_bound" env:"GOSWARM_TASK_HISTORY_BOUND" default:"1000"`
	DequeueWait  time.Duration     `json:"dequeue_wait" env:"GOSWARM_DEQUEUE_WAIT" default:"1s"`
	TypeAgents   map[string]string `json:"type_agents"`
}

// MetricsConfig contains per-agent metrics configuration. WindowSize is the
// number of most recent executions used for the rolling average.
type MetricsConfig struct {
	WindowSize int `json:"window_size" env:"GOSWARM_METRICS_WINDOW" default:"100"`
}

// WorkflowConfig contains workflow engine configuration.
type WorkflowConfig struct {
	HistoryBound int `json:"history_bound" env:"GOSWARM_WORKFLOW_HISTORY_BOUND" default:"1000"`
}

// HealthConfig contains health monitor configuration.
type HealthConfig struct {
	CheckInterval time.Duration `json:"check_interval" env:"GOSWARM_HEALTH_CHECK_INTERVAL" default:"15s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" env:"GOSWARM_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"GOSWARM_LOG_FORMAT" default:"json"`
}

// TelemetryConfig contains OpenTelemetry configuration. When Endpoint is
// empty and Enabled is true, spans are written to stdout.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" env:"GOSWARM_TELEMETRY_ENABLED" default:"false"`
	Endpoint    string `json:"endpoint" env:"GOSWARM_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" env:"GOSWARM_SERVICE_NAME" default:"goswarm"`
	Insecure    bool   `json:"insecure" env:"GOSWARM_TELEMETRY_INSECURE" default:"true"`
}

// Option is a functional option for configuring the kernel
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			DefaultTimeout: 30 * time.Second,
			Retry:          DefaultRetryPolicy(),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     60 * time.Second,
			HalfOpenMaxRequests: 3,
			MonitoringPeriod:    60 * time.Second,
		},
		Router: RouterConfig{
			ProbeInterval:  60 * time.Second,
			RequestTimeout: 60 * time.Second,
			Preferences:    nil, // router defaults apply
		},
		Scheduler: SchedulerConfig{
			QueueBound:   10000,
			HistoryBound: 1000,
			DequeueWait:  1 * time.Second,
			TypeAgents:   map[string]string{},
		},
		Metrics: MetricsConfig{
			WindowSize: 100,
		},
		Workflow: WorkflowConfig{
			HistoryBound: 1000,
		},
		Health: HealthConfig{
			CheckInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "goswarm",
			Insecure:    true,
		},
	}
}

// LoadFromEnv overrides configuration values from environment variables.
// Unparseable values are ignored and the existing value is kept.
func (c *Config) LoadFromEnv() error {
	// Runtime settings
	if v := os.Getenv("GOSWARM_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runtime.DefaultTimeout = d
		}
	}
	if v := os.Getenv("GOSWARM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("GOSWARM_RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runtime.Retry.InitialDelay = d
		}
	}
	if v := os.Getenv("GOSWARM_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runtime.Retry.MaxDelay = d
		}
	}
	if v := os.Getenv("GOSWARM_RETRY_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Runtime.Retry.BackoffMultiplier = f
		}
	}

	// Breaker settings
	if v := os.Getenv("GOSWARM_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("GOSWARM_BREAKER_RECOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.RecoveryTimeout = d
		}
	}
	if v := os.Getenv("GOSWARM_BREAKER_HALF_OPEN_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.HalfOpenMaxRequests = n
		}
	}
	if v := os.Getenv("GOSWARM_BREAKER_MONITORING_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.MonitoringPeriod = d
		}
	}

	// Router settings
	if v := os.Getenv("GOSWARM_ROUTER_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Router.ProbeInterval = d
		}
	}
	if v := os.Getenv("GOSWARM_ROUTER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Router.RequestTimeout = d
		}
	}

	// Scheduler settings
	if v := os.Getenv("GOSWARM_QUEUE_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.QueueBound = n
		}
	}
	if v := os.Getenv("GOSWARM_TASK_HISTORY_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.HistoryBound = n
		}
	}
	if v := os.Getenv("GOSWARM_DEQUEUE_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DequeueWait = d
		}
	}

	// Metrics settings
	if v := os.Getenv("GOSWARM_METRICS_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.WindowSize = n
		}
	}

	// Workflow settings
	if v := os.Getenv("GOSWARM_WORKFLOW_HISTORY_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.HistoryBound = n
		}
	}

	// Health settings
	if v := os.Getenv("GOSWARM_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.CheckInterval = d
		}
	}

	// Logging settings
	if v := os.Getenv("GOSWARM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOSWARM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Telemetry settings
	if v := os.Getenv("GOSWARM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOSWARM_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GOSWARM_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("GOSWARM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	return nil
}

// Validate checks the configuration for values that would break the kernel.
func (c *Config) Validate() error {
	if c.Runtime.DefaultTimeout <= 0 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("default timeout must be positive, got %v", c.Runtime.DefaultTimeout),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Runtime.Retry.MaxRetries < 0 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("max retries cannot be negative, got %d", c.Runtime.Retry.MaxRetries),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Runtime.Retry.BackoffMultiplier < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("backoff multiplier must be at least 1, got %v", c.Runtime.Retry.BackoffMultiplier),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("breaker failure threshold must be at least 1, got %d", c.Breaker.FailureThreshold),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Breaker.HalfOpenMaxRequests < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("breaker half-open max requests must be at least 1, got %d", c.Breaker.HalfOpenMaxRequests),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("breaker recovery timeout must be positive, got %v", c.Breaker.RecoveryTimeout),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Scheduler.QueueBound < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("queue bound must be at least 1, got %d", c.Scheduler.QueueBound),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Scheduler.HistoryBound < 1 || c.Workflow.HistoryBound < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  "history bounds must be at least 1",
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Metrics.WindowSize < 1 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("metrics window size must be at least 1, got %d", c.Metrics.WindowSize),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	if c.Health.CheckInterval <= 0 {
		return &AgentError{
			Code:     CodeInvalidInput,
			Message:  fmt.Sprintf("health check interval must be positive, got %v", c.Health.CheckInterval),
			Category: CategoryValidation,
			Err:      ErrInvalidConfiguration,
		}
	}
	for taskType, classes := range c.Router.Preferences {
		if !ValidTaskType(taskType) {
			return &AgentError{
				Code:     CodeInvalidInput,
				Message:  fmt.Sprintf("unknown task type %q in router preferences", taskType),
				Category: CategoryValidation,
				Err:      ErrInvalidConfiguration,
			}
		}
		if len(classes) == 0 {
			return &AgentError{
				Code:     CodeInvalidInput,
				Message:  fmt.Sprintf("empty provider class list for task type %q", taskType),
				Category: CategoryValidation,
				Err:      ErrInvalidConfiguration,
			}
		}
	}
	for taskType, agent := range c.Scheduler.TypeAgents {
		if strings.TrimSpace(agent) == "" {
			return &AgentError{
				Code:     CodeInvalidInput,
				Message:  fmt.Sprintf("empty agent name for scheduler task type %q", taskType),
				Category: CategoryValidation,
				Err:      ErrMissingConfiguration,
			}
		}
	}
	return nil
}

// BreakerSettings is the hot-reloadable subset of BreakerConfig.
type BreakerSettings struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// Tunables is the snapshot of configuration that can change at runtime
// through Kernel.Reconfigure. Components read a fresh snapshot per operation
// so a reconfigure is observed without restarting anything.
type Tunables struct {
	Retry       RetryPolicy
	Breaker     BreakerSettings
	QueueBound  int
	Preferences map[TaskType][]string
}

// Tunables derives the initial hot-reloadable snapshot from the config.
func (c *Config) Tunables() Tunables {
	return Tunables{
		Retry: c.Runtime.Retry,
		Breaker: BreakerSettings{
			FailureThreshold:    c.Breaker.FailureThreshold,
			RecoveryTimeout:     c.Breaker.RecoveryTimeout,
			HalfOpenMaxRequests: c.Breaker.HalfOpenMaxRequests,
		},
		QueueBound:  c.Scheduler.QueueBound,
		Preferences: copyPreferences(c.Router.Preferences),
	}
}

func copyPreferences(prefs map[TaskType][]string) map[TaskType][]string {
	if prefs == nil {
		return nil
	}
	out := make(map[TaskType][]string, len(prefs))
	for k, v := range prefs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithDefaultTimeout sets the timeout applied to invocations that do not
// carry their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("default timeout must be positive: %w", ErrInvalidConfiguration)
		}
		c.Runtime.DefaultTimeout = d
		return nil
	}
}

// WithRetryPolicy sets the default retry policy applied to invocations that
// do not carry their own.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Config) error {
		c.Runtime.Retry = p
		return nil
	}
}

// WithBreakerThresholds sets the circuit breaker thresholds applied to every
// registered agent.
func WithBreakerThresholds(failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int) Option {
	return func(c *Config) error {
		c.Breaker.FailureThreshold = failureThreshold
		c.Breaker.RecoveryTimeout = recoveryTimeout
		c.Breaker.HalfOpenMaxRequests = halfOpenMax
		return nil
	}
}

// WithBreakerMonitoringPeriod sets how long a recorded failure counts toward
// the breaker threshold.
func WithBreakerMonitoringPeriod(d time.Duration) Option {
	return func(c *Config) error {
		c.Breaker.MonitoringPeriod = d
		return nil
	}
}

// WithProbeInterval sets how long a provider availability probe is cached.
func WithProbeInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Router.ProbeInterval = d
		return nil
	}
}

// WithRequestTimeout sets the model router's outbound request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Router.RequestTimeout = d
		return nil
	}
}

// WithPreference sets the ordered provider class list for a task type,
// overriding the router's built-in preference table.
func WithPreference(taskType TaskType, classes ...string) Option {
	return func(c *Config) error {
		if len(classes) == 0 {
			return fmt.Errorf("preference for %q needs at least one provider class: %w", taskType, ErrInvalidConfiguration)
		}
		if c.Router.Preferences == nil {
			c.Router.Preferences = make(map[TaskType][]string)
		}
		c.Router.Preferences[taskType] = append([]string(nil), classes...)
		return nil
	}
}

// WithQueueBound sets the maximum number of queued tasks.
func WithQueueBound(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("queue bound must be at least 1: %w", ErrInvalidConfiguration)
		}
		c.Scheduler.QueueBound = n
		return nil
	}
}

// WithTaskHistoryBound sets how many completed task results are retained.
func WithTaskHistoryBound(n int) Option {
	return func(c *Config) error {
		c.Scheduler.HistoryBound = n
		return nil
	}
}

// WithTypeAgent routes a scheduler task type to a named agent.
func WithTypeAgent(taskType, agentName string) Option {
	return func(c *Config) error {
		if strings.TrimSpace(agentName) == "" {
			return fmt.Errorf("agent name for task type %q is empty: %w", taskType, ErrMissingConfiguration)
		}
		if c.Scheduler.TypeAgents == nil {
			c.Scheduler.TypeAgents = make(map[string]string)
		}
		c.Scheduler.TypeAgents[taskType] = agentName
		return nil
	}
}

// WithMetricsWindow sets the rolling window size for per-agent metrics.
func WithMetricsWindow(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("metrics window must be at least 1: %w", ErrInvalidConfiguration)
		}
		c.Metrics.WindowSize = n
		return nil
	}
}

// WithWorkflowHistoryBound sets how many workflow executions are retained.
func WithWorkflowHistoryBound(n int) Option {
	return func(c *Config) error {
		c.Workflow.HistoryBound = n
		return nil
	}
}

// WithHealthCheckInterval sets how often the health monitor re-evaluates.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Health.CheckInterval = d
		return nil
	}
}

// WithLogLevel sets the minimum log level (debug, info, warn, error).
// Unknown levels fall back to info.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithTelemetry enables trace export to the given OTLP endpoint. An empty
// endpoint writes spans to stdout.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithServiceName sets the service name reported on exported traces.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.Telemetry.ServiceName = name
		return nil
	}
}

// NewConfig creates a new configuration with the given options.
// Priority order: defaults < environment variables < options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
