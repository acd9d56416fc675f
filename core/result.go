package core

import (
	"math"
	"time"
)

// TaskType identifies the capability class an agent requests from the
// model router. The set is closed; the router's preference map is keyed
// by these values.
type TaskType string

const (
	TaskTypeResearch       TaskType = "research"
	TaskTypePlanning       TaskType = "planning"
	TaskTypeCodeAnalysis   TaskType = "code-analysis"
	TaskTypeCodeGeneration TaskType = "code-generation"
	TaskTypeDocumentation  TaskType = "documentation"
	TaskTypeOptimization   TaskType = "optimization"
)

// KnownTaskTypes returns the closed set of model task types.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeResearch,
		TaskTypePlanning,
		TaskTypeCodeAnalysis,
		TaskTypeCodeGeneration,
		TaskTypeDocumentation,
		TaskTypeOptimization,
	}
}

// ValidTaskType reports whether t is one of the known model task types.
func ValidTaskType(t TaskType) bool {
	for _, known := range KnownTaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Reserved metadata keys on AgentInput.Metadata.
const (
	MetadataTraceID       = "traceId"
	MetadataCorrelationID = "correlationId"
)

// AgentInput is the dynamic key/value bag supplied by the caller for one
// invocation, plus the typed header fields the envelope understands.
// Timeout and RetryPolicy are pointers so "absent" (use defaults) is
// distinguishable from an explicit zero, which is a validation error.
type AgentInput struct {
	Data        map[string]interface{} `json:"data,omitempty"`
	Timeout     *time.Duration         `json:"timeout,omitempty"`
	RetryPolicy *RetryPolicy           `json:"retryPolicy,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the input with copied top-level maps.
// Nested values are shared; the envelope never mutates them.
func (in *AgentInput) Clone() *AgentInput {
	if in == nil {
		return &AgentInput{}
	}
	out := &AgentInput{
		Timeout:     in.Timeout,
		RetryPolicy: in.RetryPolicy,
	}
	if in.Data != nil {
		out.Data = make(map[string]interface{}, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	if in.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// TraceID returns the reserved traceId metadata entry, if present.
func (in *AgentInput) TraceID() string {
	return in.metadataString(MetadataTraceID)
}

// CorrelationID returns the reserved correlationId metadata entry, if present.
func (in *AgentInput) CorrelationID() string {
	return in.metadataString(MetadataCorrelationID)
}

func (in *AgentInput) metadataString(key string) string {
	if in == nil || in.Metadata == nil {
		return ""
	}
	if v, ok := in.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// RetryPolicy controls the envelope's retry loop. A zero-valued field in
// a caller-supplied policy falls back to the default, except MaxRetries
// which is taken verbatim (0 is legal and means a single attempt).
type RetryPolicy struct {
	MaxRetries          int           `json:"maxRetries"`
	InitialDelay        time.Duration `json:"initialDelay"`
	BackoffMultiplier   float64       `json:"backoffMultiplier"`
	MaxDelay            time.Duration `json:"maxDelay"`
	RetryableErrorKinds []ErrorKind   `json:"retryableErrorKinds,omitempty"`
}

// DefaultRetryPolicy returns the envelope's default policy: 3 retries,
// 1s initial delay, x2 backoff, 30s cap, retrying timeout/network/
// rate-limit/temporary failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		RetryableErrorKinds: []ErrorKind{
			KindTimeout, KindNetwork, KindRateLimit, KindTemporary,
		},
	}
}

// Merge overlays a caller-supplied policy on the receiver (the defaults).
// MaxRetries is used verbatim when a policy is supplied; unset delays,
// multiplier and kinds fall back to the receiver's values.
func (p RetryPolicy) Merge(override *RetryPolicy) RetryPolicy {
	if override == nil {
		return p
	}
	merged := p
	merged.MaxRetries = override.MaxRetries
	if override.InitialDelay > 0 {
		merged.InitialDelay = override.InitialDelay
	}
	if override.BackoffMultiplier >= 1 {
		merged.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.MaxDelay > 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if len(override.RetryableErrorKinds) > 0 {
		merged.RetryableErrorKinds = append([]ErrorKind(nil), override.RetryableErrorKinds...)
	}
	return merged
}

// Delay returns the backoff before the attempt following zero-based
// attempt n: min(initialDelay x multiplier^n, maxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if backoff < 0 || backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// ShouldRetry reports whether the policy retries the given failure.
// Validation and circuit-breaker failures are never retried regardless
// of the configured kinds.
func (p RetryPolicy) ShouldRetry(err *AgentError) bool {
	if err == nil || !err.Retryable {
		return false
	}
	if err.Category == CategoryValidation || err.Category == CategoryCircuitBreaker {
		return false
	}
	// An agent-flagged retryable execution error retries even though
	// "execution" is not in the kind vocabulary.
	if err.Category == CategoryExecution {
		return true
	}
	for _, kind := range p.RetryableErrorKinds {
		if err.Kind == kind {
			return true
		}
	}
	return false
}

// ExecutionContext carries per-invocation identifiers through the
// envelope and into the agent. It is created when the envelope starts
// and discarded when it returns.
type ExecutionContext struct {
	ExecutionID   string                 `json:"executionId"`
	AgentName     string                 `json:"agentName"`
	StartTime     time.Time              `json:"startTime"`
	TraceID       string                 `json:"traceId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AgentResult is the tagged outcome of one agent invocation: either a
// data payload or a classified error, never both.
type AgentResult struct {
	Data          map[string]interface{} `json:"data,omitempty"`
	Error         *AgentError            `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"executionTime"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// OK reports whether the result carries a success payload.
func (r *AgentResult) OK() bool {
	return r != nil && r.Error == nil
}

// WithMetadata attaches a metadata entry and returns the result for chaining.
func (r *AgentResult) WithMetadata(key string, value interface{}) *AgentResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// Success builds an ok result carrying the given data payload.
func Success(data map[string]interface{}) *AgentResult {
	return &AgentResult{Data: data}
}

// Failure builds an error result from a classified error.
func Failure(err *AgentError) *AgentResult {
	return &AgentResult{Error: err, ExecutionTime: err.ExecutionTime}
}
