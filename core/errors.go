package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already exists")

	// Workflow-related errors
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// Provider-related errors
	ErrNoProviderAvailable   = errors.New("no provider available")
	ErrProviderAlreadyExists = errors.New("provider already exists")

	// Circuit breaker errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Task scheduling errors
	ErrQueueFull          = errors.New("task queue is full")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCancellable = errors.New("task is not cancellable")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Lifecycle errors
	ErrKernelStopped  = errors.New("kernel is stopped")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ErrorCategory classifies a failure for retry and breaker decisions.
// The five categories are closed: every error surfaced by the kernel
// carries exactly one of them.
type ErrorCategory string

const (
	// CategoryValidation marks malformed input. Never retried, never
	// counted toward breaker failures or metrics.
	CategoryValidation ErrorCategory = "validation"

	// CategoryTimeout marks a deadline reached inside the envelope or
	// the model router. Retryable by default, counts toward the breaker.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryCircuitBreaker marks a refusal because the breaker is open
	// or half-open capacity is exhausted. Not retryable by the envelope;
	// the breaker governs re-admission.
	CategoryCircuitBreaker ErrorCategory = "circuit-breaker"

	// CategorySystem marks transport, network, rate-limit and temporary
	// upstream errors. Retryable, counts toward the breaker.
	CategorySystem ErrorCategory = "system"

	// CategoryExecution marks a definite agent failure that is not
	// transient. Not retryable unless the agent explicitly sets the flag.
	CategoryExecution ErrorCategory = "execution"
)

// ErrorKind is the vocabulary tag produced by classification. Kinds are
// finer-grained than categories and drive the retry policy's
// RetryableErrorKinds matching.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindRateLimit      ErrorKind = "rate-limit"
	KindCircuitBreaker ErrorKind = "circuit-breaker"
	KindValidation     ErrorKind = "validation"
	KindTemporary      ErrorKind = "temporary"
	KindUnknown        ErrorKind = "unknown"
)

// Well-known error codes surfaced in AgentError.Code.
const (
	CodeCircuitBreakerOpen  = "circuit_breaker_open"
	CodeAgentNotFound       = "agent_not_found"
	CodeWorkflowNotFound    = "workflow_not_found"
	CodeStepExecutionFailed = "step_execution_failed"
	CodeExecutionFailed     = "execution_failed"
	CodeExecutionTimeout    = "execution_timeout"
	CodeExecutionPanic      = "execution_panic"
	CodeInvalidInput        = "invalid_input"
	CodeQueueFull           = "queue_full"
	CodeNoProvider          = "no_provider_available"
	CodeTaskFailed          = "task_failed"
)

// AgentError is the structured failure type returned by every kernel
// operation that can fail. It implements the error interface and
// supports error wrapping via Unwrap.
type AgentError struct {
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Category      ErrorCategory          `json:"category"`
	Kind          ErrorKind              `json:"kind,omitempty"`
	Retryable     bool                   `json:"retryable"`
	ExecutionTime time.Duration          `json:"executionTime,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Err           error                  `json:"-"`
}

// Error returns the string representation of the error
func (e *AgentError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Category)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *AgentError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a metadata entry and returns the error for chaining.
func (e *AgentError) WithMetadata(key string, value interface{}) *AgentError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewAgentError creates a structured error with an explicit classification.
func NewAgentError(code, message string, category ErrorCategory, retryable bool) *AgentError {
	return &AgentError{
		Code:      code,
		Message:   message,
		Category:  category,
		Kind:      kindForCategory(category),
		Retryable: retryable,
	}
}

// NewValidationError creates a validation-category error. Validation
// errors are never retried and never touch the breaker or metrics.
func NewValidationError(code, message string) *AgentError {
	return &AgentError{
		Code:      code,
		Message:   message,
		Category:  CategoryValidation,
		Kind:      KindValidation,
		Retryable: false,
	}
}

func kindForCategory(c ErrorCategory) ErrorKind {
	switch c {
	case CategoryValidation:
		return KindValidation
	case CategoryTimeout:
		return KindTimeout
	case CategoryCircuitBreaker:
		return KindCircuitBreaker
	case CategorySystem:
		return KindTemporary
	default:
		return KindUnknown
	}
}

// classificationRule maps message substrings to a (kind, category,
// retryable) triple. Rules are evaluated in order; the first match wins.
type classificationRule struct {
	substrings []string
	kind       ErrorKind
	category   ErrorCategory
	retryable  bool
}

// classificationTable is the closed vocabulary for message-based
// classification. Unknown messages map to execution / not retryable.
var classificationTable = []classificationRule{
	{[]string{"circuit breaker"}, KindCircuitBreaker, CategoryCircuitBreaker, false},
	{[]string{"validation", "invalid input"}, KindValidation, CategoryValidation, false},
	{[]string{"timeout", "deadline exceeded", "timed out"}, KindTimeout, CategoryTimeout, true},
	{[]string{"rate limit", "quota"}, KindRateLimit, CategorySystem, true},
	{[]string{"network", "connection"}, KindNetwork, CategorySystem, true},
	{[]string{"temporary", "unavailable"}, KindTemporary, CategorySystem, true},
}

// ClassifyMessage derives (kind, category, retryable) from a failure
// message using case-insensitive substring matching over the closed
// vocabulary. It is a pure function so the mapping stays unit-testable.
func ClassifyMessage(message string) (ErrorKind, ErrorCategory, bool) {
	lower := strings.ToLower(message)
	for _, rule := range classificationTable {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.kind, rule.category, rule.retryable
			}
		}
	}
	return KindUnknown, CategoryExecution, false
}

// Classify converts an arbitrary error into an AgentError. Errors that
// are already an AgentError pass through unchanged. Sentinel and context
// errors are recognized before falling back to message classification.
func Classify(err error) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		return &AgentError{
			Code: CodeExecutionTimeout, Message: err.Error(),
			Category: CategoryTimeout, Kind: KindTimeout, Retryable: true, Err: err,
		}
	case errors.Is(err, ErrCircuitBreakerOpen):
		return &AgentError{
			Code: CodeCircuitBreakerOpen, Message: err.Error(),
			Category: CategoryCircuitBreaker, Kind: KindCircuitBreaker, Retryable: false, Err: err,
		}
	case errors.Is(err, ErrAgentNotFound):
		return &AgentError{
			Code: CodeAgentNotFound, Message: err.Error(),
			Category: CategoryValidation, Kind: KindValidation, Retryable: false, Err: err,
		}
	case errors.Is(err, context.Canceled):
		return &AgentError{
			Code: CodeExecutionFailed, Message: err.Error(),
			Category: CategoryExecution, Kind: KindUnknown, Retryable: false, Err: err,
		}
	}
	kind, category, retryable := ClassifyMessage(err.Error())
	return &AgentError{
		Code:      codeForKind(kind),
		Message:   err.Error(),
		Category:  category,
		Kind:      kind,
		Retryable: retryable,
		Err:       err,
	}
}

func codeForKind(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return CodeExecutionTimeout
	case KindCircuitBreaker:
		return CodeCircuitBreakerOpen
	case KindValidation:
		return CodeInvalidInput
	default:
		return CodeExecutionFailed
	}
}

// IsRetryable checks if an error is retryable. Classified errors carry
// their own flag; bare sentinels fall back to the transient set.
func IsRetryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrNoProviderAvailable)
}

// IsValidation checks if an error is a validation failure.
func IsValidation(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Category == CategoryValidation
	}
	return false
}

// IsCircuitOpen checks if an error is a circuit breaker refusal.
func IsCircuitOpen(err error) bool {
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return true
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Category == CategoryCircuitBreaker
	}
	return false
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrTaskNotFound)
}

// IsAlreadyExists checks if an error represents a duplicate registration
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAgentAlreadyExists) ||
		errors.Is(err, ErrWorkflowAlreadyExists) ||
		errors.Is(err, ErrProviderAlreadyExists)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
