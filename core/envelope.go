package core

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
)

// RuntimeDefaults are the execution defaults the envelope applies when an
// invocation does not carry its own timeout or retry policy.
type RuntimeDefaults struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// Envelope drives every invocation of a single agent through the same
// pipeline: circuit breaker admission, timeout enforcement, panic recovery,
// classified retries with exponential backoff, metrics, and lifecycle
// events. Agents stay free of resilience concerns because the envelope owns
// all of them.
//
// One envelope exists per registered agent and is safe for concurrent use.
type Envelope struct {
	agent     Agent
	breaker   CircuitBreaker
	metrics   *AgentMetrics
	bus       EventPublisher
	logger    Logger
	telemetry Telemetry

	// defaults returns the current runtime defaults. It is called once
	// per invocation so reconfigured retry policies take effect without
	// re-registering agents.
	defaults func() RuntimeDefaults
}

// NewEnvelope wraps an agent with the execution pipeline. A nil defaults
// function pins the built-in 30s timeout and default retry policy.
func NewEnvelope(agent Agent, breaker CircuitBreaker, metrics *AgentMetrics, bus EventPublisher, logger Logger, telemetry Telemetry, defaults func() RuntimeDefaults) *Envelope {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cl, ok := logger.(ComponentAwareLogger); ok {
		logger = cl.WithComponent("envelope")
	}
	if telemetry == nil {
		telemetry = &NoOpTelemetry{}
	}
	if bus == nil {
		bus = noopPublisher{}
	}
	if defaults == nil {
		defaults = func() RuntimeDefaults {
			return RuntimeDefaults{Timeout: 30 * time.Second, Retry: DefaultRetryPolicy()}
		}
	}
	return &Envelope{
		agent:     agent,
		breaker:   breaker,
		metrics:   metrics,
		bus:       bus,
		logger:    logger,
		telemetry: telemetry,
		defaults:  defaults,
	}
}

// Execute runs one invocation of the wrapped agent. It always returns a
// result: agent failures, timeouts, panics and breaker refusals come back
// as classified errors inside the result, never as panics.
func (e *Envelope) Execute(ctx context.Context, input *AgentInput) *AgentResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if input == nil {
		input = &AgentInput{}
	}

	// Malformed execution parameters are caller bugs. They surface
	// before any event, breaker or metrics activity.
	if input.Timeout != nil && *input.Timeout <= 0 {
		return Failure(NewValidationError(CodeInvalidInput,
			fmt.Sprintf("timeout must be positive, got %v", *input.Timeout)))
	}
	if input.RetryPolicy != nil && input.RetryPolicy.MaxRetries < 0 {
		return Failure(NewValidationError(CodeInvalidInput,
			fmt.Sprintf("maxRetries cannot be negative, got %d", input.RetryPolicy.MaxRetries)))
	}

	agentName := e.agent.Name()
	executionID := MintExecutionID(agentName)
	start := time.Now()

	execCtx := &ExecutionContext{
		ExecutionID:   executionID,
		AgentName:     agentName,
		StartTime:     start,
		TraceID:       input.TraceID(),
		CorrelationID: input.CorrelationID(),
	}

	ctx, span := e.telemetry.StartSpan(ctx, "agent.execute")
	defer span.End()
	span.SetAttribute("agent.name", agentName)
	span.SetAttribute("execution.id", executionID)

	e.bus.Publish(NewEvent(EventExecutionStarted, agentName, map[string]interface{}{
		"agentName":   agentName,
		"executionId": executionID,
		"input":       Sanitize(input.Data),
	}))
	e.logger.Info("Agent execution started", map[string]interface{}{
		"operation":    "agent_execute",
		"agent":        agentName,
		"execution_id": executionID,
	})

	defaults := e.defaults()
	timeout := defaults.Timeout
	if input.Timeout != nil {
		timeout = *input.Timeout
	}
	policy := defaults.Retry.Merge(input.RetryPolicy)

	for attempt := 0; ; attempt++ {
		if err := e.breaker.Allow(); err != nil {
			return e.refuse(span, executionID, start, attempt+1, err)
		}

		result := e.attempt(ctx, input, execCtx, timeout)

		if result.OK() {
			e.breaker.RecordSuccess()
			state := e.breaker.State()
			duration := time.Since(start)
			e.metrics.RecordSuccess(duration, state)

			result.ExecutionTime = duration
			result.WithMetadata("executionId", executionID)
			result.WithMetadata("attempts", attempt+1)
			result.WithMetadata("circuitBreakerState", string(state))

			e.bus.Publish(NewEvent(EventExecutionCompleted, agentName, map[string]interface{}{
				"agentName":           agentName,
				"executionId":         executionID,
				"attempts":            attempt + 1,
				"executionTime":       duration,
				"circuitBreakerState": string(state),
			}))
			e.logger.Info("Agent execution completed", map[string]interface{}{
				"operation":    "agent_execute",
				"agent":        agentName,
				"execution_id": executionID,
				"attempts":     attempt + 1,
				"duration_ms":  duration.Milliseconds(),
			})
			return result
		}

		failure := Classify(result.Error)

		// Validation failures pass through untouched: no retry, no
		// breaker or metrics mutation, no error event.
		if failure.Category == CategoryValidation {
			failure.ExecutionTime = time.Since(start)
			failure.WithMetadata("executionId", executionID)
			span.RecordError(failure)
			e.logger.Warn("Agent rejected input", map[string]interface{}{
				"operation":    "agent_execute",
				"agent":        agentName,
				"execution_id": executionID,
				"error":        failure.Message,
			})
			out := Failure(failure)
			out.WithMetadata("executionId", executionID)
			return out
		}

		e.breaker.RecordFailure()

		last := !policy.ShouldRetry(failure) || attempt >= policy.MaxRetries
		e.publishError(executionID, failure, attempt+1, last)
		e.logger.Warn("Agent execution attempt failed", map[string]interface{}{
			"operation":    "agent_execute",
			"agent":        agentName,
			"execution_id": executionID,
			"attempt":      attempt + 1,
			"category":     string(failure.Category),
			"retryable":    failure.Retryable,
			"last_attempt": last,
			"error":        failure.Message,
		})

		if last {
			return e.fail(span, executionID, start, attempt+1, failure)
		}

		if err := sleepContext(ctx, policy.Delay(attempt)); err != nil {
			interrupted := Classify(err)
			interrupted.Message = fmt.Sprintf("retry interrupted: %s", interrupted.Message)
			e.publishError(executionID, interrupted, attempt+1, true)
			return e.fail(span, executionID, start, attempt+1, interrupted)
		}
	}
}

// refuse finalizes a breaker refusal: the invocation terminates immediately
// and counts as a failed execution, but the breaker itself is not touched.
func (e *Envelope) refuse(span Span, executionID string, start time.Time, attempt int, err error) *AgentResult {
	agentName := e.agent.Name()
	refusal := Classify(err)
	state := e.breaker.State()
	duration := time.Since(start)

	e.metrics.RecordFailure(duration, state)
	refusal.ExecutionTime = duration
	refusal.WithMetadata("executionId", executionID)
	e.publishError(executionID, refusal, attempt, true)
	span.RecordError(refusal)
	e.logger.Warn("Agent execution refused by circuit breaker", map[string]interface{}{
		"operation":    "agent_execute",
		"agent":        agentName,
		"execution_id": executionID,
		"state":        string(state),
	})

	out := Failure(refusal)
	out.WithMetadata("executionId", executionID)
	out.WithMetadata("attempts", attempt)
	out.WithMetadata("circuitBreakerState", string(state))
	return out
}

// fail finalizes a terminal failure after the breaker has recorded it.
func (e *Envelope) fail(span Span, executionID string, start time.Time, attempts int, failure *AgentError) *AgentResult {
	state := e.breaker.State()
	duration := time.Since(start)

	e.metrics.RecordFailure(duration, state)
	failure.ExecutionTime = duration
	failure.WithMetadata("executionId", executionID)
	span.RecordError(failure)
	e.logger.Error("Agent execution failed", map[string]interface{}{
		"operation":    "agent_execute",
		"agent":        e.agent.Name(),
		"execution_id": executionID,
		"attempts":     attempts,
		"category":     string(failure.Category),
		"error":        failure.Message,
	})

	out := Failure(failure)
	out.WithMetadata("executionId", executionID)
	out.WithMetadata("attempts", attempts)
	out.WithMetadata("circuitBreakerState", string(state))
	return out
}

// attempt races one ExecuteCore call against the effective timeout. The
// agent runs on its own goroutine so a hung agent cannot stall the
// envelope; on timeout the goroutine is signalled through context
// cancellation and its eventual result is discarded.
func (e *Envelope) attempt(ctx context.Context, input *AgentInput, execCtx *ExecutionContext, timeout time.Duration) *AgentResult {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *AgentResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Agent panicked during execution", map[string]interface{}{
					"operation":    "agent_execute",
					"agent":        e.agent.Name(),
					"execution_id": execCtx.ExecutionID,
					"panic":        fmt.Sprintf("%v", r),
					"stack":        string(debug.Stack()),
				})
				done <- Failure(&AgentError{
					Code:      CodeExecutionPanic,
					Message:   fmt.Sprintf("agent panicked: %v", r),
					Category:  CategoryExecution,
					Kind:      KindUnknown,
					Retryable: false,
				})
			}
		}()
		done <- e.agent.ExecuteCore(attemptCtx, input, execCtx)
	}()

	select {
	case result := <-done:
		if result == nil {
			return Failure(NewAgentError(CodeExecutionFailed, "agent returned no result", CategoryExecution, false))
		}
		return result
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.Canceled) {
			return Failure(Classify(attemptCtx.Err()))
		}
		return Failure(&AgentError{
			Code:      CodeExecutionTimeout,
			Message:   fmt.Sprintf("execution timed out after %v", timeout),
			Category:  CategoryTimeout,
			Kind:      KindTimeout,
			Retryable: true,
			Err:       context.DeadlineExceeded,
		})
	}
}

func (e *Envelope) publishError(executionID string, failure *AgentError, attempt int, last bool) {
	e.bus.Publish(NewEvent(EventExecutionError, e.agent.Name(), map[string]interface{}{
		"agentName":     e.agent.Name(),
		"executionId":   executionID,
		"attempt":       attempt,
		"code":          failure.Code,
		"category":      string(failure.Category),
		"message":       failure.Message,
		"isRetryable":   failure.Retryable,
		"isLastAttempt": last,
	}))
}

// MintExecutionID builds a unique per-invocation identifier of the form
// <agentName>-<epochMillis>-<randomSuffix>.
func MintExecutionID(agentName string) string {
	return fmt.Sprintf("%s-%d-%s", agentName, time.Now().UnixMilli(), randomSuffix(8))
}

func randomSuffix(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := cryptorand.Read(buf); err != nil {
		// Clock-derived fallback keeps the [a-z0-9] shape.
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)[:n]
}

// sleepContext waits for the backoff duration or the context, whichever
// ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
