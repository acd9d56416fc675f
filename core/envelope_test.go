package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBreaker is a scriptable CircuitBreaker that counts interactions.
type fakeBreaker struct {
	mu        sync.Mutex
	allowErr  error
	state     BreakerState
	allowed   int
	successes int
	failures  int
}

func (b *fakeBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowed++
	return b.allowErr
}

func (b *fakeBreaker) RecordSuccess() {
	b.mu.Lock()
	b.successes++
	b.mu.Unlock()
}

func (b *fakeBreaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

func (b *fakeBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return BreakerClosed
	}
	return b.state
}

func (b *fakeBreaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{State: b.State()}
}

func (b *fakeBreaker) Reset() {}

func (b *fakeBreaker) counts() (allowed, successes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowed, b.successes, b.failures
}

// capturingBus records published events in order. The optional onEvent hook
// runs synchronously inside Publish so tests can act at exact pipeline
// points.
type capturingBus struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(Event)
}

func (b *capturingBus) Publish(event Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	hook := b.onEvent
	b.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (b *capturingBus) all() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

func (b *capturingBus) kinds() []EventKind {
	var out []EventKind
	for _, e := range b.all() {
		out = append(out, e.Kind)
	}
	return out
}

func (b *capturingBus) byKind(kind EventKind) []Event {
	var out []Event
	for _, e := range b.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// fastDefaults keeps envelope tests quick: short timeout, millisecond backoff.
func fastDefaults() RuntimeDefaults {
	return RuntimeDefaults{
		Timeout: 200 * time.Millisecond,
		Retry: RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      1 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelay:          5 * time.Millisecond,
			RetryableErrorKinds: []ErrorKind{
				KindTimeout, KindNetwork, KindRateLimit, KindTemporary,
			},
		},
	}
}

func newTestEnvelope(agent Agent, breaker *fakeBreaker) (*Envelope, *capturingBus, *AgentMetrics) {
	bus := &capturingBus{}
	metrics := NewAgentMetrics(agent.Name(), 10)
	env := NewEnvelope(agent, breaker, metrics, bus, nil, nil, fastDefaults)
	return env, bus, metrics
}

// TestEnvelopeSuccess verifies the happy path: events, metadata, breaker
// and metrics bookkeeping for a single successful attempt.
func TestEnvelopeSuccess(t *testing.T) {
	agent := NewAgent("greeter", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		return Success(map[string]interface{}{"greeting": "hello"})
	})
	breaker := &fakeBreaker{}
	env, bus, metrics := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), &AgentInput{
		Data: map[string]interface{}{"prompt": "hi", "apiKey": "sk-123"},
	})

	require.True(t, result.OK())
	assert.Equal(t, "hello", result.Data["greeting"])
	assert.Equal(t, 1, result.Metadata["attempts"])
	assert.Equal(t, string(BreakerClosed), result.Metadata["circuitBreakerState"])
	executionID, _ := result.Metadata["executionId"].(string)
	assert.True(t, strings.HasPrefix(executionID, "greeter-"))

	allowed, successes, failures := breaker.counts()
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalExecutions)
	assert.Equal(t, uint64(1), snap.SuccessfulExecutions)

	require.Equal(t, []EventKind{EventExecutionStarted, EventExecutionCompleted}, bus.kinds())

	started := bus.byKind(EventExecutionStarted)[0]
	assert.Equal(t, "greeter", started.Subject)
	sanitized, ok := started.Payload["input"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hi", sanitized["prompt"])
	assert.Equal(t, RedactedValue, sanitized["apiKey"], "event payloads must not leak credentials")

	completed := bus.byKind(EventExecutionCompleted)[0]
	assert.Equal(t, 1, completed.Payload["attempts"])
}

// TestEnvelopeRetryThenSucceed verifies a transient failure is retried and
// the eventual success reports the real attempt count.
func TestEnvelopeRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("flaky", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		if calls.Add(1) == 1 {
			return Failure(NewAgentError(CodeExecutionFailed, "connection reset", CategorySystem, true))
		}
		return Success(map[string]interface{}{"ok": true})
	})
	breaker := &fakeBreaker{}
	env, bus, metrics := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), nil)

	require.True(t, result.OK())
	assert.Equal(t, 2, result.Metadata["attempts"])
	assert.Equal(t, int32(2), calls.Load())

	_, successes, failures := breaker.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures, "each failed attempt feeds the breaker")

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalExecutions, "metrics count invocations, not attempts")
	assert.Equal(t, uint64(1), snap.SuccessfulExecutions)

	require.Equal(t, []EventKind{EventExecutionStarted, EventExecutionError, EventExecutionCompleted}, bus.kinds())
	errs := bus.byKind(EventExecutionError)
	assert.Equal(t, 1, errs[0].Payload["attempt"])
	assert.Equal(t, false, errs[0].Payload["isLastAttempt"])
}

// TestEnvelopeRetryExhaustion verifies the attempt count: MaxRetries
// retries after the initial attempt, then a terminal failure.
func TestEnvelopeRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("down", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		calls.Add(1)
		return Failure(NewAgentError(CodeExecutionFailed, "service unavailable", CategorySystem, true))
	})
	breaker := &fakeBreaker{}
	env, bus, metrics := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), &AgentInput{
		RetryPolicy: &RetryPolicy{MaxRetries: 2},
	})

	require.False(t, result.OK())
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Equal(t, 3, result.Metadata["attempts"])

	_, _, failures := breaker.counts()
	assert.Equal(t, 3, failures)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.FailedExecutions)

	errs := bus.byKind(EventExecutionError)
	require.Len(t, errs, 3)
	assert.Equal(t, false, errs[0].Payload["isLastAttempt"])
	assert.Equal(t, false, errs[1].Payload["isLastAttempt"])
	assert.Equal(t, true, errs[2].Payload["isLastAttempt"])
	assert.Equal(t, 3, errs[2].Payload["attempt"])
}

// TestEnvelopeTerminalFailure verifies non-retryable failures stop after
// one attempt.
func TestEnvelopeTerminalFailure(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("broken", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		calls.Add(1)
		return Failure(NewAgentError(CodeExecutionFailed, "schema drift", CategoryExecution, false))
	})
	breaker := &fakeBreaker{}
	env, bus, _ := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), nil)

	require.False(t, result.OK())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, result.Metadata["attempts"])

	errs := bus.byKind(EventExecutionError)
	require.Len(t, errs, 1)
	assert.Equal(t, true, errs[0].Payload["isLastAttempt"])
}

// TestEnvelopeBreakerRefusal verifies a shut gate: immediate classified
// failure, metrics recorded, breaker counters untouched.
func TestEnvelopeBreakerRefusal(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("guarded", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		calls.Add(1)
		return Success(nil)
	})
	breaker := &fakeBreaker{
		allowErr: fmt.Errorf("breaker guarded: %w", ErrCircuitBreakerOpen),
		state:    BreakerOpen,
	}
	env, bus, metrics := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), nil)

	require.False(t, result.OK())
	assert.Equal(t, int32(0), calls.Load(), "the agent must not run")
	assert.Equal(t, CodeCircuitBreakerOpen, result.Error.Code)
	assert.Equal(t, CategoryCircuitBreaker, result.Error.Category)
	assert.Equal(t, 1, result.Metadata["attempts"])
	assert.Equal(t, string(BreakerOpen), result.Metadata["circuitBreakerState"])

	allowed, successes, failures := breaker.counts()
	assert.Equal(t, 1, allowed, "refusals are not retried")
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, failures, "a refusal must not feed the breaker")

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.FailedExecutions, "refusals count as failed executions")

	require.Equal(t, []EventKind{EventExecutionStarted, EventExecutionError}, bus.kinds())
	assert.Equal(t, true, bus.byKind(EventExecutionError)[0].Payload["isLastAttempt"])
}

// TestEnvelopeValidationPassthrough verifies agent validation failures skip
// retries, breaker accounting, metrics and error events.
func TestEnvelopeValidationPassthrough(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("strict", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		calls.Add(1)
		return Failure(NewValidationError(CodeInvalidInput, "prompt is required"))
	})
	breaker := &fakeBreaker{}
	env, bus, metrics := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), nil)

	require.False(t, result.OK())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, CategoryValidation, result.Error.Category)
	assert.NotEmpty(t, result.Metadata["executionId"])

	_, successes, failures := breaker.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, failures)

	assert.Zero(t, metrics.Snapshot().TotalExecutions)

	require.Equal(t, []EventKind{EventExecutionStarted}, bus.kinds(),
		"validation failures emit no error event")
}

// TestEnvelopeInputValidation verifies malformed execution parameters are
// rejected before any pipeline activity.
func TestEnvelopeInputValidation(t *testing.T) {
	agent := NewAgent("any", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		return Success(nil)
	})

	t.Run("non-positive timeout", func(t *testing.T) {
		breaker := &fakeBreaker{}
		env, bus, metrics := newTestEnvelope(agent, breaker)

		zero := time.Duration(0)
		result := env.Execute(context.Background(), &AgentInput{Timeout: &zero})

		require.False(t, result.OK())
		assert.Equal(t, CodeInvalidInput, result.Error.Code)
		allowed, _, _ := breaker.counts()
		assert.Equal(t, 0, allowed)
		assert.Empty(t, bus.all(), "no events before parameter validation")
		assert.Zero(t, metrics.Snapshot().TotalExecutions)
	})

	t.Run("negative max retries", func(t *testing.T) {
		breaker := &fakeBreaker{}
		env, bus, _ := newTestEnvelope(agent, breaker)

		result := env.Execute(context.Background(), &AgentInput{
			RetryPolicy: &RetryPolicy{MaxRetries: -1},
		})

		require.False(t, result.OK())
		assert.Equal(t, CodeInvalidInput, result.Error.Code)
		assert.Empty(t, bus.all())
	})
}

// TestEnvelopeTimeout verifies a hung agent is cut off at the effective
// timeout with a retryable timeout error.
func TestEnvelopeTimeout(t *testing.T) {
	agent := NewAgent("slow", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		select {
		case <-ctx.Done():
			return Failure(Classify(ctx.Err()))
		case <-time.After(500 * time.Millisecond):
			return Success(nil)
		}
	})
	breaker := &fakeBreaker{}
	env, _, _ := newTestEnvelope(agent, breaker)

	short := 20 * time.Millisecond
	start := time.Now()
	result := env.Execute(context.Background(), &AgentInput{
		Timeout:     &short,
		RetryPolicy: &RetryPolicy{MaxRetries: 0},
	})

	require.False(t, result.OK())
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, CodeExecutionTimeout, result.Error.Code)
	assert.Equal(t, CategoryTimeout, result.Error.Category)
	assert.True(t, result.Error.Retryable)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)

	_, _, failures := breaker.counts()
	assert.Equal(t, 1, failures, "timeouts feed the breaker")
}

// TestEnvelopePanicRecovery verifies a panicking agent surfaces as a
// terminal classified error.
func TestEnvelopePanicRecovery(t *testing.T) {
	agent := NewAgent("panicky", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		panic("nil map write")
	})
	breaker := &fakeBreaker{}
	env, bus, _ := newTestEnvelope(agent, breaker)

	result := env.Execute(context.Background(), nil)

	require.False(t, result.OK())
	assert.Equal(t, CodeExecutionPanic, result.Error.Code)
	assert.Equal(t, CategoryExecution, result.Error.Category)
	assert.False(t, result.Error.Retryable)
	assert.Contains(t, result.Error.Message, "nil map write")
	assert.Equal(t, 1, result.Metadata["attempts"])

	_, _, failures := breaker.counts()
	assert.Equal(t, 1, failures)
	require.Len(t, bus.byKind(EventExecutionError), 1)
}

// TestEnvelopeNilResult verifies a nil agent result becomes a terminal
// execution failure.
func TestEnvelopeNilResult(t *testing.T) {
	agent := NewAgent("void", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		return nil
	})
	env, _, _ := newTestEnvelope(agent, &fakeBreaker{})

	result := env.Execute(context.Background(), nil)

	require.False(t, result.OK())
	assert.Equal(t, CodeExecutionFailed, result.Error.Code)
	assert.Contains(t, result.Error.Message, "no result")
}

// TestEnvelopeCallerCancellation verifies cancellation surfaces as a
// terminal failure that still feeds the breaker.
func TestEnvelopeCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	agent := NewAgent("patient", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		close(started)
		<-ctx.Done()
		return Failure(Classify(ctx.Err()))
	})
	breaker := &fakeBreaker{}
	env, _, _ := newTestEnvelope(agent, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result := env.Execute(ctx, nil)

	require.False(t, result.OK())
	assert.Equal(t, CodeExecutionFailed, result.Error.Code)
	assert.Equal(t, CategoryExecution, result.Error.Category)
	assert.False(t, result.Error.Retryable)

	_, _, failures := breaker.counts()
	assert.Equal(t, 1, failures)
}

// TestEnvelopeBackoffInterruption verifies cancellation during the backoff
// sleep produces a terminal interrupted error.
func TestEnvelopeBackoffInterruption(t *testing.T) {
	agent := NewAgent("flaky", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		return Failure(NewAgentError(CodeExecutionFailed, "temporary glitch", CategorySystem, true))
	})
	breaker := &fakeBreaker{}
	bus := &capturingBus{}
	metrics := NewAgentMetrics("flaky", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.onEvent = func(e Event) {
		if e.Kind == EventExecutionError {
			cancel()
		}
	}

	defaults := func() RuntimeDefaults {
		d := fastDefaults()
		d.Retry.InitialDelay = 2 * time.Second
		d.Retry.MaxDelay = 2 * time.Second
		return d
	}
	env := NewEnvelope(agent, breaker, metrics, bus, nil, nil, defaults)

	start := time.Now()
	result := env.Execute(ctx, nil)

	require.False(t, result.OK())
	assert.Less(t, time.Since(start), time.Second, "the backoff sleep must be interrupted")
	assert.Contains(t, result.Error.Message, "retry interrupted")

	errs := bus.byKind(EventExecutionError)
	require.Len(t, errs, 2)
	assert.Equal(t, false, errs[0].Payload["isLastAttempt"])
	assert.Equal(t, true, errs[1].Payload["isLastAttempt"])
}

// TestEnvelopeDefaultsPerInvocation verifies the defaults function is
// consulted on every Execute call.
func TestEnvelopeDefaultsPerInvocation(t *testing.T) {
	var calls atomic.Int32
	agent := NewAgent("flaky", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		calls.Add(1)
		return Failure(NewAgentError(CodeExecutionFailed, "service unavailable", CategorySystem, true))
	})

	var maxRetries atomic.Int32
	defaults := func() RuntimeDefaults {
		d := fastDefaults()
		d.Retry.MaxRetries = int(maxRetries.Load())
		return d
	}
	env := NewEnvelope(agent, &fakeBreaker{}, NewAgentMetrics("flaky", 10), &capturingBus{}, nil, nil, defaults)

	maxRetries.Store(0)
	env.Execute(context.Background(), nil)
	assert.Equal(t, int32(1), calls.Load())

	maxRetries.Store(2)
	calls.Store(0)
	env.Execute(context.Background(), nil)
	assert.Equal(t, int32(3), calls.Load(), "new defaults apply without re-wrapping")
}

// TestEnvelopeNilArguments verifies nil context and input are tolerated.
func TestEnvelopeNilArguments(t *testing.T) {
	var gotCtx, gotInput atomic.Bool
	agent := NewAgent("tolerant", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		gotCtx.Store(ctx != nil)
		gotInput.Store(input != nil)
		return Success(nil)
	})
	env, _, _ := newTestEnvelope(agent, &fakeBreaker{})

	var nilCtx context.Context
	result := env.Execute(nilCtx, nil)
	assert.True(t, result.OK())
	assert.True(t, gotCtx.Load(), "the agent must receive a usable context")
	assert.True(t, gotInput.Load(), "the agent must receive a non-nil input")
}

// TestEnvelopeTraceIdentifiers verifies trace and correlation IDs reach the
// execution context.
func TestEnvelopeTraceIdentifiers(t *testing.T) {
	var seen *ExecutionContext
	agent := NewAgent("traced", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		seen = ec
		return Success(nil)
	})
	env, _, _ := newTestEnvelope(agent, &fakeBreaker{})

	result := env.Execute(context.Background(), &AgentInput{
		Metadata: map[string]interface{}{
			MetadataTraceID:       "trace-9",
			MetadataCorrelationID: "corr-9",
		},
	})

	require.True(t, result.OK())
	require.NotNil(t, seen)
	assert.Equal(t, "trace-9", seen.TraceID)
	assert.Equal(t, "corr-9", seen.CorrelationID)
	assert.Equal(t, "traced", seen.AgentName)
	assert.NotEmpty(t, seen.ExecutionID)
}

// TestMintExecutionID verifies the identifier shape and uniqueness.
func TestMintExecutionID(t *testing.T) {
	id := MintExecutionID("researcher")
	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "researcher", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Len(t, parts[2], 8)

	other := MintExecutionID("researcher")
	assert.NotEqual(t, id, other)
}

// TestEnvelopeTimeoutFailureWrapsDeadline verifies the timeout error chain
// is visible to errors.Is through the result.
func TestEnvelopeTimeoutFailureWrapsDeadline(t *testing.T) {
	agent := NewAgent("slow", "1.0.0", func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
		<-ctx.Done()
		return Failure(Classify(ctx.Err()))
	})
	env, _, _ := newTestEnvelope(agent, &fakeBreaker{})

	short := 10 * time.Millisecond
	result := env.Execute(context.Background(), &AgentInput{
		Timeout:     &short,
		RetryPolicy: &RetryPolicy{MaxRetries: 0},
	})

	require.False(t, result.OK())
	assert.True(t, errors.Is(result.Error, context.DeadlineExceeded))
}
