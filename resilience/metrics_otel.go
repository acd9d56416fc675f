package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/itsneelabh/goswarm/core"
)

// OTelMetricsCollector implements MetricsCollector using OpenTelemetry
// instruments from the globally registered meter provider.
type OTelMetricsCollector struct {
	ctx context.Context

	outcomes    metric.Int64Counter
	rejections  metric.Int64Counter
	transitions metric.Int64Counter
	state       metric.Float64Gauge
}

// NewOTelMetricsCollector creates an OpenTelemetry metrics collector.
// Instrument creation against the default meter never fails; errors are
// ignored and leave the affected instrument as a no-op.
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	meter := otel.Meter("goswarm-resilience")

	outcomes, _ := meter.Int64Counter("circuit_breaker.executions",
		metric.WithDescription("Attempt outcomes recorded by circuit breakers"))
	rejections, _ := meter.Int64Counter("circuit_breaker.rejections",
		metric.WithDescription("Invocations refused while open or at half-open capacity"))
	transitions, _ := meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	state, _ := meter.Float64Gauge("circuit_breaker.state",
		metric.WithDescription("Current breaker state (0=closed, 0.5=half-open, 1=open)"))

	return &OTelMetricsCollector{
		ctx:         ctx,
		outcomes:    outcomes,
		rejections:  rejections,
		transitions: transitions,
		state:       state,
	}
}

// RecordSuccess records a successful attempt.
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.outcomes.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "success"),
	))
}

// RecordFailure records a failed attempt.
func (o *OTelMetricsCollector) RecordFailure(name string) {
	o.outcomes.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "failure"),
	))
}

// RecordStateChange records a breaker transition and updates the state
// gauge.
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to core.BreakerState) {
	o.transitions.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
	))

	o.state.Record(o.ctx, stateValue(to), metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}

// RecordRejection records a refused invocation.
func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.rejections.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}

func stateValue(state core.BreakerState) float64 {
	switch state {
	case core.BreakerOpen:
		return 1.0
	case core.BreakerHalfOpen:
		return 0.5
	default:
		return 0.0
	}
}
