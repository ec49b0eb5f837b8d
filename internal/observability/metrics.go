package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the protocol counters and the RED instruments for use cases.
type Metrics struct {
	tracer trace.Tracer

	operations    metric.Int64Counter
	errors        metric.Int64Counter
	duration      metric.Float64Histogram
	transitions   metric.Int64Counter
	grants        metric.Int64Counter
	rulesFired    metric.Int64Counter
	notifyFailure metric.Int64Counter
}

// NewMetrics builds instruments on meter and spans on tracer.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	m := &Metrics{tracer: tracer}
	var err error
	if m.operations, err = meter.Int64Counter("guardian.operations.total",
		metric.WithDescription("Use case invocations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	if m.errors, err = meter.Int64Counter("guardian.operation.errors.total",
		metric.WithDescription("Use case invocations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("errors counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("guardian.operation.duration",
		metric.WithDescription("Use case duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("guardian.protocol.transitions.total",
		metric.WithDescription("Protocol state transitions"),
	); err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	if m.grants, err = meter.Int64Counter("guardian.grants.issued.total",
		metric.WithDescription("Access grants issued"),
	); err != nil {
		return nil, fmt.Errorf("grants counter: %w", err)
	}
	if m.rulesFired, err = meter.Int64Counter("guardian.rules.triggered.total",
		metric.WithDescription("Detection rules that fired"),
	); err != nil {
		return nil, fmt.Errorf("rules counter: %w", err)
	}
	if m.notifyFailure, err = meter.Int64Counter("guardian.notifications.failed.total",
		metric.WithDescription("Notification deliveries that failed"),
	); err != nil {
		return nil, fmt.Errorf("notification counter: %w", err)
	}
	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns instruments bound to the global providers. Instruments created
// before New installs the SDK are forwarded once it does.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(instrumentationName), otel.Tracer(instrumentationName))
		if err != nil {
			otel.Handle(err)
			m = &Metrics{tracer: otel.Tracer(instrumentationName)}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Track starts a span for operation and returns a completion func recording
// the RED metrics. Call it exactly once with the operation's error.
func (m *Metrics) Track(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("operation", operation))
	ctx, span := m.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	if m.operations != nil {
		m.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if m.errors != nil {
				m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
		span.End()
	}
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
	}
}

func (m *Metrics) RecordGrantIssued(ctx context.Context) {
	if m.grants != nil {
		m.grants.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRuleTriggered(ctx context.Context, ruleType string) {
	if m.rulesFired != nil {
		m.rulesFired.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_type", ruleType)))
	}
}

func (m *Metrics) RecordNotificationFailure(ctx context.Context, notificationType string) {
	if m.notifyFailure != nil {
		m.notifyFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("type", notificationType)))
	}
}
