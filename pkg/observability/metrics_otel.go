package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the Prometheus authorization metrics as OTLP instruments
type OTelMetrics struct {
	checksTotal     metric.Int64Counter
	checkDuration   metric.Float64Histogram
	bypassTotal     metric.Int64Counter
	cycleTotal      metric.Int64Counter
	assignmentTotal metric.Int64Counter
	sweepTotal      metric.Int64Counter
	cacheLookups    metric.Int64Counter
}

// NewOTelMetrics creates instruments on provider, or on the global provider when nil
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(TracerName)

	m := &OTelMetrics{}
	var err error

	if m.checksTotal, err = meter.Int64Counter(
		"warden.permission.checks",
		metric.WithDescription("Authorization decisions"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	if m.checkDuration, err = meter.Float64Histogram(
		"warden.permission.check.duration",
		metric.WithDescription("Authorization decision latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	if m.bypassTotal, err = meter.Int64Counter(
		"warden.superuser.bypass",
		metric.WithDescription("Checks granted by superuser bypass"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bypass counter: %w", err)
	}

	if m.cycleTotal, err = meter.Int64Counter(
		"warden.inheritance.cycles",
		metric.WithDescription("Inheritance cycles found during resolution"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cycle counter: %w", err)
	}

	if m.assignmentTotal, err = meter.Int64Counter(
		"warden.assignments",
		metric.WithDescription("Ledger mutations by action"),
	); err != nil {
		return nil, fmt.Errorf("failed to create assignment counter: %w", err)
	}

	if m.sweepTotal, err = meter.Int64Counter(
		"warden.sweep.expired",
		metric.WithDescription("Assignments deactivated by the expiry sweep"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"warden.cache.lookups",
		metric.WithDescription("Permission cache lookups by backend and result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) RecordCheck(kind string, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("allowed", allowed),
	)
	m.checksTotal.Add(ctx, 1, attrs)
	m.checkDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OTelMetrics) RecordBypass() {
	if m == nil {
		return
	}
	m.bypassTotal.Add(context.Background(), 1)
}

func (m *OTelMetrics) RecordCycle() {
	if m == nil {
		return
	}
	m.cycleTotal.Add(context.Background(), 1)
}

func (m *OTelMetrics) RecordAssignment(action string) {
	if m == nil {
		return
	}
	m.assignmentTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *OTelMetrics) RecordSweep(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepTotal.Add(context.Background(), int64(n))
}

func (m *OTelMetrics) RecordCache(backend string, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("hit", hit),
	))
}
