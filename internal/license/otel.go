package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	apperrors "picopass/internal/errors"
)

const (
	TracerName = "picopass/license"
	MeterName  = "picopass/license"
)

// Metrics holds the gate's OpenTelemetry instruments
type Metrics struct {
	Calls        metric.Int64Counter
	Failures     metric.Int64Counter
	CallDuration metric.Float64Histogram
	CacheHits    metric.Int64Counter
	Remaining    metric.Int64Gauge
}

// NewMetrics creates the gate's instruments on meter. A nil meter yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	calls, err := meter.Int64Counter(
		"license_authority_calls_total",
		metric.WithDescription("Total number of license authority calls by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calls counter: %w", err)
	}

	failures, err := meter.Int64Counter(
		"license_authority_failures_total",
		metric.WithDescription("Total number of failed license authority calls by operation and error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"license_authority_call_duration_seconds",
		metric.WithDescription("License authority call duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	hits, err := meter.Int64Counter(
		"license_cache_fallbacks_total",
		metric.WithDescription("Validations answered from cache while the authority was unreachable"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}

	remaining, err := meter.Int64Gauge(
		"license_remaining_seats",
		metric.WithDescription("Seats left on the license after the last authority answer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create remaining seats gauge: %w", err)
	}

	return &Metrics{
		Calls:        calls,
		Failures:     failures,
		CallDuration: duration,
		CacheHits:    hits,
		Remaining:    remaining,
	}, nil
}

func (m *Metrics) record(ctx context.Context, op string, start time.Time, info Info, err error) {
	opAttr := metric.WithAttributes(attribute.String("operation", op))
	m.Calls.Add(ctx, 1, opAttr)
	m.CallDuration.Record(ctx, time.Since(start).Seconds(), opAttr)
	if err != nil {
		m.Failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("kind", apperrors.KindOf(err).String()),
		))
		return
	}
	m.Remaining.Record(ctx, int64(info.RemainingSeats), metric.WithAttributes(attribute.String("tier", info.Tier.String())))
}
