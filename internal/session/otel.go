package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "picopass/session"
	MeterName  = "picopass/session"
)

// Metrics holds the coordinator's OpenTelemetry instruments
type Metrics struct {
	Transitions    metric.Int64Counter
	UnlockAttempts metric.Int64Counter
	StaleResults   metric.Int64Counter
	Relocks        metric.Int64Counter
	QueueDepth     metric.Int64Gauge
}

// NewMetrics creates the coordinator's instruments on meter. A nil meter
// yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	transitions, err := meter.Int64Counter(
		"session_transitions_total",
		metric.WithDescription("Session state changes by source and target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	attempts, err := meter.Int64Counter(
		"session_unlock_attempts_total",
		metric.WithDescription("Vault unlock attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlock attempts counter: %w", err)
	}

	stale, err := meter.Int64Counter(
		"session_stale_results_total",
		metric.WithDescription("Asynchronous results discarded because their device or operation was superseded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stale results counter: %w", err)
	}

	relocks, err := meter.Int64Counter(
		"session_relocks_total",
		metric.WithDescription("Vault re-locks by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relocks counter: %w", err)
	}

	depth, err := meter.Int64Gauge(
		"session_queue_depth",
		metric.WithDescription("Events waiting in the coordinator queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	return &Metrics{
		Transitions:    transitions,
		UnlockAttempts: attempts,
		StaleResults:   stale,
		Relocks:        relocks,
		QueueDepth:     depth,
	}, nil
}

func (m *Metrics) transition(ctx context.Context, from, to State) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
