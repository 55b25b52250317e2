package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "picopass/websocket"

// Metrics provides OpenTelemetry metrics for the snapshot hub
type Metrics struct {
	connectionsTotal   metric.Int64Counter
	connectionDuration metric.Float64Histogram
	clientCount        metric.Int64Gauge
	messagesTotal      metric.Int64Counter
	messageBytes       metric.Int64Counter
	droppedMessages    metric.Int64Counter
}

// NewMetrics creates the hub instruments on meter; nil yields no-ops.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	connectionsTotal, err := meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	connectionDuration, err := meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	clientCount, err := meter.Int64Gauge(
		"websocket_clients",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	messagesTotal, err := meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("Total number of WebSocket messages queued for clients"),
	)
	if err != nil {
		return nil, err
	}

	messageBytes, err := meter.Int64Counter(
		"websocket_message_bytes_total",
		metric.WithDescription("Total bytes of WebSocket messages"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	droppedMessages, err := meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because a client could not keep up"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		connectionsTotal:   connectionsTotal,
		connectionDuration: connectionDuration,
		clientCount:        clientCount,
		messagesTotal:      messagesTotal,
		messageBytes:       messageBytes,
		droppedMessages:    droppedMessages,
	}, nil
}

func (m *Metrics) connected(ctx context.Context, clients int64) {
	m.connectionsTotal.Add(ctx, 1)
	m.clientCount.Record(ctx, clients)
}

func (m *Metrics) disconnected(ctx context.Context, clients int64, d time.Duration, reason string) {
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
	m.clientCount.Record(ctx, clients)
}

func (m *Metrics) sent(ctx context.Context, size int64) {
	m.messagesTotal.Add(ctx, 1)
	m.messageBytes.Add(ctx, size)
}

func (m *Metrics) dropped(ctx context.Context) {
	m.droppedMessages.Add(ctx, 1)
}
