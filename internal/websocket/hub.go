// Package websocket pushes session snapshots to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"picopass/internal/infrastructure"
	"picopass/internal/session"
)

// Message types sent to clients
const (
	TypeConnection = "connection"
	TypeSnapshot   = "session:snapshot"
)

// SnapshotSource is satisfied by *session.Coordinator.
type SnapshotSource interface {
	Subscribe() (<-chan session.Snapshot, func())
}

// Message is the envelope of every frame the hub writes.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub maintains the set of active clients and fans snapshots out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
	latest     []byte

	logger  *slog.Logger
	metrics *Metrics
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
	}
}

// Run subscribes to source and serves clients until ctx is done or the
// source closes its stream. All clients are disconnected on return.
func (h *Hub) Run(ctx context.Context, source SnapshotSource) error {
	snapshots, unsubscribe := source.Subscribe()
	defer unsubscribe()
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return ctx.Err()

		case s, ok := <-snapshots:
			if !ok {
				h.logger.Info("Snapshot stream closed")
				return nil
			}
			h.publish(ctx, s)

		case client := <-h.register:
			h.add(ctx, client)

		case client := <-h.unregister:
			h.remove(ctx, client, "normal")
		}
	}
}

func (h *Hub) add(ctx context.Context, client *Client) {
	h.clients[client] = true
	count := len(h.clients)
	h.count.Store(int64(count))
	h.metrics.connected(ctx, int64(count))

	if client.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, client.traceID)
	}
	h.logger.InfoContext(ctx, "Client registered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("remote_addr", client.remoteAddr))

	hello, err := json.Marshal(Message{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": client.id},
		Timestamp: time.Now(),
		TraceID:   client.traceID,
	})
	if err != nil || !h.deliver(ctx, client, hello) {
		return
	}
	if h.latest != nil {
		h.deliver(ctx, client, h.latest)
	}
}

func (h *Hub) remove(ctx context.Context, client *Client, reason string) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	count := len(h.clients)
	h.count.Store(int64(count))
	close(client.send)
	h.metrics.disconnected(ctx, int64(count), time.Since(client.connectedAt), reason)

	h.logger.InfoContext(ctx, "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) publish(ctx context.Context, s session.Snapshot) {
	payload, err := json.Marshal(Message{Type: TypeSnapshot, Data: s, Timestamp: s.UpdatedAt})
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling snapshot",
			slog.String("error", err.Error()),
			slog.Uint64("version", s.Version))
		return
	}

	h.latest = payload

	failed := 0
	for client := range h.clients {
		if !h.deliver(ctx, client, payload) {
			failed++
		}
	}

	h.logger.DebugContext(ctx, "Snapshot broadcast",
		slog.Uint64("version", s.Version),
		slog.String("state", s.State.String()),
		slog.Int("client_count", len(h.clients)),
		slog.Int("fail_count", failed))
}

// deliver queues payload for client. A client whose buffer is full is
// disconnected; it reconnects and receives the latest snapshot.
func (h *Hub) deliver(ctx context.Context, client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		h.metrics.sent(ctx, int64(len(payload)))
		return true
	default:
		h.metrics.dropped(ctx)
		h.logger.WarnContext(ctx, "Client send buffer full, disconnecting",
			slog.String("client_id", client.id))
		h.remove(ctx, client, "slow_consumer")
		return false
	}
}

func (h *Hub) closeAll() {
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.count.Store(0)
}

// Register hands client to the hub. It reports false once the hub has
// stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}
