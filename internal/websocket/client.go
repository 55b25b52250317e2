package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"picopass/internal/infrastructure"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// The UI only sends heartbeats.
	maxMessageSize = 512

	sendBuffer = 16
)

// Connection is the part of *websocket.Conn a Client uses.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient creates a Client for conn. remoteAddr and traceID are only used
// for logging.
func NewClient(hub *Hub, conn Connection, remoteAddr, traceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	id := uuid.New().String()
	logger = logger.With(
		slog.String("component", "websocket.client"),
		slog.String("client_id", id),
	)
	if traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}

	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		logger:      logger,
	}
}

// ReadPump drains the connection so that pongs and close frames are
// processed. It returns when the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Debug("WebSocket read pump stopped",
			slog.Duration("connection_duration", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			return
		}
		// Any frame proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// WritePump writes queued frames and pings until the hub closes the send
// channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Error writing message to WebSocket",
					slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Failed to send ping message",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// ServeWS registers conn with hub and starts its pumps. The connection is
// closed immediately if the hub has stopped.
func ServeWS(ctx context.Context, hub *Hub, conn *websocket.Conn, logger *slog.Logger) {
	client := NewClient(hub, conn, conn.RemoteAddr().String(), infrastructure.GetTraceID(ctx), logger)
	if !hub.Register(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}
