package http

import (
	"log/slog"
	"net/http"

	gws "github.com/gorilla/websocket"

	apperrors "picopass/internal/errors"
	"picopass/internal/middleware"
	"picopass/internal/websocket"
)

// WebSocketHandler upgrades snapshot stream connections.
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gws.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler that only accepts connections from
// allowedOrigins or loopback origins. Clients that send no Origin header
// (native shells, curl) are accepted; the listener is local-only anyway.
func NewWebSocketHandler(hub *websocket.Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
		logger: logger.With(slog.String("handler", "websocket")),
	}
}

// ServeHTTP handles GET /api/ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "WebSocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("error_code", apperrors.ErrWebSocketUpgrade.ErrorCode),
			slog.String("origin", r.Header.Get("Origin")))
		return
	}
	websocket.ServeWS(r.Context(), h.hub, conn, h.logger)
}
