package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"picopass/internal/session"
)

// ClientCounter reports connected snapshot stream clients.
type ClientCounter interface {
	ClientCount() int
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	State     session.State `json:"state"`
	Snapshot  uint64        `json:"snapshot_version"`
	WSClients int           `json:"ws_clients"`
	Uptime    string        `json:"uptime"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	session Session
	clients ClientCounter
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(s Session, clients ClientCounter, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		session: s,
		clients: clients,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /healthz. A Fatal session reports "degraded"
// with status 503 so supervisors notice a corrupt vault.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s := h.session.Snapshot()
	resp := HealthResponse{
		Status:   "ok",
		Version:  h.version,
		State:    s.State,
		Snapshot: s.Version,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
	}
	if h.clients != nil {
		resp.WSClients = h.clients.ClientCount()
	}
	if s.State == session.Fatal {
		resp.Status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
