package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"picopass/internal/device/serial"
	apperrors "picopass/internal/errors"
	"picopass/internal/middleware"
)

// PortLister enumerates serial ports. *serial.Transport satisfies it.
type PortLister interface {
	ListPorts() ([]serial.PortInfo, error)
}

// RegisterRequest is the body of POST /api/device/register.
type RegisterRequest struct {
	FriendlyName string `json:"friendly_name" validate:"omitempty,max=64,printascii"`
}

// DeviceHandler serves activation of the attached device.
type DeviceHandler struct {
	session   Session
	ports     PortLister
	validator *middleware.Validator
	logger    *slog.Logger
}

// NewDeviceHandler creates a new device handler. ports may be nil.
func NewDeviceHandler(s Session, ports PortLister, v *middleware.Validator, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		session:   s,
		ports:     ports,
		validator: v,
		logger:    logger.With(slog.String("handler", "device")),
	}
}

// Routes returns the device routes.
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate", h.Activate)
	r.Post("/register", h.Register)
	r.Get("/ports", h.Ports)
	return r
}

// Activate handles POST /api/device/activate
func (h *DeviceHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ActivateCurrentDevice(r.Context()); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	renderSnapshot(w, r, h.session.Snapshot())
}

// Register handles POST /api/device/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if apiErr := h.validator.Decode(w, r, &req); apiErr != nil {
		renderAPIError(w, r, apiErr)
		return
	}

	if err := h.session.RegisterDevice(r.Context(), req.FriendlyName); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Device registered",
		slog.String("friendly_name", req.FriendlyName))
	renderSnapshot(w, r, h.session.Snapshot())
}

// Ports handles GET /api/device/ports
func (h *DeviceHandler) Ports(w http.ResponseWriter, r *http.Request) {
	if h.ports == nil {
		renderAPIError(w, r, apperrors.ErrNotFound)
		return
	}
	ports, err := h.ports.ListPorts()
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	if ports == nil {
		ports = []serial.PortInfo{}
	}
	render.JSON(w, r, map[string]interface{}{"ports": ports})
}
