package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"picopass/internal/license"
	"picopass/internal/middleware"
)

// InstallKeyRequest is the body of POST /api/license/key.
type InstallKeyRequest struct {
	LicenseKey string `json:"license_key" validate:"required,notblank,max=512"`
}

// LicenseHandler serves license and seat management.
type LicenseHandler struct {
	session   Session
	validator *middleware.Validator
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(s Session, v *middleware.Validator, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		session:   s,
		validator: v,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// LicenseResponse is the body of GET /api/license.
type LicenseResponse struct {
	License *license.Info `json:"license"`
	Error   interface{}   `json:"error,omitempty"`
}

// Routes returns the license routes.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/refresh", h.Refresh)
	r.Post("/key", h.InstallKey)
	r.Get("/devices", h.Devices)
	r.Delete("/devices/{serial}", h.Deregister)
	return r
}

// Get handles GET /api/license. License is null until a device has been
// validated.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.session.Snapshot()
	resp := LicenseResponse{License: s.License}
	if s.LicenseError != nil {
		resp.Error = s.LicenseError
	}
	render.JSON(w, r, resp)
}

// Refresh handles POST /api/license/refresh
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RefreshLicense(r.Context()); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	renderSnapshot(w, r, h.session.Snapshot())
}

// Devices handles GET /api/license/devices
func (h *LicenseHandler) Devices(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{"devices": h.session.RegisteredDevices()})
}

// Deregister handles DELETE /api/license/devices/{serial}
func (h *LicenseHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if err := h.session.DeregisterDevice(r.Context(), serial); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Device deregistered", slog.String("serial", serial))
	renderSnapshot(w, r, h.session.Snapshot())
}

// InstallKey handles POST /api/license/key. Only allowed while locked.
func (h *LicenseHandler) InstallKey(w http.ResponseWriter, r *http.Request) {
	var req InstallKeyRequest
	if apiErr := h.validator.Decode(w, r, &req); apiErr != nil {
		renderAPIError(w, r, apiErr)
		return
	}
	if err := h.session.InstallLicenseKey(r.Context(), req.LicenseKey); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "License key installed")
	renderSnapshot(w, r, h.session.Snapshot())
}
