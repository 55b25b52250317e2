package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"picopass/internal/license"
	"picopass/internal/middleware"
	"picopass/internal/session"
	"picopass/internal/vault"
)

// Session is the part of *session.Coordinator the handlers drive.
type Session interface {
	SubmitPassword(ctx context.Context, password []byte) error
	ActivateCurrentDevice(ctx context.Context) error
	RegisterDevice(ctx context.Context, friendlyName string) error
	RequestLock(ctx context.Context) error
	DeregisterDevice(ctx context.Context, serial string) error
	RefreshLicense(ctx context.Context) error
	AddEntry(ctx context.Context, service, username string, secret []byte) (vault.PasswordEntry, error)
	RevealEntry(ctx context.Context, id string) ([]byte, error)
	SendEntry(ctx context.Context, id string) error
	ExportEntries(ctx context.Context) ([]vault.PasswordEntry, error)
	Backup(ctx context.Context) ([]byte, error)
	InstallLicenseKey(ctx context.Context, key string) error
	ConfirmRepair(ctx context.Context) error
	Snapshot() session.Snapshot
	RegisteredDevices() []license.DeviceSummary
}

// UnlockRequest is the body of POST /api/session/unlock.
type UnlockRequest struct {
	Password string `json:"password" validate:"required,max=1024"`
}

// SessionHandler serves the lock/unlock lifecycle.
type SessionHandler struct {
	session   Session
	validator *middleware.Validator
	unlock    func(http.Handler) http.Handler
	logger    *slog.Logger
}

// NewSessionHandler creates a new session handler. unlockLimiter, when not
// nil, wraps the unlock route only.
func NewSessionHandler(s Session, v *middleware.Validator, unlockLimiter func(http.Handler) http.Handler, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		session:   s,
		validator: v,
		unlock:    unlockLimiter,
		logger:    logger.With(slog.String("handler", "session")),
	}
}

// Routes returns the session routes.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	if h.unlock != nil {
		r.With(h.unlock).Post("/unlock", h.Unlock)
	} else {
		r.Post("/unlock", h.Unlock)
	}
	r.Post("/lock", h.Lock)
	r.Post("/repair", h.Repair)
	return r
}

// Get handles GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	renderSnapshot(w, r, h.session.Snapshot())
}

// Unlock handles POST /api/session/unlock
func (h *SessionHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if apiErr := h.validator.Decode(w, r, &req); apiErr != nil {
		renderAPIError(w, r, apiErr)
		return
	}

	password := []byte(req.Password)
	req.Password = ""
	if err := h.session.SubmitPassword(r.Context(), password); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	renderSnapshot(w, r, h.session.Snapshot())
}

// Lock handles POST /api/session/lock
func (h *SessionHandler) Lock(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RequestLock(r.Context()); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	renderSnapshot(w, r, h.session.Snapshot())
}

// Repair handles POST /api/session/repair
func (h *SessionHandler) Repair(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ConfirmRepair(r.Context()); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	renderSnapshot(w, r, h.session.Snapshot())
}
