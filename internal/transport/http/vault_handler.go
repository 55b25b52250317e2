package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "picopass/internal/errors"
	"picopass/internal/middleware"
	"picopass/internal/session"
	"picopass/internal/vault"
)

// AddEntryRequest is the body of POST /api/vault/entries.
type AddEntryRequest struct {
	Service  string `json:"service" validate:"required,notblank,max=256"`
	Username string `json:"username" validate:"max=256"`
	Secret   string `json:"secret" validate:"required,max=4096"`
}

// RevealResponse carries one decrypted secret.
type RevealResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// VaultHandler serves vault entries while the session is unlocked.
type VaultHandler struct {
	session   Session
	validator *middleware.Validator
	logger    *slog.Logger
}

// NewVaultHandler creates a new vault handler
func NewVaultHandler(s Session, v *middleware.Validator, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		session:   s,
		validator: v,
		logger:    logger.With(slog.String("handler", "vault")),
	}
}

// Routes returns the vault routes.
func (h *VaultHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/entries", h.List)
	r.Post("/entries", h.Add)
	r.Post("/entries/{id}/reveal", h.Reveal)
	r.Post("/entries/{id}/send", h.Send)
	r.Get("/export", h.Export)
	r.Get("/backup", h.Backup)
	return r
}

// List handles GET /api/vault/entries. Entry metadata is only available
// while unlocked.
func (h *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	s := h.session.Snapshot()
	if s.State != session.Unlocked {
		renderError(w, r, h.logger, apperrors.ErrInvalidStateForOperation)
		return
	}
	render.JSON(w, r, map[string]interface{}{"entries": s.Entries})
}

// Add handles POST /api/vault/entries
func (h *VaultHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddEntryRequest
	if apiErr := h.validator.Decode(w, r, &req); apiErr != nil {
		renderAPIError(w, r, apiErr)
		return
	}

	secret := []byte(req.Secret)
	req.Secret = ""
	entry, err := h.session.AddEntry(r.Context(), req.Service, req.Username, secret)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]interface{}{"entry": entry})
}

// Reveal handles POST /api/vault/entries/{id}/reveal
func (h *VaultHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	secret, err := h.session.RevealEntry(r.Context(), id)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	resp := RevealResponse{ID: id, Secret: string(secret)}
	vault.Wipe(secret)
	h.logger.InfoContext(r.Context(), "Secret revealed", slog.String("entry_id", id))
	render.JSON(w, r, resp)
}

// Send handles POST /api/vault/entries/{id}/send. The device types the
// secret; it never crosses the HTTP boundary.
func (h *VaultHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.session.SendEntry(r.Context(), id); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Secret sent to device", slog.String("entry_id", id))
	render.JSON(w, r, map[string]interface{}{"id": id, "sent": true})
}

// Export handles GET /api/vault/export as a CSV attachment without secrets.
func (h *VaultHandler) Export(w http.ResponseWriter, r *http.Request) {
	entries, err := h.session.ExportEntries(r.Context())
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment("picopass_export", "csv"))
	if err := vault.WriteCSV(w, entries); err != nil {
		// Headers are gone; all that is left is to log it.
		h.logger.ErrorContext(r.Context(), "CSV export failed", slog.String("error", err.Error()))
		return
	}
	h.logger.InfoContext(r.Context(), "Vault exported", slog.Int("entries", len(entries)))
}

// Backup handles GET /api/vault/backup. The vault file is already
// encrypted, so it is returned as is.
func (h *VaultHandler) Backup(w http.ResponseWriter, r *http.Request) {
	data, err := h.session.Backup(r.Context())
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", attachment("picopass_backup", "json"))
	if _, err := w.Write(data); err != nil {
		h.logger.WarnContext(r.Context(), "Backup write failed", slog.String("error", err.Error()))
		return
	}
	h.logger.InfoContext(r.Context(), "Vault backed up", slog.Int("bytes", len(data)))
}

func attachment(prefix, ext string) string {
	return fmt.Sprintf(`attachment; filename="%s_%s.%s"`, prefix, time.Now().Format("20060102_150405"), ext)
}
