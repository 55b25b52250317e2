package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "picopass/internal/errors"
	"picopass/internal/session"
)

// SnapshotResponse wraps the snapshot returned by every command.
type SnapshotResponse struct {
	Snapshot session.Snapshot `json:"snapshot"`
}

func renderSnapshot(w http.ResponseWriter, r *http.Request, s session.Snapshot) {
	render.JSON(w, r, SnapshotResponse{Snapshot: s})
}

// renderError maps err onto an APIError, logs it and writes it.
func renderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apperrors.FromError(err)

	level := slog.LevelWarn
	if apiErr.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error_code", apiErr.ErrorCode),
		slog.String("error", err.Error()))

	renderAPIError(w, r, apiErr)
}

func renderAPIError(w http.ResponseWriter, r *http.Request, apiErr *apperrors.APIError) {
	_ = render.Render(w, r, apperrors.NewErrorResponse(apiErr))
}
