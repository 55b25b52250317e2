package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "picopass/internal/errors"
	"picopass/internal/middleware"
	"picopass/internal/websocket"
)

// RouterConfig carries everything the router mounts.
type RouterConfig struct {
	Session Session
	Ports   PortLister
	Hub     *websocket.Hub
	// Metrics serves /metrics when not nil.
	Metrics http.Handler

	AllowedOrigins []string
	UnlockRPS      float64
	UnlockBurst    int
	RequestTimeout time.Duration
	Version        string

	Logger *slog.Logger
}

// NewRouter builds the HTTP handler for the local UI API. The whole router
// is wrapped in otelhttp so each request gets a server span.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	validator := middleware.NewValidator()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.LocalOnly(logger))
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}))

	if cfg.Hub != nil {
		r.Method(http.MethodGet, "/api/ws", NewWebSocketHandler(cfg.Hub, cfg.AllowedOrigins, logger))
	}

	var clients ClientCounter
	if cfg.Hub != nil {
		clients = cfg.Hub
	}
	health := NewHealthHandler(cfg.Session, clients, cfg.Version, logger)
	r.Get("/healthz", health.HealthCheck)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}

		var unlockLimiter func(http.Handler) http.Handler
		if cfg.UnlockRPS > 0 {
			unlockLimiter = middleware.NewRateLimiter(cfg.UnlockRPS, cfg.UnlockBurst, logger).Handler
		}

		r.Mount("/api/session", NewSessionHandler(cfg.Session, validator, unlockLimiter, logger).Routes())
		r.Mount("/api/device", NewDeviceHandler(cfg.Session, cfg.Ports, validator, logger).Routes())
		r.Mount("/api/license", NewLicenseHandler(cfg.Session, validator, logger).Routes())
		r.Mount("/api/vault", NewVaultHandler(cfg.Session, validator, logger).Routes())
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		renderAPIError(w, r, apperrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		renderAPIError(w, r, apperrors.ErrMethodNotAllowed)
	})

	return otelhttp.NewHandler(r, "picopass.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
