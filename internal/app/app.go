package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"picopass/internal/config"
	"picopass/internal/device"
	"picopass/internal/device/serial"
	"picopass/internal/infrastructure"
	"picopass/internal/license"
	"picopass/internal/retry"
	"picopass/internal/session"
	transport "picopass/internal/transport/http"
	"picopass/internal/vault"
	ws "picopass/internal/websocket"
)

const AppName = "PicoPass"

// Options overrides parts of the default wiring.
type Options struct {
	// Transport replaces the USB serial transport. If it also has a
	// Run(context.Context) error method, Run starts it.
	Transport device.Transport
	// Logger replaces the process-wide logger built from config.
	Logger *slog.Logger
}

type runner interface {
	Run(ctx context.Context) error
}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Transport   device.Transport
	Link        *device.Link
	Authority   license.Authority
	Gate        *license.Gate
	Vault       *vault.Lock
	Coordinator *session.Coordinator
	Hub         *ws.Hub
	Server      *http.Server

	ready chan struct{}
	addr  net.Addr
	once  sync.Once
}

// NewApplication builds every component from cfg without starting any of
// them.
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	logger := opts.Logger
	if logger == nil {
		l, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("listen", cfg.Server.Addr()),
		slog.String("license_authority", cfg.License.Authority))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		ready:         make(chan struct{}),
	}

	if err := a.initializeServices(opts); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return a, nil
}

func (a *Application) initializeServices(opts Options) error {
	cfg := a.Config
	meter := a.OTelProviders.Meter

	var ports transport.PortLister
	a.Transport = opts.Transport
	if a.Transport == nil {
		st := serial.New(serial.Options{
			PortName:     cfg.Device.PortName,
			BaudRate:     cfg.Device.BaudRate,
			VendorIDs:    cfg.Device.VendorIDs,
			PollInterval: cfg.Device.PollInterval,
			CallTimeout:  cfg.Device.Identify.Timeout,
			Logger:       a.Logger,
		})
		a.Transport = st
		ports = st
	} else if pl, ok := a.Transport.(transport.PortLister); ok {
		ports = pl
	}

	a.Link = device.NewLink(a.Transport, device.LinkOptions{
		Identify:         retry.FromConfig(cfg.Device.Identify),
		HeartbeatTimeout: cfg.Device.HeartbeatTimeout,
		Logger:           a.Logger,
	})

	authority, err := openAuthority(cfg.License, a.Logger)
	if err != nil {
		return err
	}
	a.Authority = authority

	licenseMetrics, err := license.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}
	a.Gate = license.NewGate(authority, license.GateOptions{
		Retry:    retry.FromConfig(cfg.License.Retry),
		CacheTTL: cfg.License.CacheTTL,
		Metrics:  licenseMetrics,
		Logger:   a.Logger,
	})

	if _, err := os.Stat(cfg.Vault.Path); errors.Is(err, os.ErrNotExist) {
		a.Logger.Warn("Vault file not found; run 'picopass vault init' to create it",
			slog.String("path", cfg.Vault.Path))
	}
	a.Vault = vault.NewLock(vault.NewFileStore(cfg.Vault.Path), a.Logger)

	sessionMetrics, err := session.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create session metrics: %w", err)
	}
	a.Coordinator = session.NewCoordinator(a.Link, a.Gate, a.Vault, session.Options{
		Policy: session.Policy{
			MaxUnlockAttempts: cfg.Session.MaxUnlockAttempts,
			LockoutBase:       cfg.Session.LockoutBase,
			LockoutMax:        cfg.Session.LockoutMax,
		},
		QueueSize:          cfg.Session.QueueSize,
		RevalidateInterval: cfg.License.RevalidateInterval,
		UnlockTimeout:      cfg.Vault.UnlockTimeout,
		LicenseTimeout:     budget(cfg.License.Retry),
		ProvisionTimeout:   budget(cfg.Device.Identify),
		Metrics:            sessionMetrics,
		Logger:             a.Logger,
	})

	hubMetrics, err := ws.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger, hubMetrics)

	router := transport.NewRouter(transport.RouterConfig{
		Session:        a.Coordinator,
		Ports:          ports,
		Hub:            a.Hub,
		Metrics:        a.OTelProviders.PrometheusHTTP,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		UnlockRPS:      cfg.Server.UnlockRPS,
		UnlockBurst:    cfg.Server.UnlockBurst,
		RequestTimeout: cfg.Server.WriteTimeout * 9 / 10,
		Version:        infrastructure.ServiceVersion,
		Logger:         a.Logger,
	})

	a.Server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
	return nil
}

// openAuthority builds the configured license authority.
func openAuthority(cfg config.LicenseConfig, logger *slog.Logger) (license.Authority, error) {
	switch cfg.Authority {
	case "remote":
		return license.NewHTTPAuthority(cfg.ServerURL, cfg.SigningSecret, nil), nil
	default:
		auth, err := license.OpenLocalAuthority(cfg.LedgerPath, cfg.Key, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open license ledger: %w", err)
		}
		return auth, nil
	}
}

// budget is the worst-case duration of one retried call under r.
func budget(r config.RetryConfig) time.Duration {
	return retry.FromConfig(r).Budget()
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. A cancelled ctx is a clean shutdown and returns nil.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.addr = ln.Addr()
	close(a.ready)

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", "http://"+ln.Addr().String()),
		slog.String("vault", a.Config.Vault.Path))

	g, gctx := errgroup.WithContext(ctx)

	if r, ok := a.Transport.(runner); ok {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return a.Link.Run(gctx) })
	g.Go(func() error { return a.Coordinator.Run(gctx) })
	g.Go(func() error { return a.Hub.Run(gctx, a.Coordinator) })

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		a.Logger.Error("Application stopped with error", slog.String("error", err.Error()))
		return err
	}
	a.Logger.Info("Application stopped")
	return nil
}

// Ready is closed once the HTTP listener is bound.
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound listener address. Only valid after Ready.
func (a *Application) Addr() net.Addr {
	return a.addr
}

// Close releases the license ledger, telemetry and log file. The vault is
// locked by the coordinator when Run returns; Close locks it again in case
// Run was never called.
func (a *Application) Close() {
	a.once.Do(func() {
		if a.Vault != nil {
			a.Vault.Lock()
		}
		if a.Gate != nil {
			a.Gate.Close()
		}
		if c, ok := a.Authority.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.Logger.Warn("Failed to close license authority", slog.String("error", err.Error()))
			}
		}
		if a.OTelProviders != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.OTelProviders.Shutdown(ctx); err != nil {
				a.Logger.Warn("Error shutting down OpenTelemetry", slog.String("error", err.Error()))
			}
		}
		if err := infrastructure.CloseLogFile(); err != nil {
			a.Logger.Warn("Failed to close log file", slog.String("error", err.Error()))
		}
	})
}
