package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "picopass/internal/errors"
	"picopass/internal/retry"
)

// GateOptions configures a Gate
type GateOptions struct {
	Retry    retry.Policy
	CacheTTL time.Duration
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Gate applies retry, caching and post-condition checks on top of an Authority.
// It is safe for concurrent use.
type Gate struct {
	authority Authority
	policy    retry.Policy
	cache     *InfoCache
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	mu   sync.RWMutex
	last *Info
}

// NewGate creates a Gate over authority.
func NewGate(authority Authority, opts GateOptions) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Gate{
		authority: authority,
		policy:    opts.Retry,
		cache:     NewInfoCache(opts.CacheTTL, 64),
		metrics:   metrics,
		tracer:    otel.Tracer(TracerName),
		logger:    logger.With("component", "license_gate"),
	}
}

// Close forgets every cached license answer.
func (g *Gate) Close() {
	g.cache.InvalidateAll()
}

// CacheStats reports the validation cache counters.
func (g *Gate) CacheStats() CacheStats {
	return g.cache.Stats()
}

// Validate asks the authority about serial. When the authority stays
// unreachable after retries, an unexpired cached answer for the same serial
// is returned instead of the error.
func (g *Gate) Validate(ctx context.Context, serial string) (Info, error) {
	ctx, span := g.tracer.Start(ctx, "license.validate", trace.WithAttributes(attribute.String("serial_number", serial)))
	defer span.End()

	start := time.Now()
	var info Info
	err := retry.Do(ctx, g.policy, "license.validate", g.logger, func(ctx context.Context) error {
		var err error
		info, err = g.authority.Validate(ctx, serial)
		return err
	})
	g.metrics.record(ctx, "validate", start, info, err)

	if err != nil {
		if apperrors.IsTransient(err) {
			if cached, ok := g.cache.Get(serial); ok && !cached.Expired(time.Now()) {
				g.metrics.CacheHits.Add(ctx, 1)
				g.logger.WarnContext(ctx, "authority unreachable, using cached license",
					slog.String("serial_number", serial),
					slog.String("error", err.Error()))
				return cached, nil
			}
		}
		g.fail(ctx, span, "validate", serial, err)
		return Info{}, err
	}

	g.remember(serial, info)
	return info.Clone(), nil
}

// Activate gives the device a seat. If an earlier attempt's response was lost
// and the retry reports the serial as already registered, the registration is
// confirmed with a validate instead of failing.
func (g *Gate) Activate(ctx context.Context, serial, boardType string, friendlyName *string) (Info, error) {
	ctx, span := g.tracer.Start(ctx, "license.activate", trace.WithAttributes(
		attribute.String("serial_number", serial),
		attribute.String("board_type", boardType)))
	defer span.End()

	if serial == "" {
		return Info{}, fmt.Errorf("activate: %w", apperrors.ErrDeviceNotPresent)
	}

	start := time.Now()
	attempts := 0
	var info Info
	err := retry.Do(ctx, g.policy, "license.activate", g.logger, func(ctx context.Context) error {
		attempts++
		var err error
		info, err = g.authority.Activate(ctx, ActivationRequest{
			SerialNumber: serial,
			BoardType:    boardType,
			FriendlyName: friendlyName,
		})
		return err
	})
	if err != nil && attempts > 1 && errors.Is(err, apperrors.ErrDeviceAlreadyRegistered) {
		g.logger.InfoContext(ctx, "activation landed on an earlier attempt, confirming",
			slog.String("serial_number", serial))
		info, err = g.authority.Validate(ctx, serial)
	}
	g.metrics.record(ctx, "activate", start, info, err)

	if err != nil {
		g.fail(ctx, span, "activate", serial, err)
		return Info{}, err
	}
	if !info.HasDevice(serial) {
		err := fmt.Errorf("activation of %s not reflected in answer: %w", serial, apperrors.ErrMalformed)
		g.fail(ctx, span, "activate", serial, err)
		return Info{}, err
	}

	g.cache.InvalidateAll()
	g.remember(serial, info)
	g.logger.InfoContext(ctx, "device activated",
		slog.String("serial_number", serial),
		slog.Int("used_devices", info.UsedDevices),
		slog.Int("remaining_seats", info.RemainingSeats))
	return info.Clone(), nil
}

// Deregister frees the seat held by serial.
func (g *Gate) Deregister(ctx context.Context, serial string) (Info, error) {
	ctx, span := g.tracer.Start(ctx, "license.deregister", trace.WithAttributes(attribute.String("serial_number", serial)))
	defer span.End()

	start := time.Now()
	var info Info
	err := retry.Do(ctx, g.policy, "license.deregister", g.logger, func(ctx context.Context) error {
		var err error
		info, err = g.authority.Deregister(ctx, serial)
		return err
	})
	g.metrics.record(ctx, "deregister", start, info, err)

	if err != nil {
		g.fail(ctx, span, "deregister", serial, err)
		return Info{}, err
	}
	if info.HasDevice(serial) {
		err := fmt.Errorf("deregistration of %s not reflected in answer: %w", serial, apperrors.ErrMalformed)
		g.fail(ctx, span, "deregister", serial, err)
		return Info{}, err
	}

	g.cache.InvalidateAll()
	g.mu.Lock()
	g.last = &info
	g.mu.Unlock()
	return info.Clone(), nil
}

// InstallProductKey replaces the product key of an authority that manages it
// locally. Remote authorities hold their keys server side.
func (g *Gate) InstallProductKey(ctx context.Context, key string) error {
	ctx, span := g.tracer.Start(ctx, "license.install_key")
	defer span.End()

	installer, ok := g.authority.(KeyInstaller)
	if !ok {
		err := fmt.Errorf("product key is managed by the license server: %w", apperrors.ErrInvalidStateForOperation)
		g.fail(ctx, span, "install_key", "", err)
		return err
	}
	if err := installer.InstallProductKey(ctx, key); err != nil {
		g.fail(ctx, span, "install_key", "", err)
		return err
	}

	g.cache.InvalidateAll()
	g.mu.Lock()
	g.last = nil
	g.mu.Unlock()
	return nil
}

// Last returns the most recent authority answer, if any.
func (g *Gate) Last() (Info, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.last == nil {
		return Info{}, false
	}
	return g.last.Clone(), true
}

// RegisteredDevices returns the seat holders from the most recent answer,
// ordered by activation time.
func (g *Gate) RegisteredDevices() []DeviceSummary {
	info, ok := g.Last()
	if !ok {
		return []DeviceSummary{}
	}
	return info.RegisteredDevices
}

func (g *Gate) remember(serial string, info Info) {
	g.cache.Set(serial, info)
	g.mu.Lock()
	g.last = &info
	g.mu.Unlock()
}

func (g *Gate) fail(ctx context.Context, span trace.Span, op, serial string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	g.logger.WarnContext(ctx, "license "+op+" failed",
		slog.String("serial_number", serial),
		slog.String("kind", apperrors.KindOf(err).String()),
		slog.String("error", err.Error()))
}
