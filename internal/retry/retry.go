// Package retry runs calls against unreliable collaborators (the license
// authority, the device transport) with per-attempt timeouts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"picopass/internal/config"
	apperrors "picopass/internal/errors"
)

// Policy controls one retried channel.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts  int
	Timeout   time.Duration
	Strategy  string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error warrants another attempt.
	// Defaults to apperrors.IsTransient.
	Retryable func(error) bool
}

// FromConfig converts a RetryConfig into a Policy.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		Attempts:  c.RetryCount + 1,
		Timeout:   c.Timeout,
		Strategy:  strings.ToLower(c.BackoffStrategy),
		BaseDelay: c.BaseDelay,
		MaxDelay:  c.MaxDelay,
	}
}

// Delay returns the wait before the given retry (1 for the first retry).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}

	var delay time.Duration
	switch p.Strategy {
	case config.BackoffLinear:
		delay = p.BaseDelay * time.Duration(retry)
	case config.BackoffExponential:
		delay = p.BaseDelay
		for i := 1; i < retry; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				break
			}
		}
	default:
		delay = p.BaseDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Budget is the longest Do can take under p: every attempt timing out plus
// every delay between them. Zero when Timeout is unset.
func (p Policy) Budget() time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	total := p.Timeout * time.Duration(attempts)
	for retry := 1; retry < attempts; retry++ {
		total += p.Delay(retry)
	}
	return total
}

func (p Policy) retryable(ctx context.Context, err error) bool {
	// A per-attempt deadline is transient; the caller's own deadline is not.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return true
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return apperrors.IsTransient(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. Each call gets its own Timeout-bounded context.
// When ctx ends during a backoff the returned error wraps both ctx.Err() and
// the last failure.
func Do(ctx context.Context, p Policy, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = call(ctx, p.Timeout, fn)
		if lastErr == nil {
			return nil
		}

		if !p.retryable(ctx, lastErr) || attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		logger.WarnContext(ctx, "retrying call",
			slog.String("call", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			// The last failure still classifies the result.
			return fmt.Errorf("%s: %w", name, errors.Join(ctx.Err(), lastErr))
		}
	}

	return lastErr
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
