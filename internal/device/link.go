package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "picopass/internal/errors"
	"picopass/internal/retry"
)

// LinkOptions configures a Link
type LinkOptions struct {
	// Identify bounds and retries the identify query on connect.
	Identify retry.Policy
	// HeartbeatTimeout is the silence after which the device is considered
	// gone. Zero disables the watchdog.
	HeartbeatTimeout time.Duration
	// Buffer is the capacity of the presence event channel.
	Buffer int
	Logger *slog.Logger
}

type identifyResult struct {
	generation uint64
	identity   Identity
	err        error
}

// Link normalizes Transport events into PresenceEvents. All state changes
// happen on the Run goroutine; Current and Provision may be called from
// anywhere.
type Link struct {
	transport Transport
	opts      LinkOptions
	logger    *slog.Logger
	now       func() time.Time

	events      chan PresenceEvent
	identified  chan identifyResult
	provisioned chan uint64
	done        chan struct{}

	mu             sync.RWMutex
	current        *CurrentDevice
	generation     uint64
	cancelIdentify context.CancelFunc
}

// NewLink creates a Link over transport. Call Run to start it.
func NewLink(transport Transport, opts LinkOptions) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	return &Link{
		transport:   transport,
		opts:        opts,
		logger:      logger.With("component", "device_link"),
		now:         time.Now,
		events:      make(chan PresenceEvent, opts.Buffer),
		identified:  make(chan identifyResult, 1),
		provisioned: make(chan uint64, 1),
		done:        make(chan struct{}),
	}
}

// Events returns the presence stream. It is closed when Run returns.
func (l *Link) Events() <-chan PresenceEvent {
	return l.events
}

// Current returns a copy of the attached device.
func (l *Link) Current() (CurrentDevice, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return CurrentDevice{}, false
	}
	return l.current.Clone(), true
}

// Run processes transport events until ctx is done or the transport closes
// its event channel.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.events)
	defer close(l.done)

	var watchdog <-chan time.Time
	if l.opts.HeartbeatTimeout > 0 {
		interval := l.opts.HeartbeatTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		watchdog = ticker.C
	}

	raw := l.transport.Events()
	for {
		select {
		case <-ctx.Done():
			l.stopIdentify()
			return ctx.Err()

		case ev, ok := <-raw:
			if !ok {
				l.logger.InfoContext(ctx, "transport closed")
				l.remove(ctx, "transport closed")
				return nil
			}
			l.handle(ctx, ev)

		case res := <-l.identified:
			l.applyIdentity(ctx, res)

		case gen := <-l.provisioned:
			l.applyProvisioned(ctx, gen)

		case <-watchdog:
			l.checkHeartbeat(ctx)
		}
	}
}

// Provision writes activationKey to the device of the given generation and
// marks it activated.
func (l *Link) Provision(ctx context.Context, generation uint64, activationKey string) error {
	port, err := l.identifiedPort("provision", generation)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, l.opts.Identify, "device.provision", l.logger, func(ctx context.Context) error {
		return l.transport.Provision(ctx, port, activationKey)
	})
	if err != nil {
		return fmt.Errorf("provision %s: %w", port, err)
	}

	select {
	case l.provisioned <- generation:
		return nil
	case <-l.done:
		return fmt.Errorf("provision: %w", apperrors.ErrDeviceRemoved)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TypeSecret has the device of generation type secret. It is attempted once:
// a retry could type the secret twice.
func (l *Link) TypeSecret(ctx context.Context, generation uint64, activationKey string, secret []byte) error {
	port, err := l.identifiedPort("type", generation)
	if err != nil {
		return err
	}
	if err := l.transport.TypeSecret(ctx, port, activationKey, secret); err != nil {
		return fmt.Errorf("type on %s: %w", port, err)
	}
	l.logger.InfoContext(ctx, "secret typed by device", slog.String("port", port))
	return nil
}

func (l *Link) identifiedPort(op string, generation uint64) (string, error) {
	l.mu.RLock()
	cur := l.current
	var port string
	var identified bool
	if cur != nil && cur.Generation == generation {
		port = cur.Port
		identified = cur.SerialNumber != nil
	}
	l.mu.RUnlock()

	if port == "" {
		return "", fmt.Errorf("%s generation %d: %w", op, generation, apperrors.ErrDeviceRemoved)
	}
	if !identified {
		return "", fmt.Errorf("%s: device not identified: %w", op, apperrors.ErrInvalidStateForOperation)
	}
	return port, nil
}

func (l *Link) handle(ctx context.Context, ev RawEvent) {
	switch ev.Kind {
	case RawConnect:
		l.connect(ctx, ev)

	case RawDisconnect:
		l.mu.RLock()
		match := l.current != nil && l.current.Port == ev.Port
		l.mu.RUnlock()
		if match {
			l.remove(ctx, "disconnected")
		}

	case RawHeartbeat:
		l.mu.RLock()
		cur := l.current
		l.mu.RUnlock()
		if cur == nil {
			// The watchdog dropped a device the transport still sees.
			l.connect(ctx, ev)
			return
		}
		if cur.Port != ev.Port {
			return
		}
		l.heartbeat(ctx, ev)
	}
}

func (l *Link) connect(ctx context.Context, ev RawEvent) {
	l.remove(ctx, "replaced")

	at := l.stamp(ev.At)
	idCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.generation++
	gen := l.generation
	l.current = &CurrentDevice{
		Port:       ev.Port,
		BoardType:  DefaultBoardType,
		Name:       DisplayName(DefaultBoardType),
		VendorID:   ev.VendorID,
		ProductID:  ev.ProductID,
		LastSeen:   at,
		Generation: gen,
	}
	l.cancelIdentify = cancel
	dev := l.current.Clone()
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "device connected",
		slog.String("port", ev.Port),
		slog.Uint64("generation", gen),
		slog.String("vendor_id", fmt.Sprintf("%04X", ev.VendorID)),
		slog.String("product_id", fmt.Sprintf("%04X", ev.ProductID)))
	l.emit(ctx, PresenceEvent{Kind: Connecting, Generation: gen, Device: dev, At: at})

	go l.identify(idCtx, gen, ev.Port)
}

func (l *Link) identify(ctx context.Context, gen uint64, port string) {
	var id Identity
	err := retry.Do(ctx, l.opts.Identify, "device.identify", l.logger, func(ctx context.Context) error {
		var err error
		id, err = l.transport.Identify(ctx, port)
		return err
	})

	select {
	case l.identified <- identifyResult{generation: gen, identity: id, err: err}:
	case <-ctx.Done():
	}
}

func (l *Link) applyIdentity(ctx context.Context, res identifyResult) {
	l.mu.Lock()
	cur := l.current
	if cur == nil || cur.Generation != res.generation {
		l.mu.Unlock()
		return
	}
	l.cancelIdentify = nil

	if res.err != nil || res.identity.SerialNumber == "" {
		cur.SerialNumber = nil
		cur.NeedsConfiguration = true
	} else {
		serial := res.identity.SerialNumber
		board := res.identity.BoardType
		if board == "" {
			board = DefaultBoardType
		}
		cur.SerialNumber = &serial
		cur.BoardType = board
		cur.Name = DisplayName(board)
		cur.FirmwareVersion = res.identity.FirmwareVersion
		cur.IsActivated = res.identity.Activated
		cur.NeedsConfiguration = false
		cur.LastSeen = l.now()
	}
	dev := cur.Clone()
	l.mu.Unlock()

	if res.err != nil {
		l.logger.WarnContext(ctx, "device did not identify",
			slog.String("port", dev.Port),
			slog.String("error", res.err.Error()))
	} else {
		l.logger.InfoContext(ctx, "device identified",
			slog.String("port", dev.Port),
			slog.String("serial_number", dev.Serial()),
			slog.String("board_type", dev.BoardType),
			slog.Bool("activated", dev.IsActivated))
	}
	l.emit(ctx, PresenceEvent{Kind: Attached, Generation: dev.Generation, Device: dev, At: l.now()})
}

func (l *Link) heartbeat(ctx context.Context, ev RawEvent) {
	at := l.stamp(ev.At)

	l.mu.Lock()
	cur := l.current
	cur.LastSeen = at
	if ev.SerialNumber != nil && *ev.SerialNumber != "" {
		serial := *ev.SerialNumber
		cur.SerialNumber = &serial
		cur.NeedsConfiguration = false
	}
	if ev.BoardType != nil && *ev.BoardType != "" {
		cur.BoardType = *ev.BoardType
		cur.Name = DisplayName(cur.BoardType)
	}
	dev := cur.Clone()
	l.mu.Unlock()

	l.emit(ctx, PresenceEvent{Kind: Updated, Generation: dev.Generation, Device: dev, At: at})
}

func (l *Link) applyProvisioned(ctx context.Context, gen uint64) {
	l.mu.Lock()
	cur := l.current
	if cur == nil || cur.Generation != gen {
		l.mu.Unlock()
		return
	}
	cur.IsActivated = true
	dev := cur.Clone()
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "device provisioned", slog.String("serial_number", dev.Serial()))
	l.emit(ctx, PresenceEvent{Kind: Updated, Generation: gen, Device: dev, At: l.now()})
}

func (l *Link) checkHeartbeat(ctx context.Context) {
	l.mu.RLock()
	cur := l.current
	var silent time.Duration
	if cur != nil {
		silent = l.now().Sub(cur.LastSeen)
	}
	l.mu.RUnlock()

	if cur != nil && silent > l.opts.HeartbeatTimeout {
		l.logger.WarnContext(ctx, "device heartbeat lost",
			slog.String("port", cur.Port),
			slog.Duration("silent_for", silent))
		l.remove(ctx, "heartbeat timeout")
	}
}

// remove discards the current device and emits its single Removed event.
func (l *Link) remove(ctx context.Context, reason string) {
	l.mu.Lock()
	cur := l.current
	l.current = nil
	cancel := l.cancelIdentify
	l.cancelIdentify = nil
	l.mu.Unlock()

	if cur == nil {
		return
	}
	if cancel != nil {
		cancel()
	}

	l.logger.InfoContext(ctx, "device removed",
		slog.String("port", cur.Port),
		slog.Uint64("generation", cur.Generation),
		slog.String("reason", reason))
	l.emit(ctx, PresenceEvent{Kind: Removed, Generation: cur.Generation, At: l.now()})
}

func (l *Link) stopIdentify() {
	l.mu.Lock()
	cancel := l.cancelIdentify
	l.cancelIdentify = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Link) emit(ctx context.Context, ev PresenceEvent) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (l *Link) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return l.now()
	}
	return at
}
