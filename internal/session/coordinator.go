// Package session reconciles device presence, license validity and vault
// lock state into a single session state.
//
// All state changes go through one ordered queue drained by Coordinator.Run,
// which applies the pure Transition function and carries out the effects it
// returns. Slow work (authority calls, key derivation, provisioning) runs on
// goroutines whose results re-enter the queue tagged with the device
// generation and operation id they were started for; results that no longer
// match are discarded.
//
// While unlocked the session can also have the device type a stored secret,
// export the entry list and back up the encrypted vault file.
package session

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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"picopass/internal/device"
	apperrors "picopass/internal/errors"
	"picopass/internal/infrastructure"
	"picopass/internal/license"
	"picopass/internal/vault"
)

// DeviceSource is the device side of the session; *device.Link satisfies it.
type DeviceSource interface {
	Events() <-chan device.PresenceEvent
	Provision(ctx context.Context, generation uint64, activationKey string) error
	TypeSecret(ctx context.Context, generation uint64, activationKey string, secret []byte) error
}

// LicenseService is the license side of the session; *license.Gate
// satisfies it.
type LicenseService interface {
	Validate(ctx context.Context, serial string) (license.Info, error)
	Activate(ctx context.Context, serial, boardType string, friendlyName *string) (license.Info, error)
	Deregister(ctx context.Context, serial string) (license.Info, error)
	InstallProductKey(ctx context.Context, key string) error
}

// VaultLock is the vault side of the session; *vault.Lock satisfies it.
type VaultLock interface {
	Unlock(ctx context.Context, password []byte) (*vault.Session, error)
	Lock()
}

// Options configures a Coordinator
type Options struct {
	Policy    Policy
	QueueSize int
	// RevalidateInterval is the period of background license checks. Zero
	// disables them; attach, activation and RefreshLicense still validate.
	RevalidateInterval time.Duration
	UnlockTimeout      time.Duration
	LicenseTimeout     time.Duration
	ProvisionTimeout   time.Duration
	Metrics            *Metrics
	Logger             *slog.Logger
}

type result struct {
	value interface{}
	err   error
}

var errStopped = fmt.Errorf("session coordinator stopped: %w", apperrors.ErrInvalidStateForOperation)

// Coordinator owns the session state machine.
type Coordinator struct {
	devices  DeviceSource
	licenses LicenseService
	vault    VaultLock

	opts        Options
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	broadcaster *Broadcaster
	now         func() time.Time

	queue chan Event
	done  chan struct{}

	mu        sync.Mutex
	waiters   map[uint64]chan result
	nextReply uint64

	// Owned by the Run goroutine.
	model   Model
	version uint64
	last    Snapshot
	runCtx  context.Context
	effects sync.WaitGroup
}

// NewCoordinator creates a Coordinator in the Locked state. Call Run to
// start processing.
func NewCoordinator(devices DeviceSource, licenses LicenseService, vaultLock VaultLock, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}

	c := &Coordinator{
		devices:     devices,
		licenses:    licenses,
		vault:       vaultLock,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		tracer:      otel.Tracer(TracerName),
		broadcaster: NewBroadcaster(logger),
		now:         time.Now,
		queue:       make(chan Event, opts.QueueSize),
		done:        make(chan struct{}),
		waiters:     make(map[uint64]chan result),
		model:       NewModel(opts.Policy),
		runCtx:      context.Background(),
	}

	c.version = 1
	c.last = snapshotOf(c.model, c.version, c.now())
	c.broadcaster.Publish(c.last)
	return c
}

// Run drains the event queue until ctx is done. On return the vault is
// locked, pending commands fail and subscriptions are closed.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer c.shutdown()

	var ticks <-chan time.Time
	if c.opts.RevalidateInterval > 0 {
		ticker := time.NewTicker(c.opts.RevalidateInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	presence := c.devices.Events()
	c.logger.InfoContext(ctx, "session coordinator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pe, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.apply(ctx, presenceEvent{pe})

		case ev := <-c.queue:
			c.apply(ctx, ev)

		case t := <-ticks:
			c.apply(ctx, tick{at: t})
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)
	c.vault.Lock()
	c.drain()

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint64]chan result)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- result{err: errStopped}
	}

	c.effects.Wait()
	c.broadcaster.Close()
	c.logger.Info("session coordinator stopped")
}

// drain discards queued events after shutdown, zeroing the secrets they
// carry.
func (c *Coordinator) drain() {
	for {
		select {
		case ev := <-c.queue:
			switch e := ev.(type) {
			case submitPassword:
				vault.Wipe(e.password)
			case addEntry:
				vault.Wipe(e.secret)
			}
		default:
			return
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, ev Event) {
	from := c.model.State
	m, effs := Transition(c.model, ev)
	c.model = m
	c.wipeUnconsumed(ev, effs)

	degraded := false
	var replies []replyEffect
	for _, eff := range effs {
		switch e := eff.(type) {
		case replyEffect:
			replies = append(replies, e)
			continue
		case lockEffect:
			degraded = degraded || e.degraded
		}
		c.execute(ctx, eff)
	}

	switch {
	case degraded:
		c.metrics.transition(ctx, from, Degraded)
		c.metrics.transition(ctx, Degraded, m.State)
		c.logger.WarnContext(ctx, "session degraded, vault re-locked",
			slog.String("from", from.String()),
			slog.String("to", m.State.String()),
			slog.String("cause", errString(m.LastErr)))
	case from != m.State:
		c.metrics.transition(ctx, from, m.State)
		c.logger.InfoContext(ctx, "session state changed",
			slog.String("from", from.String()),
			slog.String("to", m.State.String()))
	}

	c.metrics.QueueDepth.Record(ctx, int64(len(c.queue)))
	c.publish()

	// Callers see the snapshot that reflects their command.
	for _, r := range replies {
		c.deliver(r.reply, result{value: r.value, err: r.err})
	}
}

// wipeUnconsumed zeroes secrets carried by a command that Transition
// rejected without handing them to an effect.
func (c *Coordinator) wipeUnconsumed(ev Event, effs []Effect) {
	switch e := ev.(type) {
	case submitPassword:
		for _, eff := range effs {
			if _, ok := eff.(unlockEffect); ok {
				return
			}
		}
		vault.Wipe(e.password)
	case addEntry:
		for _, eff := range effs {
			if _, ok := eff.(addEntryEffect); ok {
				return
			}
		}
		vault.Wipe(e.secret)
	}
}

func (c *Coordinator) publish() {
	s := snapshotOf(c.model, c.version+1, c.now())
	if sameView(s, c.last) {
		return
	}
	c.version++
	c.last = s
	c.broadcaster.Publish(s)
}

func (c *Coordinator) execute(ctx context.Context, eff Effect) {
	switch e := eff.(type) {
	case lockEffect:
		c.vault.Lock()
		c.metrics.Relocks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", e.reason)))

	case revealEffect:
		secret, err := e.session.Reveal(e.id)
		if !c.deliver(e.reply, result{value: secret, err: err}) {
			vault.Wipe(secret)
		}

	case validateEffect:
		c.background("session.validate", c.opts.LicenseTimeout, func(ctx context.Context) error {
			info, err := c.licenses.Validate(ctx, e.serial)
			c.post(licenseResult{op: opValidate, opID: e.opID, reply: e.reply, generation: e.generation, serial: e.serial, info: info, err: err})
			return err
		})

	case activateEffect:
		c.background("session.activate", c.opts.LicenseTimeout, func(ctx context.Context) error {
			info, err := c.licenses.Activate(ctx, e.serial, e.boardType, e.friendlyName)
			if err != nil && !e.register && errors.Is(err, apperrors.ErrDeviceAlreadyRegistered) {
				c.logger.InfoContext(ctx, "device already holds a seat, re-provisioning",
					slog.String("serial_number", e.serial))
				info, err = c.licenses.Validate(ctx, e.serial)
			}
			c.post(licenseResult{op: opActivate, opID: e.opID, reply: e.reply, generation: e.generation, serial: e.serial, info: info, err: err})
			return err
		})

	case deregisterEffect:
		c.background("session.deregister", c.opts.LicenseTimeout, func(ctx context.Context) error {
			info, err := c.licenses.Deregister(ctx, e.serial)
			c.post(licenseResult{op: opDeregister, opID: e.opID, reply: e.reply, generation: e.generation, serial: e.serial, info: info, err: err})
			return err
		})

	case provisionEffect:
		c.background("session.provision", c.opts.ProvisionTimeout, func(ctx context.Context) error {
			err := c.devices.Provision(ctx, e.generation, e.activationKey)
			c.post(provisionResult{opID: e.opID, reply: e.reply, generation: e.generation, err: err})
			return err
		})

	case unlockEffect:
		c.background("session.unlock", c.opts.UnlockTimeout, func(ctx context.Context) error {
			s, err := c.vault.Unlock(ctx, e.password)
			var entries []vault.PasswordEntry
			if err == nil {
				entries = s.Entries()
			}
			c.metrics.UnlockAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", unlockOutcome(err))))

			ev := unlockResult{opID: e.opID, reply: e.reply, generation: e.generation, session: s, entries: entries, err: err, at: c.now()}
			if !c.post(ev) && s != nil {
				c.vault.Lock()
			}
			return err
		})

	case addEntryEffect:
		c.background("session.add_entry", 0, func(ctx context.Context) error {
			entry, err := e.session.Add(e.service, e.username, e.secret)
			c.post(entryAdded{reply: e.reply, session: e.session, entry: entry, err: err})
			return err
		})

	case typeEffect:
		c.background("session.type_secret", c.opts.ProvisionTimeout, func(ctx context.Context) error {
			secret, err := e.session.Reveal(e.id)
			if err == nil {
				err = c.devices.TypeSecret(ctx, e.generation, e.activationKey, secret)
				vault.Wipe(secret)
			}
			c.post(secretTyped{reply: e.reply, err: err})
			return err
		})

	case backupEffect:
		c.background("session.backup", 0, func(ctx context.Context) error {
			data, err := e.session.Backup()
			c.deliver(e.reply, result{value: data, err: err})
			return err
		})

	case installKeyEffect:
		c.background("session.install_key", c.opts.LicenseTimeout, func(ctx context.Context) error {
			err := c.licenses.InstallProductKey(ctx, e.key)
			c.post(licenseResult{op: opInstallKey, opID: e.opID, reply: e.reply, err: err})
			return err
		})
	}
}

// background runs fn on its own goroutine under the run context, bounded by
// timeout when positive.
func (c *Coordinator) background(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	parent := c.runCtx
	c.effects.Add(1)
	go func() {
		defer c.effects.Done()

		ctx := parent
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, timeout)
			defer cancel()
		}
		ctx, span := c.tracer.Start(ctx, name)
		defer span.End()
		ctx = infrastructure.EnsureTraceID(ctx)

		if err := fn(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.DebugContext(ctx, "Background effect failed",
				slog.String("effect", name),
				slog.String("error", err.Error()))
		}
	}()
}

// post feeds a result back into the queue. It reports false once the
// coordinator has stopped.
func (c *Coordinator) post(ev Event) bool {
	select {
	case c.queue <- ev:
		return true
	case <-c.done:
		if r, ok := ev.(unlockResult); ok && r.session == nil {
			c.deliver(r.reply, result{err: errStopped})
		}
		return false
	}
}

// deliver hands r to the caller waiting on id and reports whether one was.
func (c *Coordinator) deliver(id uint64, r result) bool {
	if id == 0 {
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Coordinator) forget(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// call enqueues the event built for a fresh reply id and waits for the
// answer. dropped runs if the event never reached the queue.
func (c *Coordinator) call(ctx context.Context, build func(reply uint64) Event, dropped func()) (interface{}, error) {
	select {
	case <-c.done:
		if dropped != nil {
			dropped()
		}
		return nil, errStopped
	default:
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	c.nextReply++
	id := c.nextReply
	c.waiters[id] = ch
	c.mu.Unlock()

	select {
	case c.queue <- build(id):
	case <-ctx.Done():
		c.forget(id)
		if dropped != nil {
			dropped()
		}
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		if dropped != nil {
			dropped()
		}
		return nil, errStopped
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		select {
		case r := <-ch:
			return r.value, r.err
		default:
			return nil, errStopped
		}
	}
}

// SubmitPassword attempts to unlock the vault. password is zeroed before
// SubmitPassword returns.
func (c *Coordinator) SubmitPassword(ctx context.Context, password []byte) error {
	pw := make([]byte, len(password))
	copy(pw, password)
	vault.Wipe(password)

	_, err := c.call(ctx, func(id uint64) Event {
		return submitPassword{reply: id, password: pw, at: c.now()}
	}, func() { vault.Wipe(pw) })
	return err
}

// ActivateCurrentDevice gives the attached device a seat and provisions it.
// A device that already holds a seat is re-provisioned without consuming
// another one.
func (c *Coordinator) ActivateCurrentDevice(ctx context.Context) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return activateDevice{reply: id}
	}, nil)
	return err
}

// RegisterDevice gives the attached device a seat under friendlyName and
// provisions it. Unlike ActivateCurrentDevice it fails with
// ErrDeviceAlreadyRegistered for a device that already holds a seat.
func (c *Coordinator) RegisterDevice(ctx context.Context, friendlyName string) error {
	var name *string
	if friendlyName != "" {
		name = &friendlyName
	}
	_, err := c.call(ctx, func(id uint64) Event {
		return activateDevice{reply: id, friendlyName: name, register: true}
	}, nil)
	return err
}

// RequestLock locks the vault. Locking a locked vault is a no-op.
func (c *Coordinator) RequestLock(ctx context.Context) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return requestLock{reply: id}
	}, nil)
	return err
}

// DeregisterDevice frees the seat held by serial.
func (c *Coordinator) DeregisterDevice(ctx context.Context, serial string) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return deregisterDevice{reply: id, serial: serial}
	}, nil)
	return err
}

// RefreshLicense re-validates the attached device with the authority.
func (c *Coordinator) RefreshLicense(ctx context.Context) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return refreshLicense{reply: id}
	}, nil)
	return err
}

// AddEntry stores a new credential in the unlocked vault. secret is zeroed
// before AddEntry returns.
func (c *Coordinator) AddEntry(ctx context.Context, service, username string, secret []byte) (vault.PasswordEntry, error) {
	sec := make([]byte, len(secret))
	copy(sec, secret)
	vault.Wipe(secret)

	v, err := c.call(ctx, func(id uint64) Event {
		return addEntry{reply: id, service: service, username: username, secret: sec}
	}, func() { vault.Wipe(sec) })
	if err != nil {
		return vault.PasswordEntry{}, err
	}
	entry, _ := v.(vault.PasswordEntry)
	return entry, nil
}

// RevealEntry decrypts one secret. The caller owns the returned slice and
// should wipe it when done.
func (c *Coordinator) RevealEntry(ctx context.Context, id string) ([]byte, error) {
	v, err := c.call(ctx, func(reply uint64) Event {
		return revealEntry{reply: reply, id: id}
	}, nil)
	if err != nil {
		return nil, err
	}
	secret, _ := v.([]byte)
	return secret, nil
}

// SendEntry has the attached device type the secret of entry id.
func (c *Coordinator) SendEntry(ctx context.Context, id string) error {
	_, err := c.call(ctx, func(reply uint64) Event {
		return sendEntry{reply: reply, id: id}
	}, nil)
	return err
}

// ExportEntries returns the entry list of the unlocked vault, without secrets.
func (c *Coordinator) ExportEntries(ctx context.Context) ([]vault.PasswordEntry, error) {
	v, err := c.call(ctx, func(id uint64) Event {
		return exportEntries{reply: id}
	}, nil)
	if err != nil {
		return nil, err
	}
	entries, _ := v.([]vault.PasswordEntry)
	return entries, nil
}

// Backup returns the encrypted vault file as stored on disk.
func (c *Coordinator) Backup(ctx context.Context) ([]byte, error) {
	v, err := c.call(ctx, func(id uint64) Event {
		return backupVault{reply: id}
	}, nil)
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// InstallLicenseKey replaces the product key and re-validates the attached
// device under it.
func (c *Coordinator) InstallLicenseKey(ctx context.Context, key string) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return installLicenseKey{reply: id, key: key}
	}, nil)
	return err
}

// ConfirmRepair leaves the Fatal state once the vault has been restored.
func (c *Coordinator) ConfirmRepair(ctx context.Context) error {
	_, err := c.call(ctx, func(id uint64) Event {
		return confirmRepair{reply: id}
	}, nil)
	return err
}

// Snapshot returns the latest published snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	s, _ := c.broadcaster.Latest()
	return s
}

// Subscribe streams snapshots; see Broadcaster.Subscribe.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	return c.broadcaster.Subscribe()
}

// RegisteredDevices lists the seat holders from the latest license answer.
func (c *Coordinator) RegisteredDevices() []license.DeviceSummary {
	s := c.Snapshot()
	if s.License == nil {
		return []license.DeviceSummary{}
	}
	return s.License.Clone().RegisteredDevices
}

func unlockOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrWrongPassword):
		return "wrong_password"
	case apperrors.IsIntegrity(err):
		return "corrupt"
	default:
		return "error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
