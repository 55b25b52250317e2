package session

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"picopass/internal/device"
	apperrors "picopass/internal/errors"
	"picopass/internal/license"
	"picopass/internal/vault"
)

// Transition applies one event to m and returns the new model together with
// the effects the coordinator must carry out. It performs no I/O.
//
// Whatever the event, the result never violates: Unlocked implies an
// identified, activated device holding a seat on a valid license. A model
// that would is re-locked before Transition returns.
func Transition(m Model, ev Event) (Model, []Effect) {
	var effs []Effect

	switch e := ev.(type) {
	case presenceEvent:
		m, effs = onPresence(m, e)
	case licenseResult:
		m, effs = onLicense(m, e)
	case provisionResult:
		m, effs = onProvisioned(m, e)
	case unlockResult:
		m, effs = onUnlock(m, e)
	case entryAdded:
		m, effs = onEntryAdded(m, e)
	case tick:
		m, effs = onTick(m, e)
	case submitPassword:
		m, effs = onSubmitPassword(m, e)
	case activateDevice:
		m, effs = onActivate(m, e)
	case requestLock:
		m, effs = onRequestLock(m, e)
	case deregisterDevice:
		m, effs = onDeregister(m, e)
	case refreshLicense:
		m, effs = onRefresh(m, e)
	case addEntry:
		m, effs = onAddEntry(m, e)
	case revealEntry:
		m, effs = onReveal(m, e)
	case confirmRepair:
		m, effs = onConfirmRepair(m, e)
	case sendEntry:
		m, effs = onSend(m, e)
	case secretTyped:
		m, effs = onSecretTyped(m, e)
	case exportEntries:
		m, effs = onExport(m, e)
	case backupVault:
		m, effs = onBackup(m, e)
	case installLicenseKey:
		m, effs = onInstallKey(m, e)
	}

	return enforce(m, effs)
}

// settledState derives the locked-side state from the device and license
// facts alone.
func settledState(m Model) State {
	d := m.Device
	switch {
	case d == nil:
		return Locked
	case d.NeedsConfiguration:
		return AwaitingConfiguration
	case d.SerialNumber == nil:
		return AwaitingDevice
	case !d.IsActivated:
		return AwaitingConfiguration
	case m.License == nil || m.licenseFor != *d.SerialNumber:
		return AwaitingLicense
	case m.License.IsValid && m.License.HasDevice(*d.SerialNumber):
		return AwaitingUnlock
	case !m.License.HasDevice(*d.SerialNumber):
		return AwaitingConfiguration
	default:
		return AwaitingLicense
	}
}

// settle moves a locked-side, non-fatal model to its derived state.
func settle(m Model) Model {
	switch m.State {
	case Fatal, Unlocking, Unlocked:
		return m
	}
	m.State = settledState(m)
	return m
}

// holds reports whether m may stay Unlocked.
func holds(m Model) bool {
	d := m.Device
	if d == nil || d.SerialNumber == nil || !d.IsActivated || d.NeedsConfiguration {
		return false
	}
	l := m.License
	return l != nil &&
		m.licenseFor == *d.SerialNumber &&
		l.IsValid &&
		l.RemainingSeats >= 0 &&
		l.HasDevice(*d.SerialNumber)
}

func enforce(m Model, effs []Effect) (Model, []Effect) {
	if m.State != Unlocked || holds(m) {
		return m, effs
	}

	cause := apperrors.ErrDeviceRemoved
	switch {
	case m.Device != nil && m.License == nil && m.LicenseErr != nil:
		cause = m.LicenseErr
	case m.Device != nil:
		cause = apperrors.ErrAuthorityRejected
	}

	m.State = Degraded
	m, eff := relock(m, "invariant broken")
	m.LastErr = fmt.Errorf("session re-locked: %w", cause)
	return m, append(effs, eff)
}

// relock drops the session and returns the lock effect. The caller has
// already decided the vault must close.
func relock(m Model, reason string) (Model, Effect) {
	degraded := m.State == Degraded
	m.session = nil
	m.Entries = nil
	m.pendingUnlock = 0
	m.State = settledState(m)
	return m, lockEffect{reason: reason, degraded: degraded}
}

func reply(id uint64, err error) Effect {
	return replyEffect{reply: id, err: err}
}

func rejectf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, apperrors.ErrInvalidStateForOperation)...)
}

func (m *Model) validate(replyID uint64) Effect {
	m.validating++
	return validateEffect{
		opID:       m.nextOp(),
		reply:      replyID,
		generation: m.generation(),
		serial:     m.serial(),
	}
}

func (m *Model) applyLicense(info license.Info, serial string) {
	i := info.Clone()
	m.License = &i
	m.licenseFor = serial
	m.LicenseErr = nil
	if m.Device != nil {
		d := m.Device.Clone()
		d.IsRegistered = d.SerialNumber != nil && i.HasDevice(*d.SerialNumber)
		m.Device = &d
	}
}

// --- device presence ---

func onPresence(m Model, e presenceEvent) (Model, []Effect) {
	var effs []Effect

	switch e.Kind {
	case device.Connecting:
		if m.Device != nil && m.Device.Generation != e.Generation {
			m, effs = onRemoved(m, m.Device.Generation)
		}
		d := e.Device.Clone()
		m.Device = &d
		return settle(m), effs

	case device.Attached, device.Updated:
		if m.Device == nil || m.Device.Generation != e.Generation {
			return m, nil
		}
		prevSerial := m.serial()
		d := e.Device.Clone()
		// Activation is never revoked within a connection.
		d.IsActivated = d.IsActivated || m.Device.IsActivated
		d.IsRegistered = m.License != nil && d.SerialNumber != nil && m.License.HasDevice(*d.SerialNumber)
		m.Device = &d

		if d.SerialNumber != nil && (e.Kind == device.Attached || d.Serial() != prevSerial) {
			effs = append(effs, m.validate(0))
		}
		return settle(m), effs

	case device.Removed:
		return onRemoved(m, e.Generation)
	}
	return m, nil
}

func onRemoved(m Model, gen uint64) (Model, []Effect) {
	if m.Device == nil || m.Device.Generation != gen {
		return m, nil
	}
	m.Device = nil
	m.pendingActivation = 0

	switch m.State {
	case Unlocked:
		var eff Effect
		m.State = Degraded
		m, eff = relock(m, "device removed")
		m.LastErr = fmt.Errorf("session re-locked: %w", apperrors.ErrDeviceRemoved)
		return m, []Effect{eff}
	case Unlocking:
		m.pendingUnlock = 0
		m.State = settledState(m)
		return m, nil
	}
	return settle(m), nil
}

// --- license ---

func onLicense(m Model, r licenseResult) (Model, []Effect) {
	switch r.op {
	case opValidate:
		if m.validating > 0 {
			m.validating--
		}
		if r.generation != m.generation() || r.serial != m.serial() {
			return m, staleReply(r.reply, "license answer")
		}
		if apperrors.IsIntegrity(r.err) {
			return licenseCorrupt(m, r.reply, r.err)
		}
		if r.err != nil {
			m = licenseFailed(m, r.err)
			return settle(m), []Effect{reply(r.reply, r.err)}
		}
		m.applyLicense(r.info, r.serial)
		// The ledger is the record of provisioning: a seat holder has been
		// given its activation key.
		if m.Device != nil && !m.Device.IsActivated && r.info.HasDevice(r.serial) {
			d := m.Device.Clone()
			d.IsActivated = true
			m.Device = &d
		}
		return settle(m), []Effect{reply(r.reply, nil)}

	case opActivate:
		if r.opID != m.pendingActivation || r.generation != m.generation() {
			return m, staleReply(r.reply, "activation result")
		}
		if r.err != nil {
			m.pendingActivation = 0
			if apperrors.IsIntegrity(r.err) {
				return licenseCorrupt(m, r.reply, r.err)
			}
			m.LastErr = r.err
			return m, []Effect{reply(r.reply, r.err)}
		}
		m.applyLicense(r.info, r.serial)
		eff := provisionEffect{
			opID:          r.opID,
			reply:         r.reply,
			generation:    r.generation,
			activationKey: license.ActivationKey(r.serial, m.Device.BoardType),
		}
		return settle(m), []Effect{eff}

	case opDeregister:
		if r.opID == m.pendingSeatChange {
			m.pendingSeatChange = 0
		}
		if apperrors.IsIntegrity(r.err) {
			return licenseCorrupt(m, r.reply, r.err)
		}
		if r.err != nil {
			m.LastErr = r.err
			return m, []Effect{reply(r.reply, r.err)}
		}
		m.LastErr = nil
		effs := []Effect{reply(r.reply, nil)}
		// The answer describes the license as seen from r.serial. Another
		// device's view is fetched fresh.
		if s := m.serial(); s == "" || s == r.serial {
			m.applyLicense(r.info, r.serial)
		} else {
			effs = append(effs, m.validate(0))
		}
		return settle(m), effs

	case opInstallKey:
		if r.opID == m.pendingSeatChange {
			m.pendingSeatChange = 0
		}
		if apperrors.IsIntegrity(r.err) {
			return licenseCorrupt(m, r.reply, r.err)
		}
		if r.err != nil {
			m.LastErr = r.err
			return m, []Effect{reply(r.reply, r.err)}
		}
		m.LastErr = nil
		effs := []Effect{reply(r.reply, nil)}
		if m.serial() != "" {
			effs = append(effs, m.validate(0))
		}
		return settle(m), effs
	}
	return m, nil
}

// licenseCorrupt handles an authority answer that cannot be trusted. The
// license is dropped, an open vault is closed and the session stays Fatal
// until the user confirms repair.
func licenseCorrupt(m Model, replyID uint64, err error) (Model, []Effect) {
	var effs []Effect
	switch m.State {
	case Unlocked:
		var eff Effect
		m.State = Degraded
		m, eff = relock(m, "license answer malformed")
		effs = append(effs, eff)
	case Unlocking:
		// The pending result will arrive stale and be wiped.
		m.pendingUnlock = 0
	}
	m = dropLicense(m, err)
	m.State = Fatal
	m.LastErr = err
	return m, append(effs, reply(replyID, err))
}

// licenseFailed records a failed validate. Only a policy answer revokes the
// license; an unreachable authority or an unclassified failure leaves the
// previous answer in force.
func licenseFailed(m Model, err error) Model {
	if apperrors.KindOf(err) != apperrors.KindPolicy {
		m.LicenseErr = err
		return m
	}
	return dropLicense(m, err)
}

func dropLicense(m Model, err error) Model {
	m.LicenseErr = err
	m.License = nil
	m.licenseFor = ""
	if m.Device != nil {
		d := m.Device.Clone()
		d.IsRegistered = false
		m.Device = &d
	}
	return m
}

func onProvisioned(m Model, r provisionResult) (Model, []Effect) {
	if r.opID != m.pendingActivation || r.generation != m.generation() {
		return m, staleReply(r.reply, "provisioning result")
	}
	m.pendingActivation = 0
	if r.err != nil {
		m.LastErr = r.err
		return m, []Effect{reply(r.reply, r.err)}
	}

	d := m.Device.Clone()
	d.IsActivated = true
	m.Device = &d
	m.LastErr = nil
	return settle(m), []Effect{reply(r.reply, nil)}
}

func staleReply(id uint64, what string) []Effect {
	if id == 0 {
		return nil
	}
	return []Effect{reply(id, fmt.Errorf("%s discarded: %w", what, apperrors.ErrDeviceRemoved))}
}

func onTick(m Model, t tick) (Model, []Effect) {
	var effs []Effect
	if m.License != nil && m.License.Expired(t.at) {
		m = licenseFailed(m, fmt.Errorf("license expired: %w", apperrors.ErrAuthorityRejected))
	}
	if m.serial() != "" && m.validating == 0 {
		effs = append(effs, m.validate(0))
	}
	return settle(m), effs
}

// --- vault ---

func onSubmitPassword(m Model, c submitPassword) (Model, []Effect) {
	var err error
	switch {
	case m.State == Fatal:
		err = rejectf("vault needs repair")
	case m.State == Unlocked:
		err = rejectf("already unlocked")
	case m.State == Unlocking || m.unlocksInFlight > 0:
		err = rejectf("unlock in progress")
	case m.pendingActivation != 0 || m.pendingSeatChange != 0:
		err = rejectf("license change in progress")
	case m.State != AwaitingUnlock:
		err = rejectf("cannot unlock while %s", m.State)
	case c.at.Before(m.LockedUntil):
		err = &apperrors.LockoutError{RetryAfterSeconds: int(math.Ceil(m.LockedUntil.Sub(c.at).Seconds()))}
	}
	if err != nil {
		m.LastErr = err
		return m, []Effect{reply(c.reply, err)}
	}

	op := m.nextOp()
	m.pendingUnlock = op
	m.unlocksInFlight++
	m.State = Unlocking
	return m, []Effect{unlockEffect{
		opID:       op,
		reply:      c.reply,
		generation: m.generation(),
		password:   c.password,
	}}
}

func onUnlock(m Model, r unlockResult) (Model, []Effect) {
	if m.unlocksInFlight > 0 {
		m.unlocksInFlight--
	}
	if r.opID != m.pendingUnlock || m.State != Unlocking || r.generation != m.generation() {
		var effs []Effect
		if r.session != nil {
			effs = append(effs, lockEffect{reason: "stale unlock result"})
		}
		if r.reply != 0 {
			cause := apperrors.ErrInvalidStateForOperation
			if r.generation != m.generation() {
				cause = apperrors.ErrDeviceRemoved
			}
			effs = append(effs, reply(r.reply, fmt.Errorf("unlock result discarded: %w", cause)))
		}
		return m, effs
	}
	m.pendingUnlock = 0

	switch {
	case r.err == nil:
		m.session = r.session
		m.Entries = r.entries
		m.State = Unlocked
		m.Failures = 0
		m.LockedUntil = time.Time{}
		m.LastErr = nil
		return m, []Effect{reply(r.reply, nil)}

	case errors.Is(r.err, apperrors.ErrWrongPassword):
		m.Failures++
		if delay := lockoutDelay(m.Policy, m.Failures); delay > 0 {
			m.LockedUntil = r.at.Add(delay)
		}
		m.State = settledState(m)

	case apperrors.IsIntegrity(r.err):
		m.State = Fatal

	default:
		m.State = settledState(m)
	}

	m.LastErr = r.err
	return m, []Effect{reply(r.reply, r.err)}
}

// lockoutDelay is LockoutBase * 2^(failures-MaxUnlockAttempts), capped at
// LockoutMax, once failures reach MaxUnlockAttempts.
func lockoutDelay(p Policy, failures int) time.Duration {
	if p.MaxUnlockAttempts <= 0 || failures < p.MaxUnlockAttempts || p.LockoutBase <= 0 {
		return 0
	}
	delay := p.LockoutBase
	for i := p.MaxUnlockAttempts; i < failures; i++ {
		delay *= 2
		if p.LockoutMax > 0 && delay >= p.LockoutMax {
			return p.LockoutMax
		}
	}
	if p.LockoutMax > 0 && delay > p.LockoutMax {
		return p.LockoutMax
	}
	return delay
}

func onRequestLock(m Model, c requestLock) (Model, []Effect) {
	switch m.State {
	case Unlocked:
		var eff Effect
		m, eff = relock(m, "requested")
		m.LastErr = nil
		return m, []Effect{eff, reply(c.reply, nil)}
	case Unlocking:
		// The pending result will arrive stale and be wiped.
		m.pendingUnlock = 0
		m.State = settledState(m)
	}
	return m, []Effect{reply(c.reply, nil)}
}

func onAddEntry(m Model, c addEntry) (Model, []Effect) {
	if m.State != Unlocked || m.session == nil {
		err := rejectf("vault is locked")
		return m, []Effect{reply(c.reply, err)}
	}
	return m, []Effect{addEntryEffect{
		reply:    c.reply,
		session:  m.session,
		service:  c.service,
		username: c.username,
		secret:   c.secret,
	}}
}

func onEntryAdded(m Model, e entryAdded) (Model, []Effect) {
	if e.session == nil || e.session != m.session {
		return m, []Effect{reply(e.reply, rejectf("vault locked before entry was saved"))}
	}
	if e.err != nil {
		m.LastErr = e.err
		return m, []Effect{reply(e.reply, e.err)}
	}
	entries := make([]vault.PasswordEntry, len(m.Entries), len(m.Entries)+1)
	copy(entries, m.Entries)
	m.Entries = append(entries, e.entry)
	return m, []Effect{replyEffect{reply: e.reply, value: e.entry}}
}

func onReveal(m Model, c revealEntry) (Model, []Effect) {
	if m.State != Unlocked || m.session == nil {
		return m, []Effect{reply(c.reply, rejectf("vault is locked"))}
	}
	return m, []Effect{revealEffect{reply: c.reply, session: m.session, id: c.id}}
}

func onSend(m Model, c sendEntry) (Model, []Effect) {
	if m.State != Unlocked || m.session == nil {
		return m, []Effect{reply(c.reply, rejectf("vault is locked"))}
	}
	return m, []Effect{typeEffect{
		reply:         c.reply,
		session:       m.session,
		id:            c.id,
		generation:    m.generation(),
		activationKey: license.ActivationKey(m.serial(), m.Device.BoardType),
	}}
}

func onSecretTyped(m Model, e secretTyped) (Model, []Effect) {
	if e.err != nil {
		m.LastErr = e.err
	}
	return m, []Effect{reply(e.reply, e.err)}
}

func onExport(m Model, c exportEntries) (Model, []Effect) {
	if m.State != Unlocked || m.session == nil {
		return m, []Effect{reply(c.reply, rejectf("vault is locked"))}
	}
	entries := make([]vault.PasswordEntry, len(m.Entries))
	copy(entries, m.Entries)
	return m, []Effect{replyEffect{reply: c.reply, value: entries}}
}

func onBackup(m Model, c backupVault) (Model, []Effect) {
	if m.State != Unlocked || m.session == nil {
		return m, []Effect{reply(c.reply, rejectf("vault is locked"))}
	}
	return m, []Effect{backupEffect{reply: c.reply, session: m.session}}
}

func onConfirmRepair(m Model, c confirmRepair) (Model, []Effect) {
	if m.State != Fatal {
		return m, []Effect{reply(c.reply, rejectf("nothing to repair while %s", m.State))}
	}
	m.State = settledState(m)
	m.Failures = 0
	m.LockedUntil = time.Time{}
	m.LastErr = nil
	effs := []Effect{reply(c.reply, nil)}
	if m.serial() != "" && m.validating == 0 {
		effs = append(effs, m.validate(0))
	}
	return m, effs
}

// --- license commands ---

func onActivate(m Model, c activateDevice) (Model, []Effect) {
	var err error
	switch {
	case m.State == Unlocked || m.State == Unlocking:
		err = rejectf("cannot change seats while the vault is open")
	case m.State == Fatal:
		err = rejectf("vault needs repair")
	case m.Device == nil:
		err = fmt.Errorf("activate: %w", apperrors.ErrDeviceNotPresent)
	case m.Device.SerialNumber == nil:
		err = rejectf("device has not identified itself")
	case m.pendingActivation != 0:
		err = rejectf("activation in progress")
	case m.pendingSeatChange != 0:
		err = rejectf("license change in progress")
	}
	if err != nil {
		m.LastErr = err
		return m, []Effect{reply(c.reply, err)}
	}

	op := m.nextOp()
	m.pendingActivation = op
	return m, []Effect{activateEffect{
		opID:         op,
		reply:        c.reply,
		generation:   m.generation(),
		serial:       m.serial(),
		boardType:    m.Device.BoardType,
		friendlyName: c.friendlyName,
		register:     c.register,
	}}
}

func onDeregister(m Model, c deregisterDevice) (Model, []Effect) {
	var err error
	switch {
	case m.State == Unlocked || m.State == Unlocking:
		err = rejectf("cannot change seats while the vault is open")
	case m.State == Fatal:
		err = rejectf("vault needs repair")
	case m.pendingActivation != 0 || m.pendingSeatChange != 0:
		err = rejectf("license change in progress")
	case c.serial == "":
		err = fmt.Errorf("deregister: empty serial: %w", apperrors.ErrDeviceNotRegistered)
	}
	if err != nil {
		m.LastErr = err
		return m, []Effect{reply(c.reply, err)}
	}
	op := m.nextOp()
	m.pendingSeatChange = op
	return m, []Effect{deregisterEffect{
		opID:       op,
		reply:      c.reply,
		generation: m.generation(),
		serial:     c.serial,
	}}
}

func onRefresh(m Model, c refreshLicense) (Model, []Effect) {
	if m.serial() == "" {
		return m, []Effect{reply(c.reply, fmt.Errorf("refresh: %w", apperrors.ErrDeviceNotPresent))}
	}
	return m, []Effect{m.validate(c.reply)}
}

func onInstallKey(m Model, c installLicenseKey) (Model, []Effect) {
	var err error
	switch {
	case m.State == Unlocked || m.State == Unlocking:
		err = rejectf("cannot change the license while the vault is open")
	case m.State == Fatal:
		err = rejectf("vault needs repair")
	case m.pendingActivation != 0 || m.pendingSeatChange != 0:
		err = rejectf("license change in progress")
	case strings.TrimSpace(c.key) == "":
		err = fmt.Errorf("empty license key: %w", apperrors.ErrAuthorityRejected)
	}
	if err != nil {
		m.LastErr = err
		return m, []Effect{reply(c.reply, err)}
	}
	op := m.nextOp()
	m.pendingSeatChange = op
	return m, []Effect{installKeyEffect{opID: op, reply: c.reply, key: c.key}}
}
