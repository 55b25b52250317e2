package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picopass/internal/device"
	apperrors "picopass/internal/errors"
	"picopass/internal/license"
	"picopass/internal/vault"
)

const testSerial = "E6614C311B7A2F21"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDevice(gen uint64, serial string, activated bool) device.CurrentDevice {
	d := device.CurrentDevice{
		Port:        "/dev/ttyACM0",
		BoardType:   device.DefaultBoardType,
		Name:        "PicoPass Hardware",
		IsActivated: activated,
		VendorID:    0x2e8a,
		ProductID:   0x000a,
		LastSeen:    epoch,
		Generation:  gen,
	}
	if serial != "" {
		d.SerialNumber = &serial
	}
	return d
}

func connecting(gen uint64) presenceEvent {
	return presenceEvent{device.PresenceEvent{Kind: device.Connecting, Generation: gen, Device: testDevice(gen, "", false), At: epoch}}
}

func attached(gen uint64, serial string, activated bool) presenceEvent {
	return presenceEvent{device.PresenceEvent{Kind: device.Attached, Generation: gen, Device: testDevice(gen, serial, activated), At: epoch}}
}

func removed(gen uint64) presenceEvent {
	return presenceEvent{device.PresenceEvent{Kind: device.Removed, Generation: gen, At: epoch}}
}

func seatInfo(t *testing.T, valid bool, serials ...string) license.Info {
	t.Helper()
	devices := make([]license.DeviceSummary, len(serials))
	for i, s := range serials {
		devices[i] = license.DeviceSummary{SerialNumber: s, BoardType: device.DefaultBoardType, ActivatedAt: epoch}
	}
	info, err := license.NewInfo(license.TierMulti, 3, len(serials), devices, valid, nil)
	require.NoError(t, err)
	return info
}

func effectOf[T Effect](t *testing.T, effs []Effect) T {
	t.Helper()
	for _, e := range effs {
		if v, ok := e.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T among %d effects", zero, len(effs))
	return zero
}

func hasEffect[T Effect](effs []Effect) bool {
	for _, e := range effs {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func replyErr(t *testing.T, effs []Effect, id uint64) error {
	t.Helper()
	for _, e := range effs {
		if r, ok := e.(replyEffect); ok && r.reply == id {
			return r.err
		}
	}
	t.Fatalf("no reply for %d", id)
	return nil
}

// awaitingUnlock drives a fresh model to AwaitingUnlock for testSerial on
// generation 1.
func awaitingUnlock(t *testing.T, p Policy) Model {
	t.Helper()
	m, _ := Transition(NewModel(p), connecting(1))
	m, effs := Transition(m, attached(1, testSerial, true))
	v := effectOf[validateEffect](t, effs)
	m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	require.Equal(t, AwaitingUnlock, m.State)
	return m
}

func unlocked(t *testing.T) Model {
	t.Helper()
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, submitPassword{reply: 1, password: []byte("pw"), at: epoch})
	u := effectOf[unlockEffect](t, effs)
	m, _ = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: u.generation, session: &vault.Session{}, entries: []vault.PasswordEntry{{ID: "a", Service: "github.com"}}, at: epoch})
	require.Equal(t, Unlocked, m.State)
	return m
}

func TestAttachValidatesAndSettles(t *testing.T) {
	m := NewModel(Policy{})
	assert.Equal(t, Locked, m.State)

	m, effs := Transition(m, connecting(1))
	assert.Equal(t, AwaitingDevice, m.State)
	assert.Empty(t, effs)

	m, effs = Transition(m, attached(1, testSerial, true))
	assert.Equal(t, AwaitingLicense, m.State)
	v := effectOf[validateEffect](t, effs)
	assert.Equal(t, testSerial, v.serial)
	assert.Equal(t, uint64(1), v.generation)

	m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.True(t, m.Device.IsRegistered)
	assert.Nil(t, m.LicenseErr)
}

func TestSettledStates(t *testing.T) {
	tests := []struct {
		name      string
		activated bool
		info      license.Info
		want      State
	}{
		{"not activated", false, seatInfo(t, true, "OTHER"), AwaitingConfiguration},
		{"seat holder counts as activated", false, seatInfo(t, true, testSerial), AwaitingUnlock},
		{"no seat", true, seatInfo(t, true, "OTHER"), AwaitingConfiguration},
		{"invalid license", true, seatInfo(t, false, testSerial), AwaitingLicense},
		{"all good", true, seatInfo(t, true, testSerial), AwaitingUnlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := Transition(NewModel(Policy{}), connecting(1))
			m, effs := Transition(m, attached(1, testSerial, tt.activated))
			v := effectOf[validateEffect](t, effs)
			m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: tt.info})
			assert.Equal(t, tt.want, m.State)
		})
	}
}

func TestUnidentifiedDeviceNeedsConfiguration(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	d := testDevice(1, "", false)
	d.NeedsConfiguration = true
	m, effs := Transition(m, presenceEvent{device.PresenceEvent{Kind: device.Attached, Generation: 1, Device: d}})
	assert.Equal(t, AwaitingConfiguration, m.State)
	assert.Empty(t, effs, "nothing to validate without a serial")
}

func TestUnlockSucceeds(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, submitPassword{reply: 7, password: []byte("pw"), at: epoch})
	assert.Equal(t, Unlocking, m.State)
	u := effectOf[unlockEffect](t, effs)
	assert.Equal(t, []byte("pw"), u.password)

	m, effs = Transition(m, unlockResult{opID: u.opID, reply: 7, generation: 1, session: &vault.Session{}, at: epoch})
	assert.Equal(t, Unlocked, m.State)
	assert.NoError(t, replyErr(t, effs, 7))
	assert.False(t, hasEffect[lockEffect](effs))
}

func TestSubmitPasswordRejectedOutsideAwaitingUnlock(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, effs := Transition(m, submitPassword{reply: 3, password: []byte("pw"), at: epoch})
	assert.Equal(t, AwaitingDevice, m.State)
	assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrInvalidStateForOperation)
	assert.False(t, hasEffect[unlockEffect](effs))
}

func TestRemovalWhileUnlockedRelocks(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, removed(1))

	assert.Equal(t, Locked, m.State)
	l := effectOf[lockEffect](t, effs)
	assert.True(t, l.degraded)
	assert.Nil(t, m.session)
	assert.Empty(t, m.Entries)
	assert.ErrorIs(t, m.LastErr, apperrors.ErrDeviceRemoved)
}

func TestRemovalOfOldGenerationIsIgnored(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, removed(0))
	assert.Equal(t, Unlocked, m.State)
	assert.Empty(t, effs)
}

func TestLicenseRejectionWhileUnlockedRelocks(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, tick{at: epoch})
	v := effectOf[validateEffect](t, effs)

	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, err: apperrors.ErrAuthorityRejected})
	assert.Equal(t, AwaitingLicense, m.State)
	assert.True(t, effectOf[lockEffect](t, effs).degraded)
	assert.Nil(t, m.License)
	assert.ErrorIs(t, m.LicenseErr, apperrors.ErrAuthorityRejected)
	assert.ErrorIs(t, m.LastErr, apperrors.ErrAuthorityRejected)
}

func TestSeatLossWhileUnlockedRelocks(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, refreshLicense{reply: 4})
	v := effectOf[validateEffect](t, effs)
	assert.Equal(t, uint64(4), v.reply)

	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, reply: 4, generation: 1, serial: testSerial, info: seatInfo(t, true, "OTHER")})
	assert.Equal(t, AwaitingConfiguration, m.State)
	assert.True(t, hasEffect[lockEffect](effs))
	assert.NoError(t, replyErr(t, effs, 4))
}

func TestTransientLicenseFailureKeepsSession(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, tick{at: epoch})
	v := effectOf[validateEffect](t, effs)

	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, err: apperrors.ErrAuthorityUnreachable})
	assert.Equal(t, Unlocked, m.State)
	assert.False(t, hasEffect[lockEffect](effs))
	require.NotNil(t, m.License)
	assert.ErrorIs(t, m.LicenseErr, apperrors.ErrAuthorityUnreachable)
}

func TestStaleLicenseResultIsDiscarded(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, effs := Transition(m, attached(1, testSerial, true))
	v := effectOf[validateEffect](t, effs)

	m, _ = Transition(m, removed(1))
	m, _ = Transition(m, connecting(2))
	m, _ = Transition(m, attached(2, "F00DF00DF00DF00D", true))

	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, reply: 9, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	assert.Equal(t, AwaitingLicense, m.State)
	assert.Nil(t, m.License)
	assert.ErrorIs(t, replyErr(t, effs, 9), apperrors.ErrDeviceRemoved)
}

func TestStaleUnlockResultIsLocked(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, submitPassword{reply: 1, password: []byte("pw"), at: epoch})
	u := effectOf[unlockEffect](t, effs)

	m, _ = Transition(m, removed(1))
	assert.Equal(t, Locked, m.State)
	m, _ = Transition(m, connecting(2))

	m, effs = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: 1, session: &vault.Session{}, at: epoch})
	assert.NotEqual(t, Unlocked, m.State)
	assert.Nil(t, m.session)
	l := effectOf[lockEffect](t, effs)
	assert.False(t, l.degraded)
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrDeviceRemoved)
}

func TestLockDuringUnlockDiscardsResult(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, submitPassword{reply: 1, password: []byte("pw"), at: epoch})
	u := effectOf[unlockEffect](t, effs)

	m, effs = Transition(m, requestLock{reply: 2})
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.NoError(t, replyErr(t, effs, 2))

	m, effs = Transition(m, submitPassword{reply: 3, password: []byte("pw"), at: epoch})
	assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrInvalidStateForOperation, "only one derivation at a time")

	m, effs = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: 1, session: &vault.Session{}, at: epoch})
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.True(t, hasEffect[lockEffect](effs))
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrInvalidStateForOperation)

	_, effs = Transition(m, submitPassword{reply: 4, password: []byte("pw"), at: epoch})
	assert.True(t, hasEffect[unlockEffect](effs))
}

func TestRequestLockIsIdempotent(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, requestLock{reply: 1})
	assert.Equal(t, AwaitingUnlock, m.State)
	l := effectOf[lockEffect](t, effs)
	assert.False(t, l.degraded)

	m, effs = Transition(m, requestLock{reply: 2})
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.False(t, hasEffect[lockEffect](effs))
	assert.NoError(t, replyErr(t, effs, 2))
}

func TestWrongPasswordLockout(t *testing.T) {
	p := Policy{MaxUnlockAttempts: 2, LockoutBase: 10 * time.Second, LockoutMax: time.Minute}
	m := awaitingUnlock(t, p)

	fail := func(m Model, at time.Time) Model {
		m, effs := Transition(m, submitPassword{reply: 1, password: []byte("nope"), at: at})
		u := effectOf[unlockEffect](t, effs)
		m, effs = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: 1, err: apperrors.ErrWrongPassword, at: at})
		assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrWrongPassword)
		return m
	}

	m = fail(m, epoch)
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.True(t, m.LockedUntil.IsZero())

	m = fail(m, epoch)
	assert.Equal(t, 2, m.Failures)
	assert.Equal(t, epoch.Add(10*time.Second), m.LockedUntil)

	m, effs := Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch.Add(3 * time.Second)})
	err := replyErr(t, effs, 2)
	var lockout *apperrors.LockoutError
	require.True(t, errors.As(err, &lockout))
	assert.Equal(t, 7, lockout.RetryAfterSeconds)
	assert.ErrorIs(t, err, apperrors.ErrLockedOut)
	assert.False(t, hasEffect[unlockEffect](effs))

	m = fail(m, epoch.Add(10*time.Second))
	assert.Equal(t, epoch.Add(30*time.Second), m.LockedUntil)

	m, effs = Transition(m, submitPassword{reply: 3, password: []byte("pw"), at: epoch.Add(30 * time.Second)})
	u := effectOf[unlockEffect](t, effs)
	m, _ = Transition(m, unlockResult{opID: u.opID, reply: 3, generation: 1, session: &vault.Session{}, at: epoch.Add(30 * time.Second)})
	assert.Equal(t, Unlocked, m.State)
	assert.Zero(t, m.Failures)
	assert.True(t, m.LockedUntil.IsZero())
}

func TestLockoutDelay(t *testing.T) {
	p := Policy{MaxUnlockAttempts: 3, LockoutBase: 5 * time.Second, LockoutMax: 30 * time.Second}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, 5 * time.Second},
		{4, 10 * time.Second},
		{5, 20 * time.Second},
		{6, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lockoutDelay(p, tt.failures), "failures=%d", tt.failures)
	}
	assert.Zero(t, lockoutDelay(Policy{}, 100), "lockout disabled")
}

func TestCorruptVaultIsFatal(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, submitPassword{reply: 1, password: []byte("pw"), at: epoch})
	u := effectOf[unlockEffect](t, effs)

	m, _ = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: 1, err: apperrors.ErrVaultCorrupt, at: epoch})
	assert.Equal(t, Fatal, m.State)

	m, effs = Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch})
	assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrInvalidStateForOperation)

	m, _ = Transition(m, removed(1))
	assert.Equal(t, Fatal, m.State, "only repair leaves fatal")

	m, effs = Transition(m, confirmRepair{reply: 3})
	assert.NoError(t, replyErr(t, effs, 3))
	assert.Equal(t, Locked, m.State)

	_, effs = Transition(m, confirmRepair{reply: 4})
	assert.ErrorIs(t, replyErr(t, effs, 4), apperrors.ErrInvalidStateForOperation)
}

func TestActivationProvisionsDevice(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, effs := Transition(m, attached(1, testSerial, false))
	v := effectOf[validateEffect](t, effs)
	m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: seatInfo(t, true)})
	require.Equal(t, AwaitingConfiguration, m.State)

	name := "desk key"
	m, effs = Transition(m, activateDevice{reply: 5, friendlyName: &name, register: true})
	a := effectOf[activateEffect](t, effs)
	assert.Equal(t, testSerial, a.serial)
	assert.Equal(t, device.DefaultBoardType, a.boardType)
	assert.Equal(t, &name, a.friendlyName)
	assert.True(t, a.register)

	m, effs = Transition(m, activateDevice{reply: 6})
	assert.ErrorIs(t, replyErr(t, effs, 6), apperrors.ErrInvalidStateForOperation, "one activation at a time")

	m, effs = Transition(m, licenseResult{op: opActivate, opID: a.opID, reply: 5, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	pr := effectOf[provisionEffect](t, effs)
	assert.Equal(t, license.ActivationKey(testSerial, device.DefaultBoardType), pr.activationKey)
	assert.Equal(t, AwaitingConfiguration, m.State, "not activated until provisioned")

	m, effs = Transition(m, provisionResult{opID: pr.opID, reply: 5, generation: 1})
	assert.NoError(t, replyErr(t, effs, 5))
	assert.Equal(t, AwaitingUnlock, m.State)
	assert.True(t, m.Device.IsActivated)
	assert.True(t, m.Device.IsRegistered)

	// A heartbeat that still reports the old flag does not undo activation.
	m, _ = Transition(m, presenceEvent{device.PresenceEvent{Kind: device.Updated, Generation: 1, Device: testDevice(1, testSerial, false)}})
	assert.Equal(t, AwaitingUnlock, m.State)
}

func TestActivationFailureIsSurfaced(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, _ = Transition(m, attached(1, testSerial, false))

	m, effs := Transition(m, activateDevice{reply: 1})
	a := effectOf[activateEffect](t, effs)
	assert.Equal(t, AwaitingConfiguration, m.State)
	m, effs = Transition(m, licenseResult{op: opActivate, opID: a.opID, reply: 1, generation: 1, serial: testSerial, err: apperrors.ErrSeatsExhausted})
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrSeatsExhausted)
	assert.Equal(t, AwaitingConfiguration, m.State)
	assert.ErrorIs(t, m.LastErr, apperrors.ErrSeatsExhausted)

	_, effs = Transition(m, activateDevice{reply: 2})
	assert.True(t, hasEffect[activateEffect](effs), "a failed activation can be retried")
}

func TestActivationResultAfterRemovalIsDiscarded(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, _ = Transition(m, attached(1, testSerial, false))

	m, effs := Transition(m, activateDevice{reply: 1})
	a := effectOf[activateEffect](t, effs)
	m, _ = Transition(m, removed(1))

	m, effs = Transition(m, licenseResult{op: opActivate, opID: a.opID, reply: 1, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	assert.Equal(t, Locked, m.State)
	assert.Nil(t, m.License)
	assert.False(t, hasEffect[provisionEffect](effs))
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrDeviceRemoved)
}

func TestActivationRejectedWhileUnlocked(t *testing.T) {
	m := unlocked(t)
	_, effs := Transition(m, activateDevice{reply: 1})
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrInvalidStateForOperation)

	_, effs = Transition(NewModel(Policy{}), activateDevice{reply: 2})
	assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrDeviceNotPresent)
}

func TestDeregisterOtherDeviceRevalidates(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, deregisterDevice{reply: 1, serial: "OTHER"})
	d := effectOf[deregisterEffect](t, effs)
	assert.Equal(t, "OTHER", d.serial)

	m, effs = Transition(m, licenseResult{op: opDeregister, opID: d.opID, reply: 1, generation: 1, serial: "OTHER", info: seatInfo(t, false, testSerial)})
	assert.NoError(t, replyErr(t, effs, 1))
	assert.Equal(t, AwaitingUnlock, m.State, "answer was about another device")
	require.NotNil(t, m.License)
	assert.True(t, m.License.IsValid, "current device keeps its own answer")
	v := effectOf[validateEffect](t, effs)
	assert.Equal(t, testSerial, v.serial)

	m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	assert.Equal(t, AwaitingUnlock, m.State)
}

func TestDeregisterCurrentDevice(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m, effs := Transition(m, deregisterDevice{reply: 1, serial: testSerial})
	d := effectOf[deregisterEffect](t, effs)

	m, effs = Transition(m, licenseResult{op: opDeregister, opID: d.opID, reply: 1, generation: 1, serial: testSerial, info: seatInfo(t, false)})
	assert.NoError(t, replyErr(t, effs, 1))
	assert.Equal(t, AwaitingConfiguration, m.State)
	assert.False(t, m.Device.IsRegistered)
	assert.False(t, hasEffect[validateEffect](effs))
}

func TestLicenseChangeBlocksUnlock(t *testing.T) {
	t.Run("deregistration in flight", func(t *testing.T) {
		m := awaitingUnlock(t, Policy{})
		m, effs := Transition(m, deregisterDevice{reply: 1, serial: "OTHER"})
		d := effectOf[deregisterEffect](t, effs)

		m, effs = Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch})
		assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrInvalidStateForOperation)
		assert.False(t, hasEffect[unlockEffect](effs))
		assert.Equal(t, AwaitingUnlock, m.State)

		m, effs = Transition(m, deregisterDevice{reply: 3, serial: "THIRD"})
		assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrInvalidStateForOperation, "one seat change at a time")
		m, effs = Transition(m, activateDevice{reply: 4})
		assert.ErrorIs(t, replyErr(t, effs, 4), apperrors.ErrInvalidStateForOperation)

		m, _ = Transition(m, licenseResult{op: opDeregister, opID: d.opID, reply: 1, generation: 1, serial: "OTHER", info: seatInfo(t, true, testSerial)})
		_, effs = Transition(m, submitPassword{reply: 5, password: []byte("pw"), at: epoch})
		assert.True(t, hasEffect[unlockEffect](effs))
	})

	t.Run("failed deregistration releases the session", func(t *testing.T) {
		m := awaitingUnlock(t, Policy{})
		m, effs := Transition(m, deregisterDevice{reply: 1, serial: "OTHER"})
		d := effectOf[deregisterEffect](t, effs)

		m, effs = Transition(m, licenseResult{op: opDeregister, opID: d.opID, reply: 1, serial: "OTHER", err: apperrors.ErrDeviceNotRegistered})
		assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrDeviceNotRegistered)
		_, effs = Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch})
		assert.True(t, hasEffect[unlockEffect](effs))
	})

	t.Run("re-activation in flight", func(t *testing.T) {
		m := awaitingUnlock(t, Policy{})
		m, effs := Transition(m, activateDevice{reply: 1})
		a := effectOf[activateEffect](t, effs)

		m, effs = Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch})
		assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrInvalidStateForOperation)
		m, effs = Transition(m, deregisterDevice{reply: 3, serial: "OTHER"})
		assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrInvalidStateForOperation)

		m, effs = Transition(m, licenseResult{op: opActivate, opID: a.opID, reply: 1, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
		pr := effectOf[provisionEffect](t, effs)
		m, _ = Transition(m, provisionResult{opID: pr.opID, reply: 1, generation: 1})

		_, effs = Transition(m, submitPassword{reply: 4, password: []byte("pw"), at: epoch})
		assert.True(t, hasEffect[unlockEffect](effs))
	})
}

func TestDeregisterRejectedWhileUnlocked(t *testing.T) {
	m := unlocked(t)
	_, effs := Transition(m, deregisterDevice{reply: 1, serial: testSerial})
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrInvalidStateForOperation)

	_, effs = Transition(awaitingUnlock(t, Policy{}), deregisterDevice{reply: 2})
	assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrDeviceNotRegistered)
}

func TestMalformedLicenseAnswerIsFatal(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, refreshLicense{reply: 1})
	v := effectOf[validateEffect](t, effs)

	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, reply: 1, generation: 1, serial: testSerial, err: apperrors.ErrMalformed})
	assert.Equal(t, Fatal, m.State)
	assert.True(t, effectOf[lockEffect](t, effs).degraded, "an open vault is closed")
	assert.Nil(t, m.session)
	assert.Nil(t, m.License)
	assert.ErrorIs(t, m.LastErr, apperrors.ErrMalformed)
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrMalformed)

	m, effs = Transition(m, submitPassword{reply: 2, password: []byte("pw"), at: epoch})
	assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrInvalidStateForOperation)
	m, effs = Transition(m, deregisterDevice{reply: 3, serial: "OTHER"})
	assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrInvalidStateForOperation)

	m, effs = Transition(m, confirmRepair{reply: 4})
	assert.NoError(t, replyErr(t, effs, 4))
	assert.Equal(t, AwaitingLicense, m.State)
	v = effectOf[validateEffect](t, effs)

	m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, info: seatInfo(t, true, testSerial)})
	assert.Equal(t, AwaitingUnlock, m.State)
}

func TestMalformedSeatAnswerIsFatal(t *testing.T) {
	t.Run("activation", func(t *testing.T) {
		m, _ := Transition(NewModel(Policy{}), connecting(1))
		m, _ = Transition(m, attached(1, testSerial, false))
		m, effs := Transition(m, activateDevice{reply: 1})
		a := effectOf[activateEffect](t, effs)

		m, effs = Transition(m, licenseResult{op: opActivate, opID: a.opID, reply: 1, generation: 1, serial: testSerial, err: apperrors.ErrMalformed})
		assert.Equal(t, Fatal, m.State)
		assert.False(t, hasEffect[provisionEffect](effs))
		assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrMalformed)
		assert.Zero(t, m.pendingActivation)
	})

	t.Run("deregistration", func(t *testing.T) {
		m := awaitingUnlock(t, Policy{})
		m, effs := Transition(m, deregisterDevice{reply: 1, serial: "OTHER"})
		d := effectOf[deregisterEffect](t, effs)

		m, effs = Transition(m, licenseResult{op: opDeregister, opID: d.opID, reply: 1, serial: "OTHER", err: apperrors.ErrMalformed})
		assert.Equal(t, Fatal, m.State)
		assert.Nil(t, m.License)
		assert.Zero(t, m.pendingSeatChange)
	})

	t.Run("during unlock", func(t *testing.T) {
		m := awaitingUnlock(t, Policy{})
		m, effs := Transition(m, submitPassword{reply: 1, password: []byte("pw"), at: epoch})
		u := effectOf[unlockEffect](t, effs)
		m, effs = Transition(m, refreshLicense{reply: 2})
		v := effectOf[validateEffect](t, effs)

		m, _ = Transition(m, licenseResult{op: opValidate, opID: v.opID, reply: 2, generation: 1, serial: testSerial, err: apperrors.ErrMalformed})
		assert.Equal(t, Fatal, m.State)

		m, effs = Transition(m, unlockResult{opID: u.opID, reply: 1, generation: 1, session: &vault.Session{}, at: epoch})
		assert.Equal(t, Fatal, m.State)
		assert.True(t, hasEffect[lockEffect](effs), "late session is wiped")
	})
}

func TestUnclassifiedLicenseFailureKeepsSession(t *testing.T) {
	m := unlocked(t)
	m, effs := Transition(m, tick{at: epoch})
	v := effectOf[validateEffect](t, effs)

	ioErr := errors.New("database is locked")
	m, effs = Transition(m, licenseResult{op: opValidate, opID: v.opID, generation: 1, serial: testSerial, err: ioErr})
	assert.Equal(t, Unlocked, m.State)
	assert.False(t, hasEffect[lockEffect](effs))
	require.NotNil(t, m.License)
	assert.ErrorIs(t, m.LicenseErr, ioErr)
}

func TestInstallLicenseKey(t *testing.T) {
	_, effs := Transition(unlocked(t), installLicenseKey{reply: 1, key: "PICO-ACME-M003-LIFE-0000"})
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrInvalidStateForOperation)

	m := awaitingUnlock(t, Policy{})
	_, effs = Transition(m, installLicenseKey{reply: 2, key: "  "})
	assert.ErrorIs(t, replyErr(t, effs, 2), apperrors.ErrAuthorityRejected)

	m, effs = Transition(m, installLicenseKey{reply: 3, key: "PICO-ACME-M003-LIFE-0000"})
	k := effectOf[installKeyEffect](t, effs)
	assert.Equal(t, "PICO-ACME-M003-LIFE-0000", k.key)

	m, effs = Transition(m, submitPassword{reply: 4, password: []byte("pw"), at: epoch})
	assert.ErrorIs(t, replyErr(t, effs, 4), apperrors.ErrInvalidStateForOperation)

	m, effs = Transition(m, licenseResult{op: opInstallKey, opID: k.opID, reply: 3, err: apperrors.ErrAuthorityRejected})
	assert.ErrorIs(t, replyErr(t, effs, 3), apperrors.ErrAuthorityRejected)
	assert.Equal(t, AwaitingUnlock, m.State, "a refused key leaves the license alone")
	require.NotNil(t, m.License)

	m, effs = Transition(m, installLicenseKey{reply: 5, key: "PICO-ACME-M003-LIFE-0000"})
	k = effectOf[installKeyEffect](t, effs)
	m, effs = Transition(m, licenseResult{op: opInstallKey, opID: k.opID, reply: 5})
	assert.NoError(t, replyErr(t, effs, 5))
	assert.Equal(t, testSerial, effectOf[validateEffect](t, effs).serial)
	assert.Zero(t, m.pendingSeatChange)
}

func TestVaultExportsOnlyWhileUnlocked(t *testing.T) {
	m := unlocked(t)
	s := m.session

	m, effs := Transition(m, sendEntry{reply: 1, id: "a"})
	te := effectOf[typeEffect](t, effs)
	assert.Same(t, s, te.session)
	assert.Equal(t, "a", te.id)
	assert.Equal(t, uint64(1), te.generation)
	assert.Equal(t, license.ActivationKey(testSerial, device.DefaultBoardType), te.activationKey)

	m, effs = Transition(m, secretTyped{reply: 1, err: apperrors.ErrSecretNotTypeable})
	assert.ErrorIs(t, replyErr(t, effs, 1), apperrors.ErrSecretNotTypeable)
	assert.ErrorIs(t, m.LastErr, apperrors.ErrSecretNotTypeable)
	assert.Equal(t, Unlocked, m.State)

	m, effs = Transition(m, exportEntries{reply: 2})
	require.Len(t, effs, 1)
	exported, ok := effs[0].(replyEffect).value.([]vault.PasswordEntry)
	require.True(t, ok)
	assert.Equal(t, m.Entries, exported)

	m, effs = Transition(m, backupVault{reply: 3})
	assert.Same(t, s, effectOf[backupEffect](t, effs).session)

	m, _ = Transition(m, requestLock{reply: 4})
	for i, ev := range []Event{sendEntry{reply: 5, id: "a"}, exportEntries{reply: 5}, backupVault{reply: 5}} {
		_, effs = Transition(m, ev)
		assert.ErrorIs(t, replyErr(t, effs, 5), apperrors.ErrInvalidStateForOperation, "event %d", i)
	}
}

func TestTickExpiresLicense(t *testing.T) {
	m := unlocked(t)
	past := epoch.Add(-time.Hour)
	info := m.License.Clone()
	info.ValidUntil = &past
	m.License = &info

	m, effs := Transition(m, tick{at: epoch})
	assert.Equal(t, AwaitingLicense, m.State)
	assert.True(t, effectOf[lockEffect](t, effs).degraded)
	assert.True(t, hasEffect[validateEffect](effs))
	assert.ErrorIs(t, m.LicenseErr, apperrors.ErrAuthorityRejected)
}

func TestTickSkipsWhileValidating(t *testing.T) {
	m, _ := Transition(NewModel(Policy{}), connecting(1))
	m, effs := Transition(m, attached(1, testSerial, true))
	require.True(t, hasEffect[validateEffect](effs))

	_, effs = Transition(m, tick{at: epoch})
	assert.False(t, hasEffect[validateEffect](effs))

	_, effs = Transition(NewModel(Policy{}), tick{at: epoch})
	assert.Empty(t, effs, "nothing to check without a device")
}

func TestEntriesOnlyWhileUnlocked(t *testing.T) {
	m := unlocked(t)
	s := m.session

	m, effs := Transition(m, addEntry{reply: 1, service: "example.org", username: "me", secret: []byte("s3cret")})
	a := effectOf[addEntryEffect](t, effs)
	assert.Same(t, s, a.session)

	entry := vault.PasswordEntry{ID: "b", Service: "example.org", Username: "me"}
	m, effs = Transition(m, entryAdded{reply: 1, session: s, entry: entry})
	assert.Len(t, m.Entries, 2)
	assert.NoError(t, replyErr(t, effs, 1))

	m, effs = Transition(m, revealEntry{reply: 2, id: "b"})
	assert.Equal(t, "b", effectOf[revealEffect](t, effs).id)

	m, _ = Transition(m, requestLock{reply: 3})
	_, effs = Transition(m, entryAdded{reply: 4, session: s, entry: entry})
	assert.ErrorIs(t, replyErr(t, effs, 4), apperrors.ErrInvalidStateForOperation)

	_, effs = Transition(m, addEntry{reply: 5, service: "x", secret: []byte("y")})
	assert.ErrorIs(t, replyErr(t, effs, 5), apperrors.ErrInvalidStateForOperation)
	_, effs = Transition(m, revealEntry{reply: 6, id: "b"})
	assert.ErrorIs(t, replyErr(t, effs, 6), apperrors.ErrInvalidStateForOperation)
}

func TestUnlockedImpliesInvariant(t *testing.T) {
	events := []Event{
		removed(1),
		attached(1, "F00DF00DF00DF00D", true),
		presenceEvent{device.PresenceEvent{Kind: device.Updated, Generation: 1, Device: func() device.CurrentDevice {
			d := testDevice(1, testSerial, true)
			d.NeedsConfiguration = true
			return d
		}()}},
		licenseResult{op: opValidate, generation: 1, serial: testSerial, err: apperrors.ErrMalformed},
		licenseResult{op: opValidate, generation: 1, serial: testSerial, info: seatInfo(t, false, testSerial)},
		tick{at: epoch},
		requestLock{},
	}
	for _, ev := range events {
		m := unlocked(t)
		m.validating = 1
		m, _ = Transition(m, ev)
		if m.State == Unlocked {
			assert.True(t, holds(m), "%T left an unlocked model without its invariant", ev)
		}
	}
}
