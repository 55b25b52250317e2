package session

import (
	"errors"
	"reflect"
	"time"

	"picopass/internal/device"
	apperrors "picopass/internal/errors"
	"picopass/internal/license"
	"picopass/internal/vault"
)

// Snapshot is the complete, immutable view of the session at one point in
// time. It is the only structure handed to the UI layer.
type Snapshot struct {
	Version      uint64                `json:"version"`
	State        State                 `json:"state"`
	DeviceStatus string                `json:"device_status"`
	Device       *device.CurrentDevice `json:"device"`
	License      *license.Info         `json:"license"`
	Entries      []vault.PasswordEntry `json:"entries"` // empty unless unlocked
	LastError    *ErrorInfo            `json:"last_error,omitempty"`
	LicenseError *ErrorInfo            `json:"license_error,omitempty"`
	LockedUntil  *time.Time            `json:"locked_until,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// ErrorInfo is a surfaced error.
type ErrorInfo struct {
	Kind              string `json:"kind"` // transient|policy|integrity|unknown
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:    apperrors.KindOf(err).String(),
		Message: err.Error(),
	}
	var lockout *apperrors.LockoutError
	if errors.As(err, &lockout) {
		info.RetryAfterSeconds = lockout.RetryAfterSeconds
	}
	return info
}

// snapshotOf renders m. Everything is copied; the snapshot shares no memory
// with the model.
func snapshotOf(m Model, version uint64, now time.Time) Snapshot {
	s := Snapshot{
		Version:      version,
		State:        m.State,
		DeviceStatus: device.StatusText(m.Device),
		Entries:      []vault.PasswordEntry{},
		LastError:    errorInfo(m.LastErr),
		LicenseError: errorInfo(m.LicenseErr),
		UpdatedAt:    now,
	}
	if m.Device != nil {
		d := m.Device.Clone()
		s.Device = &d
	}
	if m.License != nil {
		l := m.License.Clone()
		s.License = &l
	}
	if m.State == Unlocked {
		s.Entries = make([]vault.PasswordEntry, len(m.Entries))
		copy(s.Entries, m.Entries)
	}
	if m.LockedUntil.After(now) {
		t := m.LockedUntil
		s.LockedUntil = &t
	}
	return s
}

// sameView reports whether a and b differ only in bookkeeping: version,
// timestamp and the device's last-seen time.
func sameView(a, b Snapshot) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	if a.Device != nil {
		d := *a.Device
		d.LastSeen = time.Time{}
		a.Device = &d
	}
	if b.Device != nil {
		d := *b.Device
		d.LastSeen = time.Time{}
		b.Device = &d
	}
	return reflect.DeepEqual(a, b)
}
