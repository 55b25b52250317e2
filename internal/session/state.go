package session

import "fmt"

// State is the coordinator's state tag.
type State int

const (
	// Locked: no device attached.
	Locked State = iota
	// AwaitingDevice: a device is attached and identifying.
	AwaitingDevice
	// AwaitingConfiguration: the device must be activated before anything
	// else can happen.
	AwaitingConfiguration
	// AwaitingLicense: the device is activated but no valid license answer
	// is at hand.
	AwaitingLicense
	// AwaitingUnlock: device and license are in order; a password may be
	// submitted.
	AwaitingUnlock
	Unlocking
	Unlocked
	// Degraded: a device or license fact broke while unlocked. Transient; the
	// vault is re-locked within the same event.
	Degraded
	// Fatal: the vault failed an integrity check. Only ConfirmRepair leaves it.
	Fatal
)

var stateNames = map[State]string{
	Locked:                "locked",
	AwaitingDevice:        "awaiting_device",
	AwaitingConfiguration: "awaiting_configuration",
	AwaitingLicense:       "awaiting_license",
	AwaitingUnlock:        "awaiting_unlock",
	Unlocking:             "unlocking",
	Unlocked:              "unlocked",
	Degraded:              "degraded",
	Fatal:                 "fatal",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}
