package session

import (
	"time"

	"picopass/internal/device"
	"picopass/internal/license"
	"picopass/internal/vault"
)

// Policy holds the unlock retry limits applied by Transition.
type Policy struct {
	// MaxUnlockAttempts is the number of wrong passwords tolerated before
	// lockout starts. Zero disables lockout.
	MaxUnlockAttempts int
	LockoutBase       time.Duration
	LockoutMax        time.Duration
}

// Model is the complete coordinator state. It is only ever touched by the
// coordinator goroutine and only changed through Transition.
type Model struct {
	State   State
	Device  *device.CurrentDevice
	License *license.Info
	// LicenseErr is the last failed authority answer; cleared by a good one.
	LicenseErr error
	LastErr    error
	Entries    []vault.PasswordEntry

	Policy      Policy
	Failures    int
	LockedUntil time.Time

	session           *vault.Session
	licenseFor        string
	opSeq             uint64
	pendingUnlock     uint64
	unlocksInFlight   int
	pendingActivation uint64
	// pendingSeatChange is the deregistration or key install in flight.
	pendingSeatChange uint64
	validating        int
}

// NewModel returns the initial model.
func NewModel(p Policy) Model {
	return Model{State: Locked, Policy: p}
}

func (m *Model) nextOp() uint64 {
	m.opSeq++
	return m.opSeq
}

func (m Model) serial() string {
	if m.Device == nil {
		return ""
	}
	return m.Device.Serial()
}

func (m Model) generation() uint64 {
	if m.Device == nil {
		return 0
	}
	return m.Device.Generation
}

// Event is anything the coordinator queue carries.
type Event interface {
	event()
}

// Effect is work Transition asks the coordinator to perform.
type Effect interface {
	effect()
}

type licenseOp int

const (
	opValidate licenseOp = iota
	opActivate
	opDeregister
	opInstallKey
)

func (o licenseOp) String() string {
	switch o {
	case opValidate:
		return "validate"
	case opActivate:
		return "activate"
	case opDeregister:
		return "deregister"
	case opInstallKey:
		return "install_key"
	default:
		return "unknown"
	}
}

// Events produced by collaborators.

type presenceEvent struct {
	device.PresenceEvent
}

type licenseResult struct {
	op         licenseOp
	opID       uint64
	reply      uint64
	generation uint64
	serial     string
	info       license.Info
	err        error
}

type provisionResult struct {
	opID       uint64
	reply      uint64
	generation uint64
	err        error
}

type unlockResult struct {
	opID       uint64
	reply      uint64
	generation uint64
	session    *vault.Session
	entries    []vault.PasswordEntry
	err        error
	at         time.Time
}

type entryAdded struct {
	reply   uint64
	session *vault.Session
	entry   vault.PasswordEntry
	err     error
}

type secretTyped struct {
	reply uint64
	err   error
}

type tick struct {
	at time.Time
}

// Commands from the UI. reply identifies the waiting caller.

type submitPassword struct {
	reply    uint64
	password []byte
	at       time.Time
}

type activateDevice struct {
	reply        uint64
	friendlyName *string
	// register surfaces DeviceAlreadyRegistered instead of re-provisioning.
	register bool
}

type requestLock struct {
	reply uint64
}

type deregisterDevice struct {
	reply  uint64
	serial string
}

type refreshLicense struct {
	reply uint64
}

type addEntry struct {
	reply    uint64
	service  string
	username string
	secret   []byte
}

type revealEntry struct {
	reply uint64
	id    string
}

type confirmRepair struct {
	reply uint64
}

type sendEntry struct {
	reply uint64
	id    string
}

type exportEntries struct {
	reply uint64
}

type backupVault struct {
	reply uint64
}

type installLicenseKey struct {
	reply uint64
	key   string
}

func (presenceEvent) event()     {}
func (licenseResult) event()     {}
func (provisionResult) event()   {}
func (unlockResult) event()      {}
func (entryAdded) event()        {}
func (tick) event()              {}
func (submitPassword) event()    {}
func (activateDevice) event()    {}
func (requestLock) event()       {}
func (deregisterDevice) event()  {}
func (refreshLicense) event()    {}
func (addEntry) event()          {}
func (revealEntry) event()       {}
func (confirmRepair) event()     {}
func (secretTyped) event()       {}
func (sendEntry) event()         {}
func (exportEntries) event()     {}
func (backupVault) event()       {}
func (installLicenseKey) event() {}

// Effects.

type validateEffect struct {
	opID       uint64
	reply      uint64
	generation uint64
	serial     string
}

type activateEffect struct {
	opID         uint64
	reply        uint64
	generation   uint64
	serial       string
	boardType    string
	friendlyName *string
	register     bool
}

type deregisterEffect struct {
	opID       uint64
	reply      uint64
	generation uint64
	serial     string
}

type provisionEffect struct {
	opID          uint64
	reply         uint64
	generation    uint64
	activationKey string
}

type unlockEffect struct {
	opID       uint64
	reply      uint64
	generation uint64
	password   []byte
}

// lockEffect wipes the live vault session. It is executed before the
// snapshot of the same event is published.
type lockEffect struct {
	reason   string
	degraded bool
}

type addEntryEffect struct {
	reply    uint64
	session  *vault.Session
	service  string
	username string
	secret   []byte
}

type revealEffect struct {
	reply   uint64
	session *vault.Session
	id      string
}

// typeEffect has the device type one secret through its scratch slot.
type typeEffect struct {
	reply         uint64
	session       *vault.Session
	id            string
	generation    uint64
	activationKey string
}

type backupEffect struct {
	reply   uint64
	session *vault.Session
}

type installKeyEffect struct {
	opID  uint64
	reply uint64
	key   string
}

type replyEffect struct {
	reply uint64
	value interface{}
	err   error
}

func (validateEffect) effect()   {}
func (activateEffect) effect()   {}
func (deregisterEffect) effect() {}
func (provisionEffect) effect()  {}
func (unlockEffect) effect()     {}
func (lockEffect) effect()       {}
func (addEntryEffect) effect()   {}
func (revealEffect) effect()     {}
func (typeEffect) effect()       {}
func (backupEffect) effect()     {}
func (installKeyEffect) effect() {}
func (replyEffect) effect()      {}
