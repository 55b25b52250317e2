// Package device turns raw serial-transport events into a typed presence
// signal for the one PicoPass device that may be attached at a time.
//
// A Link owns the CurrentDevice. Every connection gets a new generation
// number; every PresenceEvent carries it so that consumers can drop results
// of work started for a connection that has since gone away.
package device

import (
	"context"
	"fmt"
	"time"
)

// RawKind enumerates transport-level events.
type RawKind int

const (
	RawConnect RawKind = iota
	RawDisconnect
	RawHeartbeat
)

func (k RawKind) String() string {
	switch k {
	case RawConnect:
		return "connect"
	case RawDisconnect:
		return "disconnect"
	case RawHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// RawEvent is what a Transport reports. SerialNumber and BoardType are only
// set on heartbeats that carry them.
type RawEvent struct {
	Kind         RawKind
	Port         string
	VendorID     uint16
	ProductID    uint16
	SerialNumber *string
	BoardType    *string
	At           time.Time
}

// Identity is a device's answer to an identify request.
type Identity struct {
	SerialNumber    string
	BoardType       string
	FirmwareVersion string
	Activated       bool
}

// Transport is the physical channel to the device.
type Transport interface {
	// Events streams connect, disconnect and heartbeat notifications.
	// The channel is closed when the transport stops.
	Events() <-chan RawEvent
	// Identify asks the device on port for its serial number and board type.
	// Implementations return errors.ErrIdentifyTimeout when it does not answer.
	Identify(ctx context.Context, port string) (Identity, error)
	// Provision writes an activation key to the device on port.
	Provision(ctx context.Context, port, activationKey string) error
	// TypeSecret has the device on port type secret as keyboard input,
	// opening it with activationKey first.
	TypeSecret(ctx context.Context, port, activationKey string, secret []byte) error
}

// CurrentDevice is the device attached right now.
type CurrentDevice struct {
	Port               string    `json:"port"`
	SerialNumber       *string   `json:"serial_number"`
	BoardType          string    `json:"board_type"`
	Name               string    `json:"name"`
	IsRegistered       bool      `json:"is_registered"`
	IsActivated        bool      `json:"is_activated"`
	NeedsConfiguration bool      `json:"needs_configuration"`
	VendorID           uint16    `json:"vendor_id"`
	ProductID          uint16    `json:"product_id"`
	FirmwareVersion    string    `json:"firmware_version,omitempty"`
	LastSeen           time.Time `json:"last_seen"`
	Generation         uint64    `json:"generation"`
}

// Clone returns a deep copy.
func (d CurrentDevice) Clone() CurrentDevice {
	if d.SerialNumber != nil {
		s := *d.SerialNumber
		d.SerialNumber = &s
	}
	return d
}

// Serial returns the serial number or "" if the device is unidentified.
func (d CurrentDevice) Serial() string {
	if d.SerialNumber == nil {
		return ""
	}
	return *d.SerialNumber
}

// PresenceKind enumerates presence changes.
type PresenceKind int

const (
	// Connecting: a port appeared and identification is in progress.
	Connecting PresenceKind = iota
	// Attached: identification finished, successfully or not.
	Attached
	// Updated: a heartbeat or provisioning changed the device.
	Updated
	// Removed: terminal event of a generation.
	Removed
)

func (k PresenceKind) String() string {
	switch k {
	case Connecting:
		return "connecting"
	case Attached:
		return "attached"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// PresenceEvent is emitted by Link. Device is a copy and is the zero value
// for Removed.
type PresenceEvent struct {
	Kind       PresenceKind
	Generation uint64
	Device     CurrentDevice
	At         time.Time
}

// StatusText renders the one-line status shown by the UI.
func StatusText(d *CurrentDevice) string {
	if d == nil {
		return "Device: Disconnected"
	}
	switch {
	case d.IsRegistered:
		return fmt.Sprintf("Device: %s (Registered)", d.Name)
	case d.SerialNumber != nil:
		return fmt.Sprintf("Device: %s (Not Registered)", d.Name)
	default:
		return fmt.Sprintf("Device: %s", d.Name)
	}
}
