package license

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "picopass/internal/errors"
)

// Tier is the license tier. Values are ordered FREE < SINGLE < MULTI.
type Tier int

const (
	TierFree Tier = iota
	TierSingle
	TierMulti
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "FREE"
	case TierSingle:
		return "SINGLE"
	case TierMulti:
		return "MULTI"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier accepts the tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FREE":
		return TierFree, nil
	case "SINGLE":
		return TierSingle, nil
	case "MULTI":
		return TierMulti, nil
	default:
		return TierFree, fmt.Errorf("unknown tier %q: %w", s, apperrors.ErrMalformed)
	}
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("tier: %w", apperrors.ErrMalformed)
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DeviceSummary describes one seat holder.
type DeviceSummary struct {
	SerialNumber string    `json:"serial_number"`
	BoardType    string    `json:"board_type"`
	FriendlyName *string   `json:"friendly_name,omitempty"`
	ActivatedAt  time.Time `json:"activated_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Info is an authority's answer about the license as seen from one device.
// Construct it with NewInfo; the zero value is an invalid FREE license.
type Info struct {
	Tier              Tier            `json:"tier"`
	MaxDevices        int             `json:"max_devices"`
	UsedDevices       int             `json:"used_devices"`
	RemainingSeats    int             `json:"remaining_seats"`
	IsValid           bool            `json:"is_valid"`
	ValidUntil        *time.Time      `json:"valid_until,omitempty"`
	RegisteredDevices []DeviceSummary `json:"registered_devices"`
}

// NewInfo checks the seat arithmetic and returns a normalized Info.
// maxDevices is only consulted for MULTI; FREE and SINGLE always have one seat.
// Devices are sorted by activation time, then serial.
func NewInfo(tier Tier, maxDevices, usedDevices int, devices []DeviceSummary, valid bool, validUntil *time.Time) (Info, error) {
	switch tier {
	case TierFree, TierSingle:
		maxDevices = 1
	case TierMulti:
		if maxDevices < 1 {
			return Info{}, fmt.Errorf("multi tier with %d seats: %w", maxDevices, apperrors.ErrMalformed)
		}
	default:
		return Info{}, fmt.Errorf("tier %d: %w", tier, apperrors.ErrMalformed)
	}

	if usedDevices < 0 {
		return Info{}, fmt.Errorf("negative used devices: %w", apperrors.ErrMalformed)
	}
	if usedDevices > maxDevices {
		return Info{}, fmt.Errorf("%d of %d seats used: %w", usedDevices, maxDevices, apperrors.ErrMalformed)
	}
	if len(devices) > usedDevices {
		return Info{}, fmt.Errorf("%d devices listed for %d used seats: %w", len(devices), usedDevices, apperrors.ErrMalformed)
	}

	seen := make(map[string]struct{}, len(devices))
	sorted := make([]DeviceSummary, len(devices))
	for i, d := range devices {
		if d.SerialNumber == "" {
			return Info{}, fmt.Errorf("device without serial: %w", apperrors.ErrMalformed)
		}
		if _, dup := seen[d.SerialNumber]; dup {
			return Info{}, fmt.Errorf("duplicate device %s: %w", d.SerialNumber, apperrors.ErrMalformed)
		}
		seen[d.SerialNumber] = struct{}{}
		sorted[i] = d
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ActivatedAt.Equal(sorted[j].ActivatedAt) {
			return sorted[i].ActivatedAt.Before(sorted[j].ActivatedAt)
		}
		return sorted[i].SerialNumber < sorted[j].SerialNumber
	})

	if validUntil != nil {
		v := *validUntil
		validUntil = &v
	}

	return Info{
		Tier:              tier,
		MaxDevices:        maxDevices,
		UsedDevices:       usedDevices,
		RemainingSeats:    maxDevices - usedDevices,
		IsValid:           valid,
		ValidUntil:        validUntil,
		RegisteredDevices: sorted,
	}, nil
}

// HasDevice reports whether serial currently holds a seat.
func (i Info) HasDevice(serial string) bool {
	for _, d := range i.RegisteredDevices {
		if d.SerialNumber == serial {
			return true
		}
	}
	return false
}

// Expired reports whether the license has lapsed at now.
func (i Info) Expired(now time.Time) bool {
	return i.ValidUntil != nil && now.After(*i.ValidUntil)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i Info) Clone() Info {
	out := i
	if i.ValidUntil != nil {
		v := *i.ValidUntil
		out.ValidUntil = &v
	}
	out.RegisteredDevices = make([]DeviceSummary, len(i.RegisteredDevices))
	for n, d := range i.RegisteredDevices {
		if d.FriendlyName != nil {
			name := *d.FriendlyName
			d.FriendlyName = &name
		}
		out.RegisteredDevices[n] = d
	}
	return out
}
