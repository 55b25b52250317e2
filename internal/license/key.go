package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "picopass/internal/errors"
)

// keySalt is shared with the device firmware; changing it invalidates every
// issued key and every provisioned device.
const keySalt = "PicoPass_Device_Secure_2026"

const (
	keyPrefix      = "PICO"
	lifetimeExpiry = "LIFE"
	expiryLayout   = "20060102"
)

// ProductKey is a decoded PICO-<USER>-<TIER>-<EXPIRY>-<CHECKSUM> key.
type ProductKey struct {
	Raw        string
	UserID     string
	Tier       Tier
	Seats      int
	ValidUntil *time.Time
}

// ParseProductKey decodes and checks a product key. Tier codes are S### for
// SINGLE and M### for MULTI with ### seats; the expiry is LIFE or YYYYMMDD.
// Keys are case sensitive: the checksum covers the text as issued.
func ParseProductKey(key string) (ProductKey, error) {
	key = strings.TrimSpace(key)
	parts := strings.Split(key, "-")
	if len(parts) != 5 || parts[0] != keyPrefix {
		return ProductKey{}, fmt.Errorf("invalid license key format: %w", apperrors.ErrAuthorityRejected)
	}

	body := strings.Join(parts[:4], "-")
	if parts[4] != keyChecksum(body) {
		return ProductKey{}, fmt.Errorf("invalid license key checksum: %w", apperrors.ErrAuthorityRejected)
	}

	pk := ProductKey{Raw: key, UserID: parts[1]}

	code := parts[2]
	if len(code) < 2 {
		return ProductKey{}, fmt.Errorf("invalid tier code %q: %w", code, apperrors.ErrAuthorityRejected)
	}
	switch code[0] {
	case 'S':
		pk.Tier, pk.Seats = TierSingle, 1
	case 'M':
		seats, err := strconv.Atoi(code[1:])
		if err != nil || seats < 1 {
			return ProductKey{}, fmt.Errorf("invalid seat count %q: %w", code, apperrors.ErrAuthorityRejected)
		}
		pk.Tier, pk.Seats = TierMulti, seats
	default:
		return ProductKey{}, fmt.Errorf("invalid tier code %q: %w", code, apperrors.ErrAuthorityRejected)
	}

	if parts[3] != lifetimeExpiry {
		exp, err := time.ParseInLocation(expiryLayout, parts[3], time.UTC)
		if err != nil {
			return ProductKey{}, fmt.Errorf("invalid expiry %q: %w", parts[3], apperrors.ErrAuthorityRejected)
		}
		// Keys are good through the end of the expiry day.
		end := exp.Add(24*time.Hour - time.Nanosecond)
		pk.ValidUntil = &end
	}

	return pk, nil
}

// GenerateProductKey issues a key. tier is "single" or "multi"; expiry nil
// means lifetime.
func GenerateProductKey(userID, tier string, seats int, expiry *time.Time) (string, error) {
	userID = strings.ToUpper(strings.TrimSpace(userID))
	if userID == "" || strings.Contains(userID, "-") {
		return "", fmt.Errorf("user id must be non-empty and contain no dashes")
	}

	var code string
	switch strings.ToLower(tier) {
	case "single":
		code = "S001"
	case "multi":
		if seats < 1 || seats > 999 {
			return "", fmt.Errorf("multi tier needs 1-999 seats, got %d", seats)
		}
		code = fmt.Sprintf("M%03d", seats)
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	exp := lifetimeExpiry
	if expiry != nil {
		exp = expiry.UTC().Format(expiryLayout)
	}

	body := strings.Join([]string{keyPrefix, userID, code, exp}, "-")
	return body + "-" + keyChecksum(body), nil
}

// GenerateDemoKey issues a lifetime key for the DEMO user.
func GenerateDemoKey(tier string, seats int) (string, error) {
	return GenerateProductKey("DEMO", tier, seats, nil)
}

func keyChecksum(body string) string {
	sum := sha256.Sum256([]byte(body + keySalt))
	return strings.ToUpper(hex.EncodeToString(sum[:2]))
}

// ActivationKey is the value written to a device once it holds a seat. The
// firmware derives the same value and refuses to unlock without it.
func ActivationKey(serial, boardType string) string {
	sum := sha256.Sum256([]byte(serial + ":" + boardType + ":" + keySalt))
	return hex.EncodeToString(sum[:8])
}
