package errors

import "errors"

// Kind classifies a failure by how the session should react to it.
type Kind int

const (
	// KindUnknown is returned for errors outside the domain taxonomy.
	KindUnknown Kind = iota
	// KindTransient failures are retried with backoff and never change lock state.
	KindTransient
	// KindPolicy failures are surfaced to the user with no retry.
	KindPolicy
	// KindIntegrity failures stop the session until the user repairs it.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPolicy:
		return "policy"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Transient
var (
	ErrAuthorityUnreachable = errors.New("license authority unreachable")
	ErrIdentifyTimeout      = errors.New("device identification timed out")
)

// Policy
var (
	ErrAuthorityRejected        = errors.New("license rejected by authority")
	ErrSeatsExhausted           = errors.New("no license seats remaining")
	ErrDeviceAlreadyRegistered  = errors.New("device already registered")
	ErrDeviceNotRegistered      = errors.New("device not registered")
	ErrWrongPassword            = errors.New("wrong master password")
	ErrLockedOut                = errors.New("too many failed unlock attempts")
	ErrInvalidStateForOperation = errors.New("operation not allowed in current session state")
	ErrDeviceNotPresent         = errors.New("no device connected")
	ErrDeviceRemoved            = errors.New("device removed while operation was in flight")
	ErrEntryNotFound            = errors.New("vault entry not found")
	ErrSecretNotTypeable        = errors.New("secret cannot be typed by the device")
)

// Integrity
var (
	ErrVaultCorrupt = errors.New("vault data corrupt")
	ErrMalformed    = errors.New("malformed response")
)

var kinds = map[error]Kind{
	ErrAuthorityUnreachable:     KindTransient,
	ErrIdentifyTimeout:          KindTransient,
	ErrAuthorityRejected:        KindPolicy,
	ErrSeatsExhausted:           KindPolicy,
	ErrDeviceAlreadyRegistered:  KindPolicy,
	ErrDeviceNotRegistered:      KindPolicy,
	ErrWrongPassword:            KindPolicy,
	ErrLockedOut:                KindPolicy,
	ErrInvalidStateForOperation: KindPolicy,
	ErrDeviceNotPresent:         KindPolicy,
	ErrDeviceRemoved:            KindPolicy,
	ErrEntryNotFound:            KindPolicy,
	ErrSecretNotTypeable:        KindPolicy,
	ErrVaultCorrupt:             KindIntegrity,
	ErrMalformed:                KindIntegrity,
}

// KindOf walks the wrap chain and reports the first classified sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsIntegrity reports whether err indicates corrupt or untrustworthy data.
func IsIntegrity(err error) bool {
	return KindOf(err) == KindIntegrity
}

// LockoutError carries the time remaining before another unlock attempt is accepted.
type LockoutError struct {
	RetryAfterSeconds int
}

func (e *LockoutError) Error() string {
	return ErrLockedOut.Error()
}

func (e *LockoutError) Unwrap() error {
	return ErrLockedOut
}
