package license

import "context"

// ActivationRequest asks the authority to give a seat to a device.
type ActivationRequest struct {
	SerialNumber string
	BoardType    string
	FriendlyName *string
}

// Authority is the source of truth for license state. Implementations
// classify their failures with the sentinels in internal/errors.
type Authority interface {
	// Validate reports the license as seen from serial. IsValid is true only
	// when the license is in force and serial holds a seat.
	Validate(ctx context.Context, serial string) (Info, error)
	// Activate gives serial a seat.
	Activate(ctx context.Context, req ActivationRequest) (Info, error)
	// Deregister frees the seat held by serial.
	Deregister(ctx context.Context, serial string) (Info, error)
}

// KeyInstaller is implemented by authorities whose product key is managed on
// this machine.
type KeyInstaller interface {
	InstallProductKey(ctx context.Context, key string) error
}
