// Package serial talks to PicoPass firmware over a USB CDC serial port.
//
// The firmware speaks newline-delimited JSON: every request is an object with
// a "type" field, every response a single object on one line. Lines that are
// not JSON objects are firmware debug output and are skipped.
//
// The firmware's JSON reader takes string values up to the next quote with no
// escape handling, and keeps at most 63 bytes of a password.
package serial

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	apperrors "picopass/internal/errors"
)

// Command types understood by the firmware.
const (
	CmdGetID          = "GET_ID"
	CmdStatus         = "STATUS"
	CmdUnlock         = "UNLOCK"
	CmdLock           = "LOCK"
	CmdAddPassword    = "ADD_PASSWORD"
	CmdDeletePassword = "DELETE_PASSWORD"
	CmdTypePassword   = "TYPE_PASSWORD"
)

// MaxSecretLength is the longest password the firmware stores in a slot.
const MaxSecretLength = 63

const (
	defaultCallTimeout = time.Second
	readSlice          = 50 * time.Millisecond
	maxLine            = 4096
)

// Port is the subset of go.bug.st/serial.Port the codec needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Command is one request line.
type Command struct {
	Type     string `json:"type"`
	Password Secret `json:"password,omitempty"`
	Slot     *int   `json:"slot,omitempty"`
}

// SlotCommand builds a command addressing one password slot.
func SlotCommand(typ string, slot int) Command {
	return Command{Type: typ, Slot: &slot}
}

// Secret is a password field. It is written verbatim between quotes; callers
// check it with ValidateTypeable first.
type Secret []byte

// MarshalJSON implements json.Marshaler
func (s Secret) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	out = append(out, s...)
	return append(out, '"'), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Secret(str)
	return nil
}

// ValidateTypeable reports whether secret can be stored in a slot and typed
// by the device: 1 to MaxSecretLength printable ASCII characters, without a
// double quote or backslash.
func ValidateTypeable(secret []byte) error {
	if len(secret) == 0 || len(secret) > MaxSecretLength {
		return fmt.Errorf("length %d outside 1..%d: %w", len(secret), MaxSecretLength, apperrors.ErrSecretNotTypeable)
	}
	for i, b := range secret {
		if b < 0x20 || b > 0x7e || b == '"' || b == '\\' {
			return fmt.Errorf("unsupported character at position %d: %w", i, apperrors.ErrSecretNotTypeable)
		}
	}
	return nil
}

// IDResponse answers GET_ID. Firmware builds that know their board type
// report it; others leave it empty.
type IDResponse struct {
	BoardID   string `json:"board_id"`
	Version   string `json:"version"`
	BoardType string `json:"board_type,omitempty"`
}

// StatusResponse answers STATUS.
type StatusResponse struct {
	Unlocked bool      `json:"unlocked"`
	Slots    SlotFlags `json:"slots"`
	Timeout  int       `json:"timeout"`
}

// SlotFlags reports which password slots are occupied. Firmware builds
// disagree on encoding (true/false or 1/0); both are accepted.
type SlotFlags []bool

// UnmarshalJSON implements json.Unmarshaler
func (s *SlotFlags) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SlotFlags, len(raw))
	for i, r := range raw {
		switch string(bytes.TrimSpace(r)) {
		case "true", "1":
			out[i] = true
		case "false", "0":
			out[i] = false
		default:
			return fmt.Errorf("slot %d: unexpected value %s", i, r)
		}
	}
	*s = out
	return nil
}

type ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrDevice is returned when the firmware answers with status "error".
var ErrDevice = errors.New("device returned an error")

// Codec performs request/response exchanges on a Port. It is not safe for
// concurrent use; Transport serializes access.
type Codec struct {
	port Port
}

// NewCodec wraps port.
func NewCodec(port Port) *Codec {
	return &Codec{port: port}
}

// Call sends cmd and decodes the response line into out (which may be nil).
// The exchange is bounded by ctx's deadline, or one second if it has none.
// A missing response is reported as ErrIdentifyTimeout.
func (c *Codec) Call(ctx context.Context, cmd Command, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input: %w", err)
	}

	var req bytes.Buffer
	enc := json.NewEncoder(&req)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cmd); err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	_, err := c.port.Write(req.Bytes())
	if len(cmd.Password) > 0 {
		wipe(req.Bytes())
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}

	line, err := c.readResponse(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Type, err)
	}

	var a ack
	if err := json.Unmarshal(line, &a); err != nil {
		return fmt.Errorf("%s: decode response: %v: %w", cmd.Type, err, apperrors.ErrMalformed)
	}
	if a.Status == "error" {
		return fmt.Errorf("%s: %w: %s", cmd.Type, ErrDevice, a.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("%s: decode response: %v: %w", cmd.Type, err, apperrors.ErrMalformed)
	}
	return nil
}

// readResponse returns the next line that looks like a JSON object.
func (c *Codec) readResponse(ctx context.Context) ([]byte, error) {
	var pending []byte
	chunk := make([]byte, 256)

	for {
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimSpace(pending[:i])
			pending = pending[i+1:]
			if len(line) > 0 && line[0] == '{' {
				return line, nil
			}
		}

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.ErrIdentifyTimeout
			}
			return nil, err
		}
		if len(pending) > maxLine {
			return nil, fmt.Errorf("response line too long: %w", apperrors.ErrMalformed)
		}

		wait := readSlice
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			continue
		}
		if err := c.port.SetReadTimeout(wait); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := c.port.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read: %w", err)
		}
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
