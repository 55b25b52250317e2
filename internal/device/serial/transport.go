package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"picopass/internal/device"
	apperrors "picopass/internal/errors"
)

// Options configures a Transport
type Options struct {
	// PortName pins the transport to one port; empty means the first USB
	// port whose vendor id is in VendorIDs.
	PortName     string
	BaudRate     int
	VendorIDs    []string
	PollInterval time.Duration
	// CallTimeout bounds the STATUS heartbeat exchange.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// PortInfo describes a serial port for listing.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Match        bool   `json:"match"`
}

type lister func() ([]*enumerator.PortDetails, error)
type opener func(name string, baud int) (Port, error)

// Transport polls the USB serial ports, attaches to the first PicoPass it
// finds and implements device.Transport on top of it.
type Transport struct {
	opts   Options
	logger *slog.Logger
	list   lister
	open   opener
	now    func() time.Time
	events chan device.RawEvent

	mu         sync.Mutex
	attached   string
	port       Port
	codec      *Codec
	responsive bool
}

var _ device.Transport = (*Transport)(nil)

// New creates a Transport using the system serial enumerator.
func New(opts Options) *Transport {
	return newTransport(opts, enumerator.GetDetailedPortsList, openPort)
}

func newTransport(opts Options, list lister, open opener) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Transport{
		opts:   opts,
		logger: logger.With("component", "serial_transport"),
		list:   list,
		open:   open,
		now:    time.Now,
		events: make(chan device.RawEvent, 16),
	}
}

func openPort(name string, baud int) (Port, error) {
	return goserial.Open(name, &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
}

// Events implements device.Transport.
func (t *Transport) Events() <-chan device.RawEvent {
	return t.events
}

// Run polls until ctx is done, then closes the port and the event channel.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.events)
	defer t.detach()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// scratchSlot is the firmware slot used to hand a secret over for typing.
const scratchSlot = 3

// Identify implements device.Transport. GET_ID carries no activation flag, so
// a device already unlocked this power cycle (STATUS) is reported as
// activated; the license ledger is the durable record.
func (t *Transport) Identify(ctx context.Context, port string) (device.Identity, error) {
	var resp IDResponse
	if err := t.call(ctx, port, Command{Type: CmdGetID}, &resp); err != nil {
		return device.Identity{}, err
	}
	if resp.BoardID == "" {
		return device.Identity{}, fmt.Errorf("GET_ID: empty board id: %w", apperrors.ErrMalformed)
	}
	id := device.Identity{
		SerialNumber:    resp.BoardID,
		BoardType:       resp.BoardType,
		FirmwareVersion: resp.Version,
	}

	var status StatusResponse
	if err := t.call(ctx, port, Command{Type: CmdStatus}, &status); err != nil {
		t.logger.DebugContext(ctx, "status after identify failed",
			slog.String("port", port),
			slog.String("error", err.Error()))
	} else {
		id.Activated = status.Unlocked
	}
	return id, nil
}

// Provision implements device.Transport. The first UNLOCK a device receives
// sets its master secret; later ones must match it.
func (t *Transport) Provision(ctx context.Context, port, activationKey string) error {
	return t.call(ctx, port, Command{Type: CmdUnlock, Password: Secret(activationKey)}, nil)
}

// TypeSecret implements device.Transport. The secret is staged in the scratch
// slot, typed, and the slot cleared again even if typing failed. The port is
// held for the whole exchange.
func (t *Transport) TypeSecret(ctx context.Context, port, activationKey string, secret []byte) error {
	if err := ValidateTypeable(secret); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.codec == nil || t.attached != port {
		return fmt.Errorf("type on %s: %w", port, apperrors.ErrDeviceNotPresent)
	}

	if err := t.codec.Call(ctx, Command{Type: CmdUnlock, Password: Secret(activationKey)}, nil); err != nil {
		return err
	}
	add := SlotCommand(CmdAddPassword, scratchSlot)
	add.Password = Secret(secret)
	if err := t.codec.Call(ctx, add, nil); err != nil {
		return err
	}

	typeErr := t.codec.Call(ctx, SlotCommand(CmdTypePassword, scratchSlot), nil)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.CallTimeout)
	defer cancel()
	if err := t.codec.Call(cleanupCtx, SlotCommand(CmdDeletePassword, scratchSlot), nil); err != nil {
		t.logger.WarnContext(ctx, "failed to clear scratch slot",
			slog.String("port", port),
			slog.String("error", err.Error()))
		if typeErr == nil {
			return err
		}
	}
	if typeErr != nil {
		return typeErr
	}
	t.responsive = true
	return nil
}

// ListPorts returns every serial port the system reports, flagging the ones
// the transport would attach to.
func (t *Transport) ListPorts() ([]PortInfo, error) {
	details, err := t.list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			Match:        t.matches(d),
		})
	}
	return out, nil
}

func (t *Transport) call(ctx context.Context, port string, cmd Command, out interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.codec == nil || t.attached != port {
		return fmt.Errorf("%s on %s: %w", cmd.Type, port, apperrors.ErrDeviceNotPresent)
	}
	if err := t.codec.Call(ctx, cmd, out); err != nil {
		return err
	}
	t.responsive = true
	return nil
}

func (t *Transport) poll(ctx context.Context) {
	details, err := t.list()
	if err != nil {
		t.logger.DebugContext(ctx, "port enumeration failed", slog.String("error", err.Error()))
		return
	}

	var match *enumerator.PortDetails
	for _, d := range details {
		if t.matches(d) {
			match = d
			break
		}
	}

	t.mu.Lock()
	attached := t.attached
	t.mu.Unlock()

	if attached != "" && (match == nil || match.Name != attached) {
		t.detach()
		t.emit(ctx, device.RawEvent{Kind: device.RawDisconnect, Port: attached, At: t.now()})
		attached = ""
	}

	if match == nil {
		return
	}
	if attached == "" {
		t.attach(ctx, match)
		return
	}
	t.heartbeat(ctx)
}

func (t *Transport) attach(ctx context.Context, d *enumerator.PortDetails) {
	p, err := t.open(d.Name, t.opts.BaudRate)
	if err != nil {
		var perr *goserial.PortError
		if errors.As(err, &perr) && perr.Code() == goserial.PortBusy {
			t.logger.DebugContext(ctx, "port busy", slog.String("port", d.Name))
			return
		}
		t.logger.WarnContext(ctx, "failed to open port",
			slog.String("port", d.Name),
			slog.String("error", err.Error()))
		return
	}

	t.mu.Lock()
	t.attached = d.Name
	t.port = p
	t.codec = NewCodec(p)
	t.responsive = false
	t.mu.Unlock()

	t.emit(ctx, device.RawEvent{
		Kind:      device.RawConnect,
		Port:      d.Name,
		VendorID:  parseUSBID(d.VID),
		ProductID: parseUSBID(d.PID),
		At:        t.now(),
	})
}

// heartbeat reports liveness. A device that has answered before must keep
// answering STATUS; one that never spoke the protocol is alive while its
// port is enumerated.
func (t *Transport) heartbeat(ctx context.Context) {
	t.mu.Lock()
	port := t.attached
	wasResponsive := t.responsive
	t.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()

	var status StatusResponse
	err := t.call(callCtx, port, Command{Type: CmdStatus}, &status)
	if err != nil && wasResponsive {
		t.logger.DebugContext(ctx, "status poll failed",
			slog.String("port", port),
			slog.String("error", err.Error()))
		return
	}
	t.emit(ctx, device.RawEvent{Kind: device.RawHeartbeat, Port: port, At: t.now()})
}

func (t *Transport) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		if err := t.port.Close(); err != nil {
			t.logger.Debug("failed to close port", slog.String("port", t.attached), slog.String("error", err.Error()))
		}
	}
	t.attached = ""
	t.port = nil
	t.codec = nil
	t.responsive = false
}

func (t *Transport) matches(d *enumerator.PortDetails) bool {
	if t.opts.PortName != "" {
		return d.Name == t.opts.PortName
	}
	if !d.IsUSB {
		return false
	}
	for _, vid := range t.opts.VendorIDs {
		if strings.EqualFold(vid, d.VID) {
			return true
		}
	}
	return false
}

func (t *Transport) emit(ctx context.Context, ev device.RawEvent) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func parseUSBID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
