// Package ledger implements the host side of the Ledger hardware wallet
// protocol stack: the chunked packet framing, the APDU codec with its
// status word taxonomy, and the Bitcoin app operations built on top,
// up to full transaction signing.
package ledger

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
)

// Config allows customizing device behavior at creation time.
type Config struct {
	// Logger receives protocol level tracing. Nil disables logging.
	Logger btclog.Logger

	// Timeout bounds every packet read on the transport. Zero waits
	// forever.
	Timeout time.Duration
}

// Ledger is a connected device running the Bitcoin app. All exported
// operations serialize on an internal lock, so a Ledger is safe for
// concurrent use; multi exchange operations hold the lock for their
// whole protocol run.
type Ledger struct {
	transport Transport
	log       btclog.Logger

	mu sync.Mutex
}

// New wraps an opened transport with the default configuration.
func New(t Transport) *Ledger {
	return NewWithConfig(t, &Config{})
}

// NewWithConfig wraps an opened transport, pushing the logger and read
// timeout down into transports that support them.
func NewWithConfig(t Transport, cfg *Config) *Ledger {
	log := cfg.Logger
	if log == nil {
		log = btclog.Disabled
	}
	if tl, ok := t.(interface{ SetLogger(btclog.Logger) }); ok {
		tl.SetLogger(log)
	}
	if tt, ok := t.(interface{ SetTimeout(time.Duration) }); ok && cfg.Timeout > 0 {
		tt.SetTimeout(cfg.Timeout)
	}
	return &Ledger{transport: t, log: log}
}

// GetDevices opens every reachable device and returns a Ledger for
// each. Devices that fail to open are skipped; finding none at all is
// ErrNoDevice.
func GetDevices() ([]*Ledger, error) {
	return GetDevicesWithConfig(&Config{})
}

// GetDevicesWithConfig is GetDevices with an explicit configuration.
func GetDevicesWithConfig(cfg *Config) ([]*Ledger, error) {
	log := cfg.Logger
	if log == nil {
		log = btclog.Disabled
	}

	var devices []*Ledger
	for _, t := range EnumerateHID() {
		if err := t.Open(); err != nil {
			log.Warnf("skipping HID device: %v", err)
			continue
		}
		devices = append(devices, NewWithConfig(t, cfg))
	}

	// Fall through to raw USB for models without an HID interface.
	webusb, err := EnumerateWebUSB()
	if err != nil {
		log.Warnf("webusb enumeration: %v", err)
	}
	for _, t := range webusb {
		if err := t.Open(); err != nil {
			log.Warnf("skipping webusb device: %v", err)
			continue
		}
		devices = append(devices, NewWithConfig(t, cfg))
	}

	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	return devices, nil
}

// GetDevice returns the first reachable device.
func GetDevice() (*Ledger, error) {
	devices, err := GetDevices()
	if err != nil {
		return nil, err
	}
	return devices[0], nil
}

// GetDeviceWithConfig is GetDevice with an explicit configuration.
func GetDeviceWithConfig(cfg *Config) (*Ledger, error) {
	devices, err := GetDevicesWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	return devices[0], nil
}

// Close releases the underlying transport.
func (l *Ledger) Close() error {
	return l.transport.Close()
}

// SetLogger sets the contextual logger. Nil disables logging.
func (l *Ledger) SetLogger(log btclog.Logger) {
	if log == nil {
		log = btclog.Disabled
	}
	l.log = log
	if tl, ok := l.transport.(interface{ SetLogger(btclog.Logger) }); ok {
		tl.SetLogger(log)
	}
}

// exchangeAPDU encodes one command, round trips it and decodes the
// reply down to the payload.
func (l *Ledger) exchangeAPDU(cmd *APDUCommand) ([]byte, error) {
	raw := cmd.Bytes()
	l.log.Debugf("apdu -> ins 0x%02x p1 0x%02x p2 0x%02x len %d", cmd.INS, cmd.P1, cmd.P2, len(cmd.Data))
	reply, err := l.transport.Exchange(raw)
	if err != nil {
		return nil, err
	}
	payload, err := decodeResponse(reply)
	if err != nil {
		l.log.Debugf("apdu <- %v", err)
		return nil, err
	}
	l.log.Debugf("apdu <- %d bytes", len(payload))
	return payload, nil
}

// Managed wraps a device so the transport is opened before every call
// and closed again on the way out, keeping the device free for other
// processes between calls. Errors from the operation itself win over
// errors from the closing.
type Managed struct {
	device *Ledger
}

// NewManaged returns a managed wrapper around a device whose transport
// is currently closed.
func NewManaged(device *Ledger) *Managed {
	return &Managed{device: device}
}

func (m *Managed) run(op func(*Ledger) error) error {
	if err := m.device.transport.Open(); err != nil {
		return err
	}
	defer m.device.transport.Close()
	return op(m.device)
}

// GetFirmwareVersion opens the device, reads the app version and closes
// the device again.
func (m *Managed) GetFirmwareVersion() (*FirmwareVersion, error) {
	var version *FirmwareVersion
	err := m.run(func(d *Ledger) error {
		var err error
		version, err = d.GetFirmwareVersion()
		return err
	})
	return version, err
}

// GetWalletPublicKey derives a key over a managed connection.
func (m *Managed) GetWalletPublicKey(path []uint32, confirm bool, addrType AddressType) (*WalletPublicKey, error) {
	var wpk *WalletPublicKey
	err := m.run(func(d *Ledger) error {
		var err error
		wpk, err = d.GetWalletPublicKey(path, confirm, addrType)
		return err
	})
	return wpk, err
}

// SignMessage signs a message over a managed connection.
func (m *Managed) SignMessage(path []uint32, msg []byte) (*Signature, error) {
	var sig *Signature
	err := m.run(func(d *Ledger) error {
		var err error
		sig, err = d.SignMessage(path, msg)
		return err
	})
	return sig, err
}

// SignTransaction runs a full signing session over a managed
// connection.
func (m *Managed) SignTransaction(tx *wire.MsgTx, inputs []*TXInput) error {
	return m.run(func(d *Ledger) error {
		return d.SignTransaction(tx, inputs)
	})
}
