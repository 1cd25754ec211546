package ledger

import (
	"github.com/karalabe/hid"
)

// USB identity of ledger devices. All models share one vendor id; the
// wallet interface is usage page 0xffa0 on platforms that report usage
// pages and interface 0 everywhere else.
const (
	ledgerVendorID  uint16 = 0x2c97
	ledgerUsagePage uint16 = 0xffa0
	ledgerInterface        = 0
)

// HIDTransport drives a device over the HID report protocol.
type HIDTransport struct {
	framedTransport
	info hid.DeviceInfo
}

// NewHIDTransport returns an unopened transport for an enumerated HID
// interface.
func NewHIDTransport(info hid.DeviceInfo) *HIDTransport {
	return &HIDTransport{
		framedTransport: newFramedTransport(),
		info:            info,
	}
}

// EnumerateHID returns an unopened transport for every wallet interface
// advertised on the HID bus.
func EnumerateHID() []*HIDTransport {
	var transports []*HIDTransport
	for _, info := range hid.Enumerate(ledgerVendorID, 0) {
		if info.UsagePage != ledgerUsagePage && info.Interface != ledgerInterface {
			continue
		}
		transports = append(transports, NewHIDTransport(info))
	}
	return transports
}

// Open claims the HID interface and starts the packet listener.
func (t *HIDTransport) Open() error {
	if t.conn != nil {
		return ErrDeviceOpen
	}
	device, err := t.info.Open()
	if err != nil {
		return err
	}
	t.start(device)
	return nil
}

// Close stops the listener and releases the HID interface.
func (t *HIDTransport) Close() error {
	return t.stop()
}

// Exchange sends one APDU and returns the raw reply.
func (t *HIDTransport) Exchange(apdu []byte) ([]byte, error) {
	return t.exchange(apdu)
}
