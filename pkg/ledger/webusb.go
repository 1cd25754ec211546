package ledger

import (
	"github.com/google/gousb"
)

// WebUSB interface options. The wallet interface of every current model
// sits on interface 0, endpoint 3.
const (
	webusbInterface = 0
	webusbEndpoint  = 3
)

// webUSBEndpoints pairs the in and out endpoints of a claimed interface
// with the configuration handle needed to release them.
type webUSBEndpoints struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
	cfg *gousb.Config
}

func (w *webUSBEndpoints) Read(p []byte) (n int, err error) {
	return w.in.Read(p)
}

func (w *webUSBEndpoints) Write(p []byte) (n int, err error) {
	return w.out.Write(p)
}

func (w *webUSBEndpoints) Close() error {
	return w.cfg.Close()
}

// claimEndpoints claims and returns the usb endpoints for an interface.
func claimEndpoints(d *gousb.Device, intfNum, epNum int) (*webUSBEndpoints, error) {
	cfg, err := d.Config(1)
	if err != nil {
		return nil, err
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(epNum)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	out, err := intf.OutEndpoint(epNum)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	return &webUSBEndpoints{in: in, out: out, cfg: cfg}, nil
}

// WebUSBTransport drives a device over a raw USB interface, for models
// and platforms that do not expose an HID wallet interface.
type WebUSBTransport struct {
	framedTransport
	device *gousb.Device
}

// EnumerateWebUSB returns an unopened transport for every matching
// device on the USB bus. In case any errors occur while opening, the
// final one is returned alongside the transports that did open.
func EnumerateWebUSB() ([]*WebUSBTransport, error) {
	ctx := gousb.NewContext()
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == ledgerVendorID
	})

	transports := make([]*WebUSBTransport, 0, len(devices))
	for _, d := range devices {
		transports = append(transports, &WebUSBTransport{
			framedTransport: newFramedTransport(),
			device:          d,
		})
	}
	return transports, err
}

// Open claims the wallet interface and starts the packet listener.
func (t *WebUSBTransport) Open() error {
	if t.conn != nil {
		return ErrDeviceOpen
	}
	ep, err := claimEndpoints(t.device, webusbInterface, webusbEndpoint)
	if err != nil {
		return err
	}
	t.start(ep)
	return nil
}

// Close stops the listener and releases the interface.
func (t *WebUSBTransport) Close() error {
	return t.stop()
}

// Exchange sends one APDU and returns the raw reply.
func (t *WebUSBTransport) Exchange(apdu []byte) ([]byte, error) {
	return t.exchange(apdu)
}
