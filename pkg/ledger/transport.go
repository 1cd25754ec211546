package ledger

import (
	"io"
	"time"

	"github.com/btcsuite/btclog"
)

// Transport is a byte level connection to a device. Exchange sends one
// APDU and blocks until the matching reply arrives; implementations
// frame payloads through the packet layer. A transport is exclusively
// owned by one session at a time.
type Transport interface {
	// Open claims the underlying device. Opening an open transport
	// fails with ErrDeviceOpen.
	Open() error

	// Close releases the device. Closing a closed transport fails with
	// ErrDeviceClosed.
	Close() error

	// Exchange writes a raw APDU and returns the raw reply including
	// the trailing status word.
	Exchange(apdu []byte) ([]byte, error)
}

// framedTransport carries the packet framing, the passive listener and
// the read timeout shared by the HID and WebUSB transports.
type framedTransport struct {
	conn       io.ReadWriteCloser
	channel    uint16
	packetSize int
	timeout    time.Duration
	log        btclog.Logger

	packets chan []byte
	done    chan struct{}
}

func newFramedTransport() framedTransport {
	return framedTransport{
		channel:    DefaultChannelID,
		packetSize: PacketSize,
		log:        btclog.Disabled,
	}
}

// SetLogger sets the contextual logger used for chunk level tracing.
func (t *framedTransport) SetLogger(log btclog.Logger) {
	if log == nil {
		log = btclog.Disabled
	}
	t.log = log
}

// SetTimeout bounds every single packet read. Zero waits forever. When
// the timer fires first the read is abandoned at the logical level
// only; the pending physical read is not cancelled.
func (t *framedTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// start adopts an open connection and spawns the packet listener.
func (t *framedTransport) start(conn io.ReadWriteCloser) {
	t.conn = conn
	t.packets = make(chan []byte, 4)
	t.done = make(chan struct{})
	go t.listen(conn)
}

// listen passively streams fixed size packets from the device into the
// packet queue until the connection dies or the transport stops. The
// connection is passed in rather than read from the transport so a
// concurrent stop cannot pull it out from under the loop.
func (t *framedTransport) listen(conn io.ReadWriteCloser) {
	for {
		pkt := make([]byte, t.packetSize)
		if _, err := io.ReadFull(conn, pkt); err != nil {
			close(t.packets)
			return
		}
		select {
		case t.packets <- pkt:
		case <-t.done:
			return
		}
	}
}

func (t *framedTransport) stop() error {
	if t.conn == nil {
		return ErrDeviceClosed
	}
	close(t.done)
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *framedTransport) readPacket() ([]byte, error) {
	if t.timeout <= 0 {
		pkt, ok := <-t.packets
		if !ok {
			return nil, ErrDeviceClosed
		}
		return pkt, nil
	}
	select {
	case pkt, ok := <-t.packets:
		if !ok {
			return nil, ErrDeviceClosed
		}
		return pkt, nil
	case <-time.After(t.timeout):
		return nil, ErrReadTimeout
	}
}

// exchange frames one APDU onto the wire and reassembles the reply.
func (t *framedTransport) exchange(apdu []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrDeviceClosed
	}

	writer := &ProtocolWriter{Channel: t.channel, Tag: TagAPDU, PacketSize: t.packetSize}
	for _, pkt := range writer.Split(apdu) {
		t.log.Tracef("-> %x", pkt)
		if _, err := t.conn.Write(pkt); err != nil {
			return nil, err
		}
	}

	reader := NewProtocolReader(t.channel, TagAPDU, t.packetSize)
	for !reader.Finished() {
		pkt, err := t.readPacket()
		if err != nil {
			return nil, err
		}
		t.log.Tracef("<- %x", pkt)
		if err := reader.PushPacket(pkt); err != nil {
			return nil, err
		}
	}
	return reader.Data()
}
