package ledger

import (
	"encoding/binary"
)

// Transport framing constants. Every payload is carried over fixed size
// packets sharing a channel id and a command tag:
//
//	Description                           | Length
//	--------------------------------------+----------
//	Communication channel ID (big endian) | 2 bytes
//	Command tag                           | 1 byte
//	Packet sequence index (big endian)    | 2 bytes
//	Total payload length (big endian)     | 2 bytes (first packet only)
//	Payload chunk, zero padded            | remainder
//
// The channel id multiplexes logical sessions over one physical link and
// defaults to 0x0101 for compatibility with implementations that ignore
// a leading zero byte.
const (
	// DefaultChannelID is the channel used when the caller does not pick one.
	DefaultChannelID uint16 = 0x0101

	// TagAPDU marks packets carrying a chunk of an APDU payload.
	TagAPDU byte = 0x05

	// TagPing marks packets of a link self test.
	TagPing byte = 0x02

	// PacketSize is the report size used by all known ledger models.
	PacketSize = 64

	packetHeaderSize = 5
)

// ProtocolWriter splits an arbitrary length payload into fixed size
// packets tagged with the writer's channel and tag.
type ProtocolWriter struct {
	Channel    uint16
	Tag        byte
	PacketSize int
}

// NewProtocolWriter returns a writer with the default channel, APDU tag
// and packet size.
func NewProtocolWriter() *ProtocolWriter {
	return &ProtocolWriter{
		Channel:    DefaultChannelID,
		Tag:        TagAPDU,
		PacketSize: PacketSize,
	}
}

// Split encodes payload into a sequence of packets. The first packet
// carries the total payload length, continuation packets carry raw
// payload bytes after the sequence index. The final packet is zero
// padded to the packet size.
func (w *ProtocolWriter) Split(payload []byte) [][]byte {
	var packets [][]byte
	for seq := 0; ; seq++ {
		pkt := make([]byte, w.PacketSize)
		binary.BigEndian.PutUint16(pkt[0:2], w.Channel)
		pkt[2] = w.Tag
		binary.BigEndian.PutUint16(pkt[3:5], uint16(seq))

		offset := packetHeaderSize
		if seq == 0 {
			binary.BigEndian.PutUint16(pkt[5:7], uint16(len(payload)))
			offset += 2
		}
		n := copy(pkt[offset:], payload)
		payload = payload[n:]

		packets = append(packets, pkt)
		if len(payload) == 0 {
			return packets
		}
	}
}

// ProtocolReader reassembles a payload from packets produced by a
// matching ProtocolWriter. Push packets with PushPacket until Finished
// reports true, then collect the payload with Data.
type ProtocolReader struct {
	channel    uint16
	tag        byte
	packetSize int

	expected int // declared total length, -1 until the first packet
	nextSeq  uint16
	data     []byte
}

// NewProtocolReader returns a reader expecting packets on the given
// channel and tag.
func NewProtocolReader(channel uint16, tag byte, packetSize int) *ProtocolReader {
	return &ProtocolReader{
		channel:    channel,
		tag:        tag,
		packetSize: packetSize,
		expected:   -1,
	}
}

// PushPacket validates and consumes one raw packet.
func (r *ProtocolReader) PushPacket(pkt []byte) error {
	if r.Finished() {
		return framingErrorf("packet after final packet")
	}
	if len(pkt) < r.packetSize {
		return framingErrorf("truncated packet: %d < %d bytes", len(pkt), r.packetSize)
	}
	if ch := binary.BigEndian.Uint16(pkt[0:2]); ch != r.channel {
		return framingErrorf("channel mismatch: got 0x%04x, want 0x%04x", ch, r.channel)
	}
	if pkt[2] != r.tag {
		return framingErrorf("tag mismatch: got 0x%02x, want 0x%02x", pkt[2], r.tag)
	}
	if seq := binary.BigEndian.Uint16(pkt[3:5]); seq != r.nextSeq {
		return framingErrorf("sequence mismatch: got %d, want %d", seq, r.nextSeq)
	}

	payload := pkt[packetHeaderSize:]
	if r.nextSeq == 0 {
		r.expected = int(binary.BigEndian.Uint16(pkt[5:7]))
		r.data = make([]byte, 0, r.expected)
		payload = pkt[packetHeaderSize+2:]
	}
	if left := r.expected - len(r.data); left < len(payload) {
		payload = payload[:left]
	}
	r.data = append(r.data, payload...)
	r.nextSeq++
	return nil
}

// Finished reports whether the accumulated payload has reached the
// length declared by the first packet.
func (r *ProtocolReader) Finished() bool {
	return r.expected >= 0 && len(r.data) >= r.expected
}

// Data returns the reassembled payload. Reading before the final packet
// arrived is a framing error.
func (r *ProtocolReader) Data() ([]byte, error) {
	if !r.Finished() {
		return nil, framingErrorf("payload incomplete: %d of %d bytes", len(r.data), r.expected)
	}
	return r.data, nil
}
