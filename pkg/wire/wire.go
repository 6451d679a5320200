// Package wire implements the transit stream encoding: length-prefixed
// chunks carrying logical messages, 6-byte peer addresses, and the flow
// header used to multiplex forwarded traffic after the handshake.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// MaxChunk is the largest chunk payload. A chunk of exactly this size
	// continues the current logical message; the first shorter chunk (which
	// may be empty) ends it.
	MaxChunk = 0xFFFF

	chunkHeaderSize = 2

	// AddrSize is the wire size of an IPv4 address and port.
	AddrSize = 6

	// FlowHeaderSize is the wire size of a flow header: port type, public
	// port, and peer address.
	FlowHeaderSize = 2 + 2 + AddrSize

	// DefaultMessageLimit caps the reassembled size of a single logical
	// message. A peer exceeding it is misbehaving and the stream cannot be
	// resynchronized.
	DefaultMessageLimit = 1 << 20
)

var (
	ErrMessageTooLarge = errors.New("wire: logical message exceeds limit")
	ErrNotIPv4         = errors.New("wire: address is not ipv4")
	ErrShortFrame      = errors.New("wire: flow frame too short")
)

// PortType identifies the protocol of a public port.
type PortType uint16

const (
	UDP PortType = 1
	TCP PortType = 2
)

func (t PortType) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	}
	return fmt.Sprintf("PortType(%d)", uint16(t))
}

// ParsePortType parses the configuration spelling of a port type.
func ParsePortType(s string) (PortType, error) {
	switch s {
	case "udp", "UDP":
		return UDP, nil
	case "tcp", "TCP":
		return TCP, nil
	}
	return 0, fmt.Errorf("wire: invalid port type %q", s)
}

// AppendMessage appends msg to dst as one or more length-prefixed chunks.
// Every chunk but the last is exactly MaxChunk bytes; the last is shorter,
// and may be empty if msg is empty or a multiple of MaxChunk.
func AppendMessage(dst, msg []byte) []byte {
	for {
		n := len(msg)
		if n > MaxChunk {
			n = MaxChunk
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
		dst = append(dst, msg[:n]...)
		msg = msg[n:]
		if n < MaxChunk {
			return dst
		}
	}
}

// PackMessage encodes msg as a fresh chunked buffer.
func PackMessage(msg []byte) []byte {
	return AppendMessage(make([]byte, 0, len(msg)+chunkHeaderSize*(len(msg)/MaxChunk+1)), msg)
}

// An Unpacker reassembles logical messages from a chunked byte stream. The
// zero value is ready to use.
type Unpacker struct {
	// Limit overrides DefaultMessageLimit if positive.
	Limit int

	pending []byte
	partial bool
}

// Next consumes complete chunks from the head of buf and returns the next
// logical message (including any continuation chunks buffered by earlier
// calls) along with the number of bytes of buf consumed by this call. msg is
// nil if more data is needed, and n may still be non-zero then; an empty
// logical message is returned as a non-nil empty slice.
// The returned message may alias buf and is only valid until buf is reused.
func (u *Unpacker) Next(buf []byte) (msg []byte, n int, err error) {
	limit := u.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	for {
		if len(buf)-n < chunkHeaderSize {
			return nil, n, nil
		}
		l := int(binary.BigEndian.Uint16(buf[n:]))
		if len(buf)-n < chunkHeaderSize+l {
			return nil, n, nil
		}
		chunk := buf[n+chunkHeaderSize : n+chunkHeaderSize+l]
		n += chunkHeaderSize + l
		if len(u.pending)+l > limit {
			u.pending, u.partial = nil, false
			return nil, n, ErrMessageTooLarge
		}
		if l == MaxChunk {
			u.pending = append(u.pending, chunk...)
			u.partial = true
			continue
		}
		if !u.partial {
			return chunk, n, nil
		}
		msg = append(u.pending, chunk...)
		u.pending, u.partial = nil, false
		return msg, n, nil
	}
}

// AppendAddr appends the 6-byte wire form of a: 4 bytes of IPv4 address in
// network order followed by the big-endian port.
func AppendAddr(dst []byte, a netip.AddrPort) ([]byte, error) {
	ip := a.Addr().Unmap()
	if !ip.Is4() {
		return dst, fmt.Errorf("%w: %v", ErrNotIPv4, a)
	}
	b := ip.As4()
	dst = append(dst, b[:]...)
	return binary.BigEndian.AppendUint16(dst, a.Port()), nil
}

// UnpackAddr decodes the leading 6 bytes of b as an address.
func UnpackAddr(b []byte) (netip.AddrPort, error) {
	if len(b) < AddrSize {
		return netip.AddrPort{}, fmt.Errorf("wire: short address (%d bytes)", len(b))
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[:4])), binary.BigEndian.Uint16(b[4:6])), nil
}

// A Flow identifies one end-to-end session through the tunnel: the protocol
// and public port the traffic belongs to, and the remote peer on the public
// side.
type Flow struct {
	Type PortType
	Port uint16
	Peer netip.AddrPort
}

func (f Flow) String() string {
	return fmt.Sprintf("%s/%d/%s", f.Type, f.Port, f.Peer)
}

// AppendFlow appends the flow frame for f carrying payload. An empty payload
// is the flow-closed indication for f.
func AppendFlow(dst []byte, f Flow, payload []byte) ([]byte, error) {
	dst = binary.BigEndian.AppendUint16(dst, uint16(f.Type))
	dst = binary.BigEndian.AppendUint16(dst, f.Port)
	dst, err := AppendAddr(dst, f.Peer)
	if err != nil {
		return dst, err
	}
	return append(dst, payload...), nil
}

// UnpackFlow splits a logical message into its flow header and payload. The
// returned payload aliases msg.
func UnpackFlow(msg []byte) (Flow, []byte, error) {
	if len(msg) < FlowHeaderSize {
		return Flow{}, nil, fmt.Errorf("%w (%d bytes)", ErrShortFrame, len(msg))
	}
	peer, err := UnpackAddr(msg[4:FlowHeaderSize])
	if err != nil {
		return Flow{}, nil, err
	}
	f := Flow{
		Type: PortType(binary.BigEndian.Uint16(msg)),
		Port: binary.BigEndian.Uint16(msg[2:]),
		Peer: peer,
	}
	return f, msg[FlowHeaderSize:], nil
}
