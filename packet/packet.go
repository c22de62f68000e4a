// Package packet builds outbound probe packets and parses the ICMP
// responses they provoke.
//
// The codec is stateless: encoding needs only an identity and a size,
// decoding needs only the received bytes. Session-level matching (which
// probe a response belongs to) is the caller's job, using the identity
// extracted here.
package packet

import (
	"encoding/binary"
	"time"
)

// Protocol selects the probe packet format.
type Protocol int

const (
	// ProtocolICMP uses ICMP Echo Request packets
	ProtocolICMP Protocol = iota
	// ProtocolUDP uses UDP packets to high ports
	ProtocolUDP
	// ProtocolTCP uses TCP SYN segments
	ProtocolTCP
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	return p == ProtocolICMP || p == ProtocolUDP || p == ProtocolTCP
}

// Wire-format sizes.
const (
	icmpHeaderLen = 8
	udpHeaderLen  = 8
	tcpHeaderLen  = 20

	// stampLen is the length of the identity stamp embedded at the start
	// of every probe payload: token (2) + TTL (1) + sequence (1) +
	// send time in unix nanoseconds (8).
	stampLen = 12
)

// ICMP message types and codes the codec cares about.
const (
	ICMPv4EchoReply       = 0
	ICMPv4Unreachable     = 3
	ICMPv4EchoRequest     = 8
	ICMPv4TimeExceeded    = 11
	ICMPv4PortUnreachable = 3

	ICMPv6Unreachable     = 1
	ICMPv6TimeExceeded    = 3
	ICMPv6EchoRequest     = 128
	ICMPv6EchoReply       = 129
	ICMPv6PortUnreachable = 4
)

// IP protocol numbers.
const (
	ProtoNumICMP   = 1
	ProtoNumTCP    = 6
	ProtoNumUDP    = 17
	ProtoNumICMPv6 = 58
)

// MinSize returns the smallest total size, in bytes, that EncodeProbe
// accepts for the protocol. The minimum covers the protocol header plus
// the identity stamp carried in the payload (TCP carries its identity
// in the header, so its minimum is the bare header).
func (p Protocol) MinSize() int {
	switch p {
	case ProtocolICMP:
		return icmpHeaderLen + stampLen
	case ProtocolUDP:
		return stampLen
	case ProtocolTCP:
		return tcpHeaderLen
	default:
		return 0
	}
}

// stampPayload fills buf with the identity stamp followed by zero padding.
// buf must be at least stampLen bytes.
func stampPayload(buf []byte, id Identity, now time.Time) {
	binary.BigEndian.PutUint16(buf[0:2], id.Token)
	buf[2] = id.TTL
	buf[3] = id.Seq
	binary.BigEndian.PutUint64(buf[4:12], uint64(now.UnixNano()))
}

// parseStamp extracts the identity stamp from a probe payload.
func parseStamp(buf []byte) (Identity, bool) {
	if len(buf) < stampLen {
		return Identity{}, false
	}
	return Identity{
		Token: binary.BigEndian.Uint16(buf[0:2]),
		TTL:   buf[2],
		Seq:   buf[3],
	}, true
}
