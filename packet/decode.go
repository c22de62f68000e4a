package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Kind classifies a decoded response.
type Kind int

const (
	// KindEchoReply is an ICMP echo reply from the probed host
	KindEchoReply Kind = iota
	// KindTimeExceeded is a time-exceeded error from an intermediate router
	KindTimeExceeded
	// KindUnreachable is a destination-unreachable error
	KindUnreachable
)

// String returns the string representation of the response kind.
func (k Kind) String() string {
	switch k {
	case KindEchoReply:
		return "echo-reply"
	case KindTimeExceeded:
		return "time-exceeded"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Response is a decoded inbound packet.
type Response struct {
	// From is the address that sent the response.
	From net.IP

	// Kind classifies the response.
	Kind Kind

	// Type and Code are the raw ICMP type and code.
	Type int
	Code int

	// ReceivedAt is the transport-supplied receive timestamp.
	ReceivedAt time.Time

	// echo carries the identifier and sequence of a direct echo reply.
	echoID  uint16
	echoSeq uint16

	// quoted holds the original datagram echoed back inside an ICMP
	// error body (IP header + leading bytes of the probe).
	quoted []byte
}

// Decoder parses inbound packets for one protocol and address family.
type Decoder struct {
	Protocol Protocol
	IPv6     bool

	// Ports is the identity fold used for UDP probes; it must match the
	// encoder's plan.
	Ports PortPlan
}

// Decode parses an inbound packet received from the given address.
// It returns ErrMalformed (or ErrTruncated) for unparseable input and
// ErrUnrelated for well-formed packets that are not a response type the
// engine cares about. Both are non-fatal: the caller discards and
// continues. Decoding has no hidden state; the same input always yields
// the same outcome.
func (d Decoder) Decode(b []byte, from net.IP, at time.Time) (*Response, error) {
	if len(b) < icmpHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}

	proto := ProtoNumICMP
	if d.IPv6 {
		proto = ProtoNumICMPv6
	}

	msg, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	resp := &Response{From: from, ReceivedAt: at, Code: msg.Code}
	if t, ok := msg.Type.(ipv4.ICMPType); ok {
		resp.Type = int(t)
	} else if t, ok := msg.Type.(ipv6.ICMPType); ok {
		resp.Type = int(t)
	}

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		if d.Protocol != ProtocolICMP {
			return nil, fmt.Errorf("%w: echo reply on %s trace", ErrUnrelated, d.Protocol)
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return nil, fmt.Errorf("%w: echo reply without echo body", ErrMalformed)
		}
		resp.Kind = KindEchoReply
		resp.echoID = uint16(echo.ID)
		resp.echoSeq = uint16(echo.Seq)
		return resp, nil

	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		body, ok := msg.Body.(*icmp.TimeExceeded)
		if !ok {
			return nil, fmt.Errorf("%w: time exceeded without body", ErrMalformed)
		}
		resp.Kind = KindTimeExceeded
		resp.quoted = body.Data
		return resp, nil

	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok {
			return nil, fmt.Errorf("%w: destination unreachable without body", ErrMalformed)
		}
		resp.Kind = KindUnreachable
		resp.quoted = body.Data
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: ICMP type %v", ErrUnrelated, msg.Type)
	}
}

// ExtractIdentity recovers the probe identity a response answers.
// For echo replies the identity comes straight from the echo header; for
// ICMP errors it is dug out of the quoted original datagram. Returns
// ok=false when the response carries no recognizable identity, which the
// engine treats as unrelated.
func (d Decoder) ExtractIdentity(resp *Response) (Identity, bool) {
	if resp.Kind == KindEchoReply {
		return identityFromICMPSeq(resp.echoID, resp.echoSeq), true
	}

	seg, proto, ok := d.quotedSegment(resp.quoted)
	if !ok {
		return Identity{}, false
	}

	switch {
	case proto == ProtoNumICMP || proto == ProtoNumICMPv6:
		if d.Protocol != ProtocolICMP {
			return Identity{}, false
		}
		return icmpSegmentIdentity(seg)
	case proto == ProtoNumUDP:
		if d.Protocol != ProtocolUDP {
			return Identity{}, false
		}
		return d.udpSegmentIdentity(seg)
	case proto == ProtoNumTCP:
		if d.Protocol != ProtocolTCP {
			return Identity{}, false
		}
		return tcpSegmentIdentity(seg)
	default:
		return Identity{}, false
	}
}

// quotedSegment walks the quoted IP header and returns the transport
// segment behind it plus the IP protocol number. All offsets are bounds
// checked: the quote is attacker-influenceable input.
func (d Decoder) quotedSegment(quoted []byte) ([]byte, int, bool) {
	if d.IPv6 {
		if len(quoted) < ipv6.HeaderLen || quoted[0]>>4 != 6 {
			return nil, 0, false
		}
		return quoted[ipv6.HeaderLen:], int(quoted[6]), true
	}

	hdr, err := ipv4.ParseHeader(quoted)
	if err != nil {
		return nil, 0, false
	}
	if hdr.Len < ipv4.HeaderLen || len(quoted) < hdr.Len {
		return nil, 0, false
	}
	return quoted[hdr.Len:], hdr.Protocol, true
}

// icmpSegmentIdentity reads the identity out of a quoted ICMP echo
// request header.
func icmpSegmentIdentity(seg []byte) (Identity, bool) {
	if len(seg) < icmpHeaderLen {
		return Identity{}, false
	}
	if seg[0] != ICMPv4EchoRequest && seg[0] != ICMPv6EchoRequest {
		return Identity{}, false
	}
	token := binary.BigEndian.Uint16(seg[4:6])
	seq := binary.BigEndian.Uint16(seg[6:8])
	return identityFromICMPSeq(token, seq), true
}

// udpSegmentIdentity unfolds the identity from a quoted UDP header's
// destination port. Routers quote at least the 8-byte UDP header; when
// they quote payload bytes too, the stamp there supplies the session
// token that the port fold cannot carry.
func (d Decoder) udpSegmentIdentity(seg []byte) (Identity, bool) {
	if len(seg) < udpHeaderLen {
		return Identity{}, false
	}
	port := int(binary.BigEndian.Uint16(seg[2:4]))
	id, ok := d.Ports.Identity(port)
	if !ok {
		return Identity{}, false
	}
	if st, ok := parseStamp(seg[udpHeaderLen:]); ok && st.TTL == id.TTL && st.Seq == id.Seq {
		id.Token = st.Token
	}
	return id, true
}

// tcpSegmentIdentity unfolds the identity from a quoted TCP header's
// sequence number.
func tcpSegmentIdentity(seg []byte) (Identity, bool) {
	if len(seg) < 8 {
		return Identity{}, false
	}
	return identityFromTCPSeq(binary.BigEndian.Uint32(seg[4:8])), true
}
