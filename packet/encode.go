package packet

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Probe is one encoded outbound packet, ready for a transport channel.
type Probe struct {
	// Wire is the protocol segment to hand to the transport. For ICMP it
	// is a complete ICMP message, for UDP the datagram payload (the
	// kernel builds the header), for TCP a raw SYN segment with a zero
	// checksum for the channel to finalize.
	Wire []byte

	// Port is the destination port carrying or accompanying the
	// identity. Zero for ICMP.
	Port int
}

// Encoder builds probe packets for one protocol and address family.
type Encoder struct {
	Protocol Protocol
	IPv6     bool

	// Ports is the identity fold used for UDP probes.
	Ports PortPlan

	// TCPPort is the destination port for TCP SYN probes (default 80).
	TCPPort int
}

// Encode builds the wire-format probe for the given identity, padded to
// size bytes. It fails with ErrPayloadTooSmall when size is below the
// protocol's minimum.
func (e Encoder) Encode(id Identity, size int) (Probe, error) {
	if size < e.Protocol.MinSize() {
		return Probe{}, fmt.Errorf("%w: %s needs at least %d bytes, got %d",
			ErrPayloadTooSmall, e.Protocol, e.Protocol.MinSize(), size)
	}

	switch e.Protocol {
	case ProtocolICMP:
		return e.encodeICMP(id, size)
	case ProtocolUDP:
		return e.encodeUDP(id, size)
	case ProtocolTCP:
		return e.encodeTCP(id, size)
	default:
		return Probe{}, fmt.Errorf("%w: unknown protocol %d", ErrPayloadTooSmall, e.Protocol)
	}
}

func (e Encoder) encodeICMP(id Identity, size int) (Probe, error) {
	payload := make([]byte, size-icmpHeaderLen)
	stampPayload(payload, id, time.Now())

	var typ icmp.Type = ipv4.ICMPTypeEcho
	if e.IPv6 {
		typ = ipv6.ICMPTypeEchoRequest
	}

	msg := &icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id.Token),
			Seq:  int(id.icmpSeq()),
			Data: payload,
		},
	}

	// For IPv6 the checksum stays zero here; the kernel fills it in
	// using the pseudo-header.
	wire, err := msg.Marshal(nil)
	if err != nil {
		return Probe{}, fmt.Errorf("marshaling ICMP probe: %w", err)
	}
	return Probe{Wire: wire}, nil
}

func (e Encoder) encodeUDP(id Identity, size int) (Probe, error) {
	port, err := e.Ports.Port(id)
	if err != nil {
		return Probe{}, err
	}

	payload := make([]byte, size)
	stampPayload(payload, id, time.Now())
	return Probe{Wire: payload, Port: port}, nil
}

func (e Encoder) encodeTCP(id Identity, size int) (Probe, error) {
	dstPort := e.TCPPort
	if dstPort == 0 {
		dstPort = 80
	}
	// Ephemeral-range source port derived from the session token.
	srcPort := 0x8000 | (id.Token & 0x7fff)

	seg := make([]byte, size)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], uint16(dstPort))
	binary.BigEndian.PutUint32(seg[4:8], id.tcpSeq())
	// Acknowledgment number stays zero on a SYN.
	seg[12] = 5 << 4 // data offset: 5 words, no options
	seg[13] = 0x02   // SYN
	binary.BigEndian.PutUint16(seg[14:16], 0xffff) // window

	if size-tcpHeaderLen >= stampLen {
		stampPayload(seg[tcpHeaderLen:], id, time.Now())
	}
	return Probe{Wire: seg, Port: dstPort}, nil
}
