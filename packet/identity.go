package packet

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Identity is the set of bits embedded in a probe that let an inbound
// response be matched back to the probe that caused it.
//
// The token is session-scoped and disambiguates concurrent traces sharing
// a raw socket. TTL and Seq locate the probe within a trace. For ICMP the
// token rides in the echo identifier and TTL/Seq are folded into the
// 16-bit echo sequence, which limits a session to 255 TTL levels with up
// to 256 probes each before identities repeat. For UDP only TTL/Seq
// survive the fold into the destination port (see PortPlan); the token is
// recovered opportunistically from quoted payload bytes when the router
// echoes enough of the probe. For TCP all three fields fit in the 32-bit
// sequence number.
type Identity struct {
	Token uint16
	TTL   uint8
	Seq   uint8
}

// icmpSeq folds TTL and sequence index into the 16-bit echo sequence field.
func (id Identity) icmpSeq() uint16 {
	return uint16(id.TTL)<<8 | uint16(id.Seq)
}

// tcpSeq folds the full identity into a 32-bit TCP sequence number.
func (id Identity) tcpSeq() uint32 {
	return uint32(id.Token)<<16 | uint32(id.TTL)<<8 | uint32(id.Seq)
}

func identityFromICMPSeq(token, seq uint16) Identity {
	return Identity{Token: token, TTL: uint8(seq >> 8), Seq: uint8(seq)}
}

func identityFromTCPSeq(seq uint32) Identity {
	return Identity{Token: uint16(seq >> 16), TTL: uint8(seq >> 8), Seq: uint8(seq)}
}

// Session derives probe identities for one trace. Sessions sharing a raw
// socket must carry distinct tokens.
type Session struct {
	token uint16
}

// NewSession creates a Session with a random token.
func NewSession() Session {
	id := uuid.New()
	token := binary.BigEndian.Uint16(id[0:2])
	if token == 0 {
		token = 1
	}
	return Session{token: token}
}

// SessionWithToken creates a Session with a fixed token. A zero token is
// reserved for "unknown" and bumped to 1.
func SessionWithToken(token uint16) Session {
	if token == 0 {
		token = 1
	}
	return Session{token: token}
}

// Token returns the session token.
func (s Session) Token() uint16 {
	return s.token
}

// Identity derives the identity for the probe at (ttl, seq).
// Derivation is deterministic: the same inputs always produce the same
// identity within a session.
func (s Session) Identity(ttl, seq int) Identity {
	return Identity{Token: s.token, TTL: uint8(ttl), Seq: uint8(seq)}
}

// PortPlan folds identities into UDP destination ports and back.
// Ports are allocated contiguously from Base: one per (TTL, sequence)
// pair, ProbesPerHop wide per TTL level starting at FirstTTL.
type PortPlan struct {
	Base         int
	FirstTTL     int
	ProbesPerHop int
}

// Port returns the destination port encoding the identity.
func (pp PortPlan) Port(id Identity) (int, error) {
	offset := (int(id.TTL)-pp.FirstTTL)*pp.ProbesPerHop + int(id.Seq)
	if int(id.TTL) < pp.FirstTTL || int(id.Seq) >= pp.ProbesPerHop {
		return 0, ErrPortRange
	}
	port := pp.Base + offset
	if port > 0xffff {
		return 0, ErrPortRange
	}
	return port, nil
}

// Identity recovers the (TTL, sequence) pair from a destination port.
// The returned identity carries a zero token; the port fold has no room
// for it.
func (pp PortPlan) Identity(port int) (Identity, bool) {
	offset := port - pp.Base
	if offset < 0 || pp.ProbesPerHop <= 0 {
		return Identity{}, false
	}
	ttl := pp.FirstTTL + offset/pp.ProbesPerHop
	seq := offset % pp.ProbesPerHop
	if ttl > 255 {
		return Identity{}, false
	}
	return Identity{TTL: uint8(ttl), Seq: uint8(seq)}, true
}
