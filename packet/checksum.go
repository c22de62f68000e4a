package packet

import (
	"encoding/binary"
	"net"
)

// Checksum calculates the Internet Checksum (RFC 1071).
func Checksum(data []byte) uint16 {
	var sum uint32

	// Sum all 16-bit words
	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	// Add left-over byte, if any (pad with zero)
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return ^uint16(sum)
}

// ValidateChecksum verifies that a buffer's embedded checksum is correct
// (the one's-complement sum over the whole buffer equals 0xFFFF).
func ValidateChecksum(data []byte) bool {
	var sum uint32

	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return uint16(sum) == 0xffff
}

// TCPChecksum computes the TCP checksum for seg sent from src to dst,
// including the pseudo-header. Channels sending raw TCP segments call
// this before transmission; the codec leaves the checksum field zero
// because it does not know the addresses.
func TCPChecksum(seg []byte, src, dst net.IP) uint16 {
	return Checksum(append(pseudoHeader(src, dst, ProtoNumTCP, len(seg)), seg...))
}

// pseudoHeader builds the IPv4 or IPv6 pseudo-header used by transport
// layer checksums.
func pseudoHeader(src, dst net.IP, proto, length int) []byte {
	if s4, d4 := src.To4(), dst.To4(); s4 != nil && d4 != nil {
		ph := make([]byte, 12)
		copy(ph[0:4], s4)
		copy(ph[4:8], d4)
		ph[9] = byte(proto)
		binary.BigEndian.PutUint16(ph[10:12], uint16(length))
		return ph
	}

	ph := make([]byte, 40)
	copy(ph[0:16], src.To16())
	copy(ph[16:32], dst.To16())
	binary.BigEndian.PutUint32(ph[32:36], uint32(length))
	ph[39] = byte(proto)
	return ph
}
